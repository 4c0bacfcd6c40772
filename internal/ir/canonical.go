package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces canonical JSON for comparing and snapshotting
// values.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Floats with an integral value are written as integers, so 2 and 2.0 collide
//  5. NaN and infinities are rejected
//
// Values that are not plain JSON shapes (structs, typed slices and maps) are
// first round-tripped through encoding/json.
func MarshalCanonical(v any) ([]byte, error) {
	return marshal(v, true)
}

// MarshalKey is MarshalCanonical without NFC normalization. Cache keys use it:
// arguments that differ only in their Unicode normalization form are
// different strings to the functions they are passed to.
func MarshalKey(v any) ([]byte, error) {
	return marshal(v, false)
}

type encoder struct {
	buf bytes.Buffer
	nfc bool
}

func marshal(v any, nfc bool) ([]byte, error) {
	e := &encoder{nfc: nfc}
	if err := e.write(v); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (e *encoder) write(v any) error {
	buf := &e.buf
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return e.writeString(val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return e.writeFloat(float64(val))
	case float64:
		return e.writeFloat(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", val, err)
		}
		return e.writeFloat(f)
	case []any:
		return e.writeArray(val)
	case map[string]any:
		return e.writeObject(val)
	default:
		return e.writeReflect(v)
	}
	return nil
}

// writeFloat writes integral floats as integers and everything else
// in the shortest round-trip form.
func (e *encoder) writeFloat(f float64) error {
	buf := &e.buf
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite numbers are forbidden in canonical JSON: %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// writeString writes a JSON string without HTML escaping.
func (e *encoder) writeString(s string) error {
	if e.nfc {
		s = norm.NFC.String(s)
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// json.Encoder adds a trailing newline
	e.buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

func (e *encoder) writeArray(arr []any) error {
	buf := &e.buf
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := e.write(elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func (e *encoder) writeObject(obj map[string]any) error {
	buf := &e.buf
	buf.WriteByte('{')
	for i, k := range SortedKeys(obj) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := e.writeString(k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := e.write(obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeReflect handles typed slices and maps (msgpack and yaml
// decoders produce map[any]any and []string) before falling back to JSON.
func (e *encoder) writeReflect(v any) error {
	buf := &e.buf
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return e.write(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		arr := make([]any, rv.Len())
		for i := range arr {
			arr[i] = rv.Index(i).Interface()
		}
		return e.writeArray(arr)
	case reflect.Map:
		obj := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		return e.writeObject(obj)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unsupported type for canonical JSON: %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("unsupported type for canonical JSON: %T: %w", v, err)
	}
	return e.write(generic)
}

// SortedKeys returns keys in canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 which produces a DIFFERENT order for
// characters outside the BMP.
func SortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// SortedStrings returns a sorted copy of ids; used to present read sets
// deterministically.
func SortedStrings(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
