// Package codec is the wire encoding for live connection messages.
//
// A message is an ordered heterogeneous array. It is encoded as a msgpack
// array so that order and element types survive the round trip. Decoded
// numbers are int64, uint64 or float64; decoded maps are map[string]any.
package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// DecodeError reports a payload that could not be decoded into a message.
// It is fatal to that message only.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d byte message: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serialises one message.
func Encode(msg []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses one message. The payload must be a non-empty array.
func Decode(data []byte) ([]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var msg []any
	if err := dec.Decode(&msg); err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	if len(msg) == 0 {
		return nil, &DecodeError{Size: len(data), Err: fmt.Errorf("empty message")}
	}
	return msg, nil
}

// String returns msg[i] as a string.
func String(msg []any, i int) (string, bool) {
	if i >= len(msg) {
		return "", false
	}
	s, ok := msg[i].(string)
	return s, ok
}

// Map returns msg[i] as a map. A nil element yields an empty map.
func Map(msg []any, i int) (map[string]any, bool) {
	if i >= len(msg) {
		return nil, false
	}
	switch m := msg[i].(type) {
	case map[string]any:
		return m, true
	case nil:
		return map[string]any{}, true
	}
	return nil, false
}

// Int returns msg[i] as an int64, accepting any decoded numeric type.
func Int(msg []any, i int) (int64, bool) {
	if i >= len(msg) {
		return 0, false
	}
	switch n := msg[i].(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// Args extracts the args list from a {user, args} payload. Missing args
// yield an empty list.
func Args(payload map[string]any) ([]any, error) {
	switch a := payload["args"].(type) {
	case nil:
		return []any{}, nil
	case []any:
		return a, nil
	default:
		return nil, fmt.Errorf("args must be a list, got %T", a)
	}
}
