package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"null", nil, "null"},
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"uint8", uint8(7), "7"},
		{"integral float", 2.0, "2"},
		{"fraction", 2.5, "2.5"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array", []any{1, "a", nil}, `[1,"a",null]`},
		{"no html escaping", "<a & b>", `"<a & b>"`},
		{"json number", json.Number("12"), "12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"y": 1, "x": 2},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":2,"y":1},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Order(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) which sorts before U+FF5E in UTF-16
	// but after it in UTF-8.
	obj := map[string]any{"～": 1, "\U0001F600": 2}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"～\":1}", string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalTypedContainers(t *testing.T) {
	typed := map[any]any{"b": []string{"x", "y"}, "a": int8(1)}

	result, err := MarshalCanonical(typed)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":["x","y"]}`, string(result))
}

func TestMarshalCanonicalStruct(t *testing.T) {
	type query struct {
		Limit int    `json:"limit"`
		Tag   string `json:"tag"`
	}

	result, err := MarshalCanonical(query{Tag: "x", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"limit":3,"tag":"x"}`, string(result))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(math.NaN())
	assert.Error(t, err)

	_, err = MarshalCanonical([]any{math.Inf(1)})
	assert.Error(t, err)
}
