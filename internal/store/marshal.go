package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// IDField is the body field that carries a document's id, as in document
// databases. It is injected on read and stripped on write.
const IDField = "_id"

// marshalBody converts a document body to JSON TEXT for storage.
// HTML escaping is disabled so stored text matches what clients sent.
func marshalBody(body map[string]any) (string, error) {
	clean := make(map[string]any, len(body))
	for k, v := range body {
		if k == IDField {
			continue
		}
		clean[k] = v
	}
	return marshalJSON(clean)
}

// unmarshalBody parses stored JSON TEXT and injects the id field.
func unmarshalBody(id, data string) (map[string]any, error) {
	body := map[string]any{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			return nil, fmt.Errorf("unmarshal body: %w", err)
		}
	}
	body[IDField] = id
	return body, nil
}

func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// marshalArgs converts call arguments to JSON TEXT for the call log.
func marshalArgs(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	data, err := marshalJSON(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return data, nil
}

func unmarshalArgs(data string) ([]any, error) {
	args := []any{}
	if data == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(data), &args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	return args, nil
}
