package ir

import (
	"fmt"
	"strings"
)

// MutationType classifies a local change to a mirror.
type MutationType string

const (
	// MutationSet replaces the value at Path.
	MutationSet MutationType = "set"
	// MutationDelete removes the key or list element at Path.
	MutationDelete MutationType = "delete"
	// MutationAdd appends Value (a list of elements) to the list at Path.
	MutationAdd MutationType = "add"
)

// Mutation is one change to a mirror, as sent to the server in a batch.
type Mutation struct {
	Type  MutationType `json:"type" msgpack:"type"`
	Path  []string     `json:"path" msgpack:"path"`
	Value any          `json:"value,omitempty" msgpack:"value,omitempty"`
}

// String renders the mutation for logs.
func (m Mutation) String() string {
	return fmt.Sprintf("%s %s", m.Type, strings.Join(m.Path, "."))
}

// Valid reports whether the mutation type is known.
func (m Mutation) Valid() bool {
	switch m.Type {
	case MutationSet, MutationDelete, MutationAdd:
		return true
	}
	return false
}

// MutationFromMap converts a decoded wire map into a Mutation.
func MutationFromMap(raw map[string]any) (Mutation, error) {
	m := Mutation{Value: raw["value"]}
	typ, ok := raw["type"].(string)
	if !ok {
		return Mutation{}, fmt.Errorf("mutation type missing")
	}
	m.Type = MutationType(typ)
	if !m.Valid() {
		return Mutation{}, fmt.Errorf("unknown mutation type %q", typ)
	}
	switch path := raw["path"].(type) {
	case []any:
		m.Path = make([]string, len(path))
		for i, seg := range path {
			m.Path[i] = fmt.Sprint(seg)
		}
	case []string:
		m.Path = path
	case nil:
	default:
		return Mutation{}, fmt.Errorf("mutation path must be a list, got %T", path)
	}
	return m, nil
}
