package ir

import "fmt"

// Session identifies who a live function is evaluated for. It is part of the
// server-side cache key, so two users never share an entry.
type Session struct {
	User string `json:"user" msgpack:"user"`
}

// CallKey derives the server cache key for (name, args, session).
// Keys are opaque strings; equality is structural, and strings are compared
// as written, without Unicode normalization.
func CallKey(name string, args []any, session Session) (string, error) {
	if args == nil {
		args = []any{}
	}
	key, err := MarshalKey([]any{name, args, map[string]any{"user": session.User}})
	if err != nil {
		return "", fmt.Errorf("CallKey %s: %w", name, err)
	}
	return string(key), nil
}

// ClientKey derives the client cache key for (name, args).
func ClientKey(name string, args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	key, err := MarshalKey([]any{name, args})
	if err != nil {
		return "", fmt.Errorf("ClientKey %s: %w", name, err)
	}
	return string(key), nil
}
