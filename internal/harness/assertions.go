package harness

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/livesync/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Seq, event.Dir, event.Conn, canonical(event.Message))
		}
	}
	return buf.String()
}

// EvaluateAssertions evaluates every assertion against the result and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertMessageContains:
			err = assertMessageContains(result.Trace, a)
		case AssertMessageOrder:
			err = assertMessageOrder(result.Trace, a)
		case AssertMessageCount:
			err = assertMessageCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result.State, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// received returns the server messages, restricted to conn when set.
func received(trace []TraceEvent, conn string) []TraceEvent {
	var out []TraceEvent
	for _, e := range trace {
		if e.Dir == DirRecv && (conn == "" || e.Conn == conn) {
			out = append(out, e)
		}
	}
	return out
}

// assertMessageContains checks that a received message equals the expected
// one under canonical encoding, so 2 and 2.0 compare equal.
func assertMessageContains(trace []TraceEvent, a Assertion) error {
	want, err := ir.MarshalCanonical(a.Message)
	if err != nil {
		return fmt.Errorf("message_contains: %w", err)
	}
	for _, e := range received(trace, a.Conn) {
		got, err := ir.MarshalCanonical(e.Message)
		if err == nil && bytes.Equal(got, want) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertMessageContains,
		Expected: fmt.Sprintf("message %s%s", want, onConn(a.Conn)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertMessageOrder checks that the kinds appear in order. Other messages
// may appear in between.
func assertMessageOrder(trace []TraceEvent, a Assertion) error {
	msgs := received(trace, a.Conn)
	next := 0
	for _, e := range msgs {
		if next < len(a.Kinds) && e.Kind() == a.Kinds[next] {
			next++
		}
	}
	if next == len(a.Kinds) {
		return nil
	}

	kinds := make([]string, len(msgs))
	for i, e := range msgs {
		kinds[i] = e.Kind()
	}
	return &AssertionError{
		Type:     AssertMessageOrder,
		Expected: fmt.Sprintf("kinds in order: %v%s", a.Kinds, onConn(a.Conn)),
		Actual:   fmt.Sprintf("received %v; missing %q after position %d", kinds, a.Kinds[next], next),
		Trace:    trace,
	}
}

// assertMessageCount checks that a kind was received exactly Count times.
func assertMessageCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range received(trace, a.Conn) {
		if e.Kind() == a.Kind {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertMessageCount,
		Expected: fmt.Sprintf("%d %q messages%s", a.Count, a.Kind, onConn(a.Conn)),
		Actual:   fmt.Sprintf("%d", count),
		Trace:    trace,
	}
}

func assertFinalState(state FinalState, a Assertion) error {
	var mismatches []string
	if a.Entries != nil && *a.Entries != state.Entries {
		mismatches = append(mismatches, fmt.Sprintf("entries: want %d, got %d", *a.Entries, state.Entries))
	}
	for _, name := range sortedKeys(a.Subscriptions) {
		if got := state.Subscriptions[name]; got != a.Subscriptions[name] {
			mismatches = append(mismatches, fmt.Sprintf("subscriptions[%s]: want %d, got %d", name, a.Subscriptions[name], got))
		}
	}
	for _, id := range sortedKeys(a.Observers) {
		if got := state.Observers[id]; got != a.Observers[id] {
			mismatches = append(mismatches, fmt.Sprintf("observers[%s]: want %d, got %d", id, a.Observers[id], got))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: "final state to match",
		Actual:   strings.Join(mismatches, "; "),
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func onConn(conn string) string {
	if conn == "" {
		return ""
	}
	return " on " + conn
}

func canonical(v any) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
