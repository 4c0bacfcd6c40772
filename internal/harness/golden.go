package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/livesync/internal/ir"
)

// Snapshot renders a trace for golden comparison: a header line naming the
// scenario, then one canonical JSON object per event.
func Snapshot(name string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n", name)
	for _, e := range trace {
		event := map[string]any{
			"seq":     e.Seq,
			"dir":     e.Dir,
			"message": e.Message,
		}
		if e.Conn != "" {
			event["conn"] = e.Conn
		}
		line, err := ir.MarshalCanonical(event)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
