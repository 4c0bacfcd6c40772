package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: valid
description: "A valid scenario"
setup:
  - insert: { collection: notes, id: n1, body: { text: hi } }
steps:
  - subscribe: { conn: a, sub: 1, func: doc, user: alice, args: [notes, n1] }
  - wait: { messages: 0 }
assertions:
  - type: final_state
    entries: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "valid", scenario.Name)
	require.Len(t, scenario.Setup, 1)
	assert.Equal(t, "n1", scenario.Setup[0].Insert.ID)
	require.Len(t, scenario.Steps, 2)
	sub := scenario.Steps[0].Subscribe
	require.NotNil(t, sub)
	assert.Equal(t, "alice", sub.User)
	assert.Equal(t, []any{"notes", "n1"}, sub.Args)
	require.NotNil(t, scenario.Assertions[0].Entries)
	assert.Equal(t, 1, *scenario.Assertions[0].Entries)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: d\nstep: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing name",
			yaml:    "description: d\nsteps: [{wait: {messages: 0}}]\nassertions: [{type: final_state, entries: 0}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: x\nsteps: [{wait: {messages: 0}}]\nassertions: [{type: final_state, entries: 0}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: x\ndescription: d\nassertions: [{type: final_state, entries: 0}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: x\ndescription: d\nsteps: [{wait: {messages: 0}}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "two step types",
			yaml:    "name: x\ndescription: d\nsteps: [{wait: {messages: 0}, disconnect: {conn: a}}]\nassertions: [{type: final_state, entries: 0}]\n",
			wantErr: "steps[0]: exactly one step type must be set, got 2",
		},
		{
			name:    "subscribe without func",
			yaml:    "name: x\ndescription: d\nsteps: [{subscribe: {conn: a, sub: 1}}]\nassertions: [{type: final_state, entries: 0}]\n",
			wantErr: "subscribe: func is required",
		},
		{
			name:    "write without id",
			yaml:    "name: x\ndescription: d\nsteps: [{update: {collection: notes}}]\nassertions: [{type: final_state, entries: 0}]\n",
			wantErr: "id is required",
		},
		{
			name:    "setup subscribes",
			yaml:    "name: x\ndescription: d\nsetup: [{subscribe: {conn: a, sub: 1, func: doc}}]\nsteps: [{wait: {messages: 0}}]\nassertions: [{type: final_state, entries: 0}]\n",
			wantErr: "setup[0]: only insert steps are allowed",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ndescription: d\nsteps: [{wait: {messages: 0}}]\nassertions: [{type: eventually}]\n",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "empty final state",
			yaml:    "name: x\ndescription: d\nsteps: [{wait: {messages: 0}}]\nassertions: [{type: final_state}]\n",
			wantErr: "final_state needs entries",
		},
		{
			name:    "count without kind",
			yaml:    "name: x\ndescription: d\nsteps: [{wait: {messages: 0}}]\nassertions: [{type: message_count, count: 1}]\n",
			wantErr: "kind is required for message_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
