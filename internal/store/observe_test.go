package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve_DocumentAndCollection(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	docObs := &recordingObserver{}
	colObs := &recordingObserver{}
	s.Observe(ChangeID("notes", "n1"), docObs)
	s.Observe(CollectionID("notes"), colObs)

	_, err := s.Insert(ctx, "notes", map[string]any{IDField: "n1"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "notes", map[string]any{IDField: "n2"})
	require.NoError(t, err)
	_, err = s.Update(ctx, "notes", "n1", map[string]any{"x": 1})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "notes", "n2"))

	assert.Equal(t, []string{"notes/n1", "notes/n1"}, docObs.seen())
	assert.Equal(t, []string{"notes/*", "notes/*", "notes/*", "notes/*"}, colObs.seen())
}

func TestObserve_FailedWriteDoesNotNotify(t *testing.T) {
	s := createTestStore(t)
	obs := &recordingObserver{}
	s.Observe(ChangeID("notes", "missing"), obs)

	_, err := s.Update(context.Background(), "notes", "missing", map[string]any{})
	require.Error(t, err)
	assert.Empty(t, obs.seen())
}

func TestStopObserving(t *testing.T) {
	s := createTestStore(t)
	obs := &recordingObserver{}
	id := ChangeID("notes", "n1")

	s.Observe(id, obs)
	s.Observe(id, obs)
	assert.Equal(t, 1, s.ObserverCount(id))

	s.StopObserving(id, obs)
	assert.Equal(t, 0, s.ObserverCount(id))
	assert.Equal(t, 0, s.ObservedIDs())

	_, err := s.Insert(context.Background(), "notes", map[string]any{IDField: "n1"})
	require.NoError(t, err)
	assert.Empty(t, obs.seen())
}

func TestObserverFunc_MayDetachDuringCallback(t *testing.T) {
	s := createTestStore(t)
	id := ChangeID("notes", "n1")

	calls := 0
	var fn ObserverFunc
	fn = func(string) {
		calls++
		s.StopObserving(id, &fn)
	}
	s.Observe(id, &fn)

	ctx := context.Background()
	_, err := s.Insert(ctx, "notes", map[string]any{IDField: "n1"})
	require.NoError(t, err)
	_, err = s.Update(ctx, "notes", "n1", map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}
