package livefunc

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/store"
)

const testNotifyDelay = 40 * time.Millisecond

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCache(t *testing.T, s *store.Store, r *Registry, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger()), WithNotifyDelay(testNotifyDelay)}, opts...)
	c := NewCache(s, r, opts...)
	t.Cleanup(c.Close)
	return c
}

func insert(t *testing.T, s *store.Store, collection, id string, body map[string]any) {
	t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	body[store.IDField] = id
	_, err := s.Insert(context.Background(), collection, body)
	require.NoError(t, err)
}

func update(t *testing.T, s *store.Store, collection, id string, body map[string]any) {
	t.Helper()
	_, err := s.Update(context.Background(), collection, id, body)
	require.NoError(t, err)
}

// counter counts subscriber notifications.
type counter struct{ n atomic.Int64 }

func (c *counter) fn() { c.n.Add(1) }

func (c *counter) count() int64 { return c.n.Load() }

// quiet waits long enough for any pending debounced notification to fire.
func quiet() {
	time.Sleep(3 * testNotifyDelay)
}
