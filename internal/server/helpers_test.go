package server

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *store.Store
	registry *livefunc.Registry
	cache    *livefunc.Cache
}

// newFixture opens a store with a "notes.get" function reading one note and
// a "notes.list" function reading the whole collection.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := livefunc.NewRegistry()
	require.NoError(t, r.Function("notes.get", func(ctx context.Context, call livefunc.Call) (any, error) {
		id, _ := call.Args[0].(string)
		doc, err := call.DB.Get(ctx, "notes", id)
		if err != nil {
			return nil, err
		}
		return doc.Body["content"], nil
	}))
	require.NoError(t, r.Function("notes.list", func(ctx context.Context, call livefunc.Call) (any, error) {
		docs, err := call.DB.Find(ctx, "notes")
		if err != nil {
			return nil, err
		}
		ids := make([]any, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		return ids, nil
	}))
	require.NoError(t, r.Function("whoami", func(ctx context.Context, call livefunc.Call) (any, error) {
		return call.Session.User, nil
	}))

	c := livefunc.NewCache(s, r, livefunc.WithLogger(discardLogger()), livefunc.WithNotifyDelay(50*time.Millisecond))
	t.Cleanup(c.Close)
	return &fixture{store: s, registry: r, cache: c}
}

func (f *fixture) put(t *testing.T, id, content string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.Get(ctx, "notes", id); err == nil {
		_, err := f.store.Update(ctx, "notes", id, map[string]any{"content": content})
		require.NoError(t, err)
		return
	}
	_, err := f.store.Insert(ctx, "notes", map[string]any{store.IDField: id, "content": content})
	require.NoError(t, err)
}

// outbox records messages sent by a Mux.
type outbox struct {
	mu   sync.Mutex
	msgs [][]any
}

func (o *outbox) send(msg []any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) all() [][]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]any(nil), o.msgs...)
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}
