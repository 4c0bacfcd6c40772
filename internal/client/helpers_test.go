package client

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

// fakeConn is an in-memory Connection driven by the test.
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]any
	onMsg    map[int]func([]any)
	onReopen map[int]func()
	next     int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		onMsg:    make(map[int]func([]any)),
		onReopen: make(map[int]func()),
	}
}

func (f *fakeConn) Send(msg []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) OnMessage(fn func([]any)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.onMsg[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.onMsg, id)
	}
}

func (f *fakeConn) OnReopen(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.onReopen[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.onReopen, id)
	}
}

func (f *fakeConn) deliver(msg ...any) {
	f.mu.Lock()
	handlers := sortedFuncs(f.onMsg)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (f *fakeConn) reopen() {
	f.mu.Lock()
	handlers := sortedFuncs(f.onReopen)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (f *fakeConn) messages() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.sent...)
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// subscribes returns the subscription id of every subscribe sent, by
// function name, in send order.
func (f *fakeConn) subscribes() map[string][]int64 {
	out := make(map[string][]int64)
	for _, msg := range f.messages() {
		if len(msg) == 4 && msg[1] == ActionSubscribe {
			name := msg[2].(string)
			out[name] = append(out[name], msg[0].(int64))
		}
	}
	return out
}

// waitSends blocks until at least n messages were sent.
func waitSends(t *testing.T, f *fakeConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, time.Second, 2*time.Millisecond)
}

type getResult struct {
	value any
	err   error
}

func asyncGet(ctx context.Context, ch *Channel) <-chan getResult {
	out := make(chan getResult, 1)
	go func() {
		v, err := ch.Get(ctx)
		out <- getResult{v, err}
	}()
	return out
}

func await(t *testing.T, c <-chan getResult) getResult {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return")
		return getResult{}
	}
}

// recorder collects observed values.
type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) observe(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

// liveFixture is a real store and cache with a "notes.get" function.
type liveFixture struct {
	store *store.Store
	cache *livefunc.Cache
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "client.db"), store.WithLogger(discardLogger()))
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
	require.NoError(t, r.Function("notes.count", func(ctx context.Context, call livefunc.Call) (any, error) {
		docs, err := call.DB.Find(ctx, "notes")
		if err != nil {
			return nil, err
		}
		return len(docs), nil
	}))

	c := livefunc.NewCache(s, r, livefunc.WithLogger(discardLogger()), livefunc.WithNotifyDelay(30*time.Millisecond))
	t.Cleanup(c.Close)
	return &liveFixture{store: s, cache: c}
}

func (f *liveFixture) put(t *testing.T, id, content string) {
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
