package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/livesync/internal/ir"
)

const (
	testBatch      = 10 * time.Millisecond
	testInvalidate = 30 * time.Millisecond
	testGrace      = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() Settings {
	return Settings{
		BatchDelay:      testBatch,
		InvalidateDelay: testInvalidate,
		GraceDelay:      testGrace,
		MutateTimeout:   time.Second,
	}
}

// fakeAPI serves values from a map and records every request.
type fakeAPI struct {
	mu       sync.Mutex
	values   map[string]any
	fetches  map[string]int
	calls    []string
	mutates  [][]ir.Mutation
	watchers map[string][]func(any)
	stopped  map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		values:   make(map[string]any),
		fetches:  make(map[string]int),
		watchers: make(map[string][]func(any)),
		stopped:  make(map[string]int),
	}
}

func (f *fakeAPI) set(name string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = v
}

func (f *fakeAPI) fetchCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[name]
}

func (f *fakeAPI) mutations() [][]ir.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]ir.Mutation(nil), f.mutates...)
}

func (f *fakeAPI) stopCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[name]
}

func (f *fakeAPI) push(name string, v any) {
	f.mu.Lock()
	fns := append([](func(any))(nil), f.watchers[name]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (f *fakeAPI) get(name string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[name]++
	v, ok := f.values[name]
	if !ok {
		return nil, errors.New("no value for " + name)
	}
	return v, nil
}

func (f *fakeAPI) Fetch(ctx context.Context, name string, args []any) (any, error) {
	return f.get(name)
}

func (f *fakeAPI) Watch(name string, args []any, fn func(any)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers[name] = append(f.watchers[name], fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped[name]++
		f.watchers[name] = nil
	}, nil
}

func (f *fakeAPI) Call(ctx context.Context, name string, args []any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return f.get(name)
}

func (f *fakeAPI) Mutate(ctx context.Context, name string, args []any, mutations []ir.Mutation) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutates = append(f.mutates, mutations)
	return len(mutations), nil
}

// counterFetch returns increasing integers and counts calls.
type counterFetch struct {
	mu sync.Mutex
	n  int
}

func (c *counterFetch) fetch(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return map[string]any{"n": c.n}, nil
}

func (c *counterFetch) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
