package model

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/livesync/internal/debounce"
	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/mirror"
)

// ErrNotReady is returned by reads of a Getter that has no value yet.
var ErrNotReady = errors.New("not ready")

// Default delays.
const (
	DefaultBatchDelay      = 10 * time.Millisecond
	DefaultInvalidateDelay = 100 * time.Millisecond
	// DefaultGraceDelay is the "one tick" a Getter waits before tearing
	// down after its last observer leaves.
	DefaultGraceDelay = time.Millisecond
)

// getterSeq numbers getters so scheduler keys of a replaced getter never
// collide with those of its successor.
var getterSeq atomic.Uint64

// FetchFunc loads a Getter's value.
type FetchFunc func(ctx context.Context) (any, error)

// Getter mirrors the result of one (function, args) call. Reads before the
// first successful fetch fail with ErrNotReady. Local edits go through the
// mirror document returned by Doc and are reported per mutation and in
// batches.
type Getter struct {
	key    string
	timer  string
	name   string
	args   []any
	fetch  FetchFunc
	sched  *debounce.Scheduler
	logger *slog.Logger

	batchDelay      time.Duration
	invalidateDelay time.Duration
	graceDelay      time.Duration

	mu          sync.Mutex
	ready       bool
	inflight    bool
	readyCh     chan struct{}
	installs    uint64
	doc         *mirror.Doc
	stopMirror  func()
	lastErr     error
	fetches     int
	queued      []ir.Mutation
	onMutation  map[int]func(ir.Mutation)
	onBatch     map[int]func([]ir.Mutation)
	onUnobserve map[int]func()
	nextHandler int
	observers   int
	closed      bool
}

// GetterOption configures a Getter.
type GetterOption func(*Getter)

// WithDelays overrides the batch, invalidate and grace delays.
func WithDelays(batch, invalidate, grace time.Duration) GetterOption {
	return func(g *Getter) {
		g.batchDelay = batch
		g.invalidateDelay = invalidate
		g.graceDelay = grace
	}
}

// WithGetterLogger sets the getter logger.
func WithGetterLogger(logger *slog.Logger) GetterOption {
	return func(g *Getter) {
		g.logger = logger
	}
}

// NewGetter creates an unready Getter. sched is shared with the owning
// model; keys are namespaced by the getter key.
func NewGetter(name string, args []any, fetch FetchFunc, sched *debounce.Scheduler, opts ...GetterOption) (*Getter, error) {
	if args == nil {
		args = []any{}
	}
	key, err := ir.ClientKey(name, args)
	if err != nil {
		return nil, err
	}
	g := &Getter{
		key:             key,
		timer:           key + "#" + strconv.FormatUint(getterSeq.Add(1), 10),
		name:            name,
		args:            args,
		fetch:           fetch,
		sched:           sched,
		logger:          slog.Default(),
		batchDelay:      DefaultBatchDelay,
		invalidateDelay: DefaultInvalidateDelay,
		graceDelay:      DefaultGraceDelay,
		readyCh:         make(chan struct{}),
		onMutation:      make(map[int]func(ir.Mutation)),
		onBatch:         make(map[int]func([]ir.Mutation)),
		onUnobserve:     make(map[int]func()),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Key returns the client cache key.
func (g *Getter) Key() string { return g.key }

// Name returns the function name.
func (g *Getter) Name() string { return g.name }

// Args returns the call arguments.
func (g *Getter) Args() []any { return g.args }

// Update fetches the value unless a fetch is in flight or the getter is
// already ready. force re-fetches a ready getter.
func (g *Getter) Update(ctx context.Context, force bool) error {
	g.mu.Lock()
	if g.closed || g.inflight || (g.ready && !force) {
		g.mu.Unlock()
		return nil
	}
	g.inflight = true
	g.fetches++
	seen := g.installs
	g.mu.Unlock()

	value, err := g.fetch(ctx)

	g.mu.Lock()
	g.inflight = false
	if err != nil {
		g.lastErr = err
		g.mu.Unlock()
		g.logger.Warn("fetch failed", "func", g.name, "error", err)
		return err
	}
	g.lastErr = nil
	// A value pushed while the fetch was in flight is newer than the result.
	if g.installs == seen && !g.closed {
		g.installLocked(value)
	}
	g.mu.Unlock()
	return nil
}

// Set installs a value delivered by the server, marking the getter ready.
// Installing does not produce mutations.
func (g *Getter) Set(value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.installLocked(value)
}

func (g *Getter) installLocked(value any) {
	g.installs++
	if g.doc == nil {
		g.doc = mirror.New(value)
		g.stopMirror = g.doc.OnMutation(g.mutated)
	} else {
		g.doc.Replace(value)
	}
	if !g.ready {
		g.ready = true
		close(g.readyCh)
	}
}

// Ready reports whether a value has been installed.
func (g *Getter) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// OnReady returns a channel closed once the getter becomes ready.
func (g *Getter) OnReady() <-chan struct{} {
	return g.readyCh
}

// Wait blocks until the getter is ready or ctx is done.
func (g *Getter) Wait(ctx context.Context) error {
	select {
	case <-g.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Value returns a copy of the current value.
func (g *Getter) Value() (any, error) {
	doc, err := g.Doc()
	if err != nil {
		return nil, err
	}
	return doc.Value(), nil
}

// Doc returns the mirror document for reads and local edits.
func (g *Getter) Doc() (*mirror.Doc, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return nil, ErrNotReady
	}
	return g.doc, nil
}

// LastError returns the error of the most recent failed fetch.
func (g *Getter) LastError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// Fetches returns how many fetches have started.
func (g *Getter) Fetches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

// OnMutation registers fn for every local mutation, as it happens.
func (g *Getter) OnMutation(fn func(ir.Mutation)) (stop func()) {
	return g.register(func(id int) { g.onMutation[id] = fn }, func(id int) { delete(g.onMutation, id) })
}

// OnBatch registers fn for mutation batches, flushed after a quiet period.
func (g *Getter) OnBatch(fn func([]ir.Mutation)) (stop func()) {
	return g.register(func(id int) { g.onBatch[id] = fn }, func(id int) { delete(g.onBatch, id) })
}

// OnNotObserved registers fn to run when the last observer has left and the
// grace delay passed without a new one.
func (g *Getter) OnNotObserved(fn func()) (stop func()) {
	return g.register(func(id int) { g.onUnobserve[id] = fn }, func(id int) { delete(g.onUnobserve, id) })
}

func (g *Getter) register(add, remove func(id int)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextHandler++
	id := g.nextHandler
	add(id)
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		remove(id)
	}
}

func (g *Getter) mutated(m ir.Mutation) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.queued = append(g.queued, m)
	immediate := sortedHandlers(g.onMutation)
	g.mu.Unlock()

	for _, fn := range immediate {
		fn(m)
	}
	g.sched.Schedule(g.batchKey(), g.batchDelay, g.flush)
}

// Flush delivers queued mutations now instead of waiting for the quiet
// period.
func (g *Getter) Flush() {
	g.sched.Cancel(g.batchKey())
	g.flush()
}

func (g *Getter) flush() {
	g.mu.Lock()
	batch := g.queued
	g.queued = nil
	handlers := sortedHandlers(g.onBatch)
	g.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	for _, fn := range handlers {
		fn(batch)
	}
}

// Invalidate schedules a forced Update after the invalidate delay,
// restarting the delay on repeated calls. An unready getter ignores it.
// Returns whether a refresh was scheduled.
func (g *Getter) Invalidate() bool {
	g.mu.Lock()
	ready := g.ready && !g.closed
	g.mu.Unlock()
	if !ready {
		return false
	}
	return g.sched.Schedule(g.invalidateKey(), g.invalidateDelay, func() {
		if err := g.Update(context.Background(), true); err != nil {
			g.logger.Debug("refresh failed", "func", g.name, "error", err)
		}
	})
}

// Observe marks one observer. The returned release is idempotent; when the
// count drops to zero the not-observed handlers run after the grace delay
// unless another observer arrives first.
func (g *Getter) Observe() (release func()) {
	g.mu.Lock()
	g.observers++
	g.mu.Unlock()
	g.sched.Cancel(g.graceKey())

	var once sync.Once
	return func() {
		once.Do(g.unobserve)
	}
}

// Observers returns the current observer count.
func (g *Getter) Observers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.observers
}

func (g *Getter) unobserve() {
	g.mu.Lock()
	g.observers--
	idle := g.observers == 0
	g.mu.Unlock()
	if !idle {
		return
	}
	g.sched.Schedule(g.graceKey(), g.graceDelay, func() {
		g.mu.Lock()
		if g.observers > 0 || g.closed {
			g.mu.Unlock()
			return
		}
		handlers := sortedHandlers(g.onUnobserve)
		g.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})
}

// Close stops the mirror listener and pending timers. Queued mutations are
// dropped.
func (g *Getter) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	stop := g.stopMirror
	g.queued = nil
	g.mu.Unlock()

	if stop != nil {
		stop()
	}
	g.sched.Cancel(g.batchKey())
	g.sched.Cancel(g.invalidateKey())
	g.sched.Cancel(g.graceKey())
}

func (g *Getter) batchKey() string      { return "batch:" + g.timer }
func (g *Getter) invalidateKey() string { return "invalidate:" + g.timer }
func (g *Getter) graceKey() string      { return "grace:" + g.timer }

func sortedHandlers[F any](m map[int]F) []F {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}
