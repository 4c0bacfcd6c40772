package livefunc

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/livesync/internal/ir"
)

// ErrEntryClosed is returned when subscribing to an entry that has already
// been evicted.
var ErrEntryClosed = errors.New("entry closed")

// Entry is the cached state of one live function call.
type Entry struct {
	cache   *Cache
	key     string
	timer   string
	id      string
	name    string
	args    []any
	session ir.Session
	fn      Func

	group singleflight.Group

	mu          sync.Mutex
	deps        map[string]struct{}
	subs        map[uint64]func()
	nextSub     uint64
	dirty       bool
	evaluating  bool
	result      any
	lastErr     error
	failures    int
	retryAt     time.Time
	evaluations int
	closed      bool
}

func newEntry(c *Cache, key, name string, args []any, session ir.Session, fn Func) *Entry {
	return &Entry{
		cache:   c,
		key:     key,
		timer:   key + "#" + strconv.FormatUint(c.generation.Add(1), 10),
		id:      ir.EntryID(key),
		name:    name,
		args:    args,
		session: session,
		fn:      fn,
		deps:    make(map[string]struct{}),
		subs:    make(map[uint64]func()),
		dirty:   true,
	}
}

// Key returns the canonical cache key.
func (e *Entry) Key() string { return e.key }

// ID returns the compact entry id used on the wire.
func (e *Entry) ID() string { return e.id }

// Name returns the function name.
func (e *Entry) Name() string { return e.name }

// Get returns the current result, evaluating first if the entry is new or a
// dependency changed since the last evaluation. Concurrent callers share one
// evaluation. A failed evaluation is not an error: Get returns the previous
// result (nil if there is none). The error is non-nil only when ctx ends
// before the evaluation completes.
func (e *Entry) Get(ctx context.Context) (any, error) {
	e.mu.Lock()
	if (!e.dirty && !e.evaluating) || e.closed {
		result := e.result
		e.mu.Unlock()
		return result, nil
	}
	if e.failures > 0 && e.cache.now().Before(e.retryAt) {
		result := e.result
		e.mu.Unlock()
		return result, nil
	}
	e.mu.Unlock()

	ch := e.group.DoChan("eval", func() (any, error) {
		return e.evaluate(context.WithoutCancel(ctx)), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, nil
	}
}

// evaluate runs the function once with a fresh tracked handle and replaces
// the dependency set with the ids read.
func (e *Entry) evaluate(ctx context.Context) any {
	s := e.cache.store

	e.mu.Lock()
	if !e.dirty || e.closed {
		// Another flight finished between our check and this one starting.
		result := e.result
		e.mu.Unlock()
		return result
	}
	e.dirty = false
	e.evaluating = true
	for id := range e.deps {
		s.StopObserving(id, e)
	}
	e.deps = make(map[string]struct{})
	e.mu.Unlock()

	tracked := s.BeginCapture()
	start := time.Now()
	result, err := invoke(ctx, e.fn, Call{Name: e.name, Args: e.args, Session: e.session, DB: tracked})
	reads := tracked.Reads()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.evaluations++
	e.evaluating = false
	if e.closed {
		return e.result
	}
	for _, id := range reads {
		e.deps[id] = struct{}{}
		s.Observe(id, e)
	}

	if err != nil {
		e.failures++
		e.lastErr = newEvaluationError(e.name, err)
		e.dirty = true
		delay := e.cache.backoff(e.failures)
		e.retryAt = e.cache.now().Add(delay)
		e.cache.logger.Warn("evaluation failed",
			"func", e.name, "entry", e.id, "failures", e.failures, "retry_in", delay, "error", err)
		if len(e.subs) > 0 {
			e.cache.sched.Schedule(e.retryKey(), delay, e.notify)
		}
		return e.result
	}

	e.result = result
	e.lastErr = nil
	e.failures = 0
	e.retryAt = time.Time{}
	e.cache.logger.Debug("entry evaluated",
		"func", e.name, "entry", e.id, "deps", len(reads), "duration", time.Since(start))
	return e.result
}

// DocumentChanged implements store.Observer. The entry is marked dirty at
// once and subscribers are notified after the debounce window.
func (e *Entry) DocumentChanged(changeID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.dirty = true
	e.mu.Unlock()

	e.cache.logger.Debug("dependency changed", "func", e.name, "entry", e.id, "id", changeID)
	e.cache.sched.Schedule(e.timer, e.cache.notifyDelay, e.notify)
}

// notify invokes every subscriber outside the entry lock.
func (e *Entry) notify() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = e.subs[id]
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Subscribe registers fn to be called after each debounced change. fn should
// call Get to obtain the recomputed result.
func (e *Entry) Subscribe(fn func()) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEntryClosed
	}
	e.nextSub++
	e.subs[e.nextSub] = fn
	return &Subscription{entry: e, id: e.nextSub}, nil
}

func (e *Entry) unsubscribe(id uint64) {
	e.mu.Lock()
	delete(e.subs, id)
	empty := len(e.subs) == 0
	e.mu.Unlock()

	if empty {
		e.cache.evict(e)
	}
}

// markClosedIfIdle closes the entry if nobody is subscribed.
func (e *Entry) markClosedIfIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.subs) > 0 {
		return false
	}
	e.closed = true
	return true
}

// close marks the entry closed and detaches it from the store.
func (e *Entry) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.detachAll()
}

func (e *Entry) detachAll() {
	e.mu.Lock()
	for id := range e.deps {
		e.cache.store.StopObserving(id, e)
	}
	e.deps = make(map[string]struct{})
	e.mu.Unlock()

	e.cache.sched.Cancel(e.timer)
	e.cache.sched.Cancel(e.retryKey())
	e.cache.logger.Debug("entry closed", "func", e.name, "entry", e.id)
}

func (e *Entry) retryKey() string {
	return "retry:" + e.timer
}

// Deps returns the sorted change ids observed by the entry.
func (e *Entry) Deps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ir.SortedStrings(e.deps)
}

// Subscribers returns the number of active subscriptions.
func (e *Entry) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Evaluations returns how many times the function has run.
func (e *Entry) Evaluations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluations
}

// LastError returns the error of the most recent evaluation, or nil if it
// succeeded.
func (e *Entry) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Closed reports whether the entry has been evicted.
func (e *Entry) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Subscription is the cancel handle returned by Entry.Subscribe.
type Subscription struct {
	entry *Entry
	id    uint64
	once  sync.Once
}

// Cancel removes the subscriber. When the last subscriber cancels, the entry
// is closed and evicted. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.entry.unsubscribe(s.id)
	})
}
