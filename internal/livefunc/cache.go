package livefunc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/livesync/internal/debounce"
	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/store"
)

// Defaults for cache timing.
const (
	DefaultNotifyDelay    = 100 * time.Millisecond
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
)

// Cache owns the live function entries of one server.
type Cache struct {
	store    *store.Store
	registry *Registry
	entries  *xsync.MapOf[string, *Entry]
	sched    *debounce.Scheduler
	logger   *slog.Logger
	now      func() time.Time

	// generation makes scheduler keys unique per entry, so an evicted
	// entry never cancels timers of its replacement.
	generation atomic.Uint64

	notifyDelay    time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNotifyDelay sets the debounce window for change notification.
func WithNotifyDelay(d time.Duration) Option {
	return func(c *Cache) {
		c.notifyDelay = d
	}
}

// WithBackoff sets the retry backoff for failing evaluations. The delay
// doubles per consecutive failure from initial up to max.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Cache) {
		c.backoffInitial = initial
		c.backoffMax = max
	}
}

// WithNow sets the time source used for backoff deadlines.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates a cache evaluating functions from registry against s.
func NewCache(s *store.Store, registry *Registry, opts ...Option) *Cache {
	c := &Cache{
		store:          s,
		registry:       registry,
		entries:        xsync.NewMapOf[string, *Entry](),
		sched:          debounce.New(),
		logger:         slog.Default(),
		now:            time.Now,
		notifyDelay:    DefaultNotifyDelay,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetFunc returns the entry for (name, args, session), creating it on first
// use. Concurrent callers with the same key get the same entry.
func (c *Cache) GetFunc(name string, args []any, session ir.Session) (*Entry, error) {
	fn, kind, ok := c.registry.Lookup(name)
	if !ok {
		return nil, newUnknownFunction(name)
	}
	if kind != KindFunction {
		return nil, &Error{Code: ErrCodeUnknownFunction, Function: name, Message: "procedures cannot be subscribed"}
	}
	if args == nil {
		args = []any{}
	}
	key, err := ir.CallKey(name, args, session)
	if err != nil {
		return nil, fmt.Errorf("get func: %w", err)
	}

	entry, loaded := c.entries.LoadOrCompute(key, func() *Entry {
		return newEntry(c, key, name, args, session, fn)
	})
	if !loaded {
		c.logger.Debug("entry created", "func", name, "entry", entry.id)
	}
	return entry, nil
}

// Subscribe gets the entry for (name, args, session) and registers fn on it.
// If the entry closes between lookup and registration a fresh one is used.
func (c *Cache) Subscribe(name string, args []any, session ir.Session, fn func()) (*Entry, *Subscription, error) {
	for {
		entry, err := c.GetFunc(name, args, session)
		if err != nil {
			return nil, nil, err
		}
		sub, err := entry.Subscribe(fn)
		if errors.Is(err, ErrEntryClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return entry, sub, nil
	}
}

// Lookup returns the live entry for key, if any.
func (c *Cache) Lookup(key string) (*Entry, bool) {
	return c.entries.Load(key)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// Close closes every entry and stops pending notifications.
func (c *Cache) Close() {
	c.entries.Range(func(key string, e *Entry) bool {
		c.entries.Delete(key)
		e.close()
		return true
	})
	c.sched.Stop()
}

// evict removes e from the map if it still has no subscribers, then closes
// it. The check runs under the map's per-key lock so a concurrent Subscribe
// either lands before eviction or sees a closed entry and retries.
func (c *Cache) evict(e *Entry) {
	evicted := false
	c.entries.Compute(e.key, func(current *Entry, loaded bool) (*Entry, bool) {
		if !loaded || current != e {
			return current, !loaded
		}
		if !e.markClosedIfIdle() {
			return current, false
		}
		evicted = true
		return nil, true
	})
	if evicted {
		e.detachAll()
	}
}

// backoff returns the retry delay after n consecutive failures.
func (c *Cache) backoff(n int) time.Duration {
	d := c.backoffInitial
	for i := 1; i < n && d < c.backoffMax; i++ {
		d *= 2
	}
	if d > c.backoffMax {
		d = c.backoffMax
	}
	return d
}
