package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/livesync/internal/codec"
	"github.com/roach88/livesync/internal/ir"
)

// Protocol message kinds, matching the server.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	MsgSubscribed = "subscribed"
	MsgData       = "data"
	MsgError      = "error"
)

var (
	// ErrChannelClosed is returned by a channel whose last observer left.
	ErrChannelClosed = errors.New("channel closed")
	// ErrMultiplexerClosed is returned after Close.
	ErrMultiplexerClosed = errors.New("multiplexer closed")
)

// RemoteError is an "error" message from the server for one subscription.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Multiplexer keeps one Channel per live function key over a shared
// Connection.
//
// Lock order: Channel.mu before Multiplexer.mu.
type Multiplexer struct {
	conn   Connection
	user   string
	logger *slog.Logger

	ids      subIDs
	channels *xsync.MapOf[string, *Channel]

	mu      sync.Mutex
	pending map[int64]*Channel
	byEntry map[string]*Channel
	closed  bool

	stopMessage func()
	stopReopen  func()
}

// MuxOption configures a Multiplexer.
type MuxOption func(*Multiplexer)

// WithUser sets the user sent with every subscribe.
func WithUser(user string) MuxOption {
	return func(m *Multiplexer) {
		m.user = user
	}
}

// WithMuxLogger sets the multiplexer logger.
func WithMuxLogger(logger *slog.Logger) MuxOption {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// NewMultiplexer attaches a multiplexer to conn.
func NewMultiplexer(conn Connection, opts ...MuxOption) *Multiplexer {
	m := &Multiplexer{
		conn:     conn,
		logger:   slog.Default(),
		channels: xsync.NewMapOf[string, *Channel](),
		pending:  make(map[int64]*Channel),
		byEntry:  make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stopMessage = conn.OnMessage(m.handle)
	m.stopReopen = conn.OnReopen(m.resubscribe)
	return m
}

// Channel returns the channel for (name, args), creating it if needed.
func (m *Multiplexer) Channel(name string, args []any) (*Channel, error) {
	if args == nil {
		args = []any{}
	}
	key, err := ir.ClientKey(name, args)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrMultiplexerClosed
	}

	ch, _ := m.channels.LoadOrCompute(key, func() *Channel {
		return &Channel{
			m:         m,
			key:       key,
			name:      name,
			args:      args,
			observers: make(map[int]func(any)),
		}
	})
	return ch, nil
}

// Get returns the current value of (name, args), subscribing if needed.
func (m *Multiplexer) Get(ctx context.Context, name string, args []any) (any, error) {
	for {
		ch, err := m.Channel(name, args)
		if err != nil {
			return nil, err
		}
		v, err := ch.Get(ctx)
		if errors.Is(err, ErrChannelClosed) {
			continue
		}
		return v, err
	}
}

// Observe registers fn for every pushed value of (name, args).
func (m *Multiplexer) Observe(name string, args []any, fn func(any)) (*Channel, func(), error) {
	for {
		ch, err := m.Channel(name, args)
		if err != nil {
			return nil, nil, err
		}
		stop, err := ch.Observe(fn)
		if errors.Is(err, ErrChannelClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return ch, stop, nil
	}
}

// Len returns the number of open channels.
func (m *Multiplexer) Len() int {
	return m.channels.Size()
}

// Close tears down every channel and detaches from the connection.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stopMessage()
	m.stopReopen()

	m.channels.Range(func(key string, ch *Channel) bool {
		ch.close(ErrMultiplexerClosed)
		m.channels.Delete(key)
		return true
	})
}

func (m *Multiplexer) handle(msg []any) {
	kind, _ := codec.String(msg, 0)
	switch kind {
	case MsgSubscribed:
		subID, ok := codec.Int(msg, 1)
		entryID, ok2 := codec.String(msg, 2)
		if !ok || !ok2 {
			m.logger.Warn("malformed subscribed message", "message", msg)
			return
		}
		var value any
		if len(msg) > 3 {
			value = msg[3]
		}
		if ch := m.takePending(subID); ch != nil {
			ch.acknowledged(subID, entryID, value)
		}

	case MsgData:
		entryID, ok := codec.String(msg, 1)
		if !ok {
			m.logger.Warn("malformed data message", "message", msg)
			return
		}
		var value any
		if len(msg) > 2 {
			value = msg[2]
		}
		m.mu.Lock()
		ch := m.byEntry[entryID]
		m.mu.Unlock()
		if ch == nil {
			// not acknowledged yet, or already unsubscribed
			m.logger.Debug("data for unknown entry", "entry", entryID)
			return
		}
		ch.pushed(entryID, value)

	case MsgError:
		subID, ok := codec.Int(msg, 1)
		if !ok {
			m.logger.Warn("malformed error message", "message", msg)
			return
		}
		code, _ := codec.String(msg, 2)
		text, _ := codec.String(msg, 3)
		if ch := m.takePending(subID); ch != nil {
			ch.failed(subID, &RemoteError{Code: code, Message: text})
		}

	default:
		m.logger.Warn("unknown message", "kind", kind)
	}
}

func (m *Multiplexer) takePending(subID int64) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.pending[subID]
	delete(m.pending, subID)
	return ch
}

// resubscribe runs after the connection reopens. The server has forgotten
// every subscription, so each channel starts over with a fresh id.
func (m *Multiplexer) resubscribe() {
	var chs []*Channel
	m.channels.Range(func(_ string, ch *Channel) bool {
		chs = append(chs, ch)
		return true
	})
	sort.Slice(chs, func(i, j int) bool { return chs[i].key < chs[j].key })

	m.logger.Info("resubscribing", "channels", len(chs))
	for _, ch := range chs {
		ch.reset()
	}
}

func (m *Multiplexer) send(msg []any) error {
	return m.conn.Send(msg)
}

// Channel is the client side of one live function subscription.
type Channel struct {
	m    *Multiplexer
	key  string
	name string
	args []any

	mu        sync.Mutex
	value     any
	delivered bool
	// resync is set when a delivered value was dropped by a reconnect; the
	// next ack is then pushed to observers like a data message.
	resync    bool
	subID     int64
	entryID   string
	waiters   []chan result
	observers map[int]func(any)
	nextObs   int
	closed    bool
}

type result struct {
	value any
	err   error
}

// Key returns the client cache key.
func (ch *Channel) Key() string { return ch.key }

// Name returns the function name.
func (ch *Channel) Name() string { return ch.name }

// Args returns the function arguments.
func (ch *Channel) Args() []any { return ch.args }

// Value returns the last delivered value and whether one was delivered.
func (ch *Channel) Value() (any, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.value, ch.delivered
}

// Observers returns the number of registered observers.
func (ch *Channel) Observers() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.observers)
}

// Get returns the delivered value, waiting for the subscription ack if
// necessary. Concurrent callers share one subscribe.
func (ch *Channel) Get(ctx context.Context) (any, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if ch.delivered {
		v := ch.value
		ch.mu.Unlock()
		return v, nil
	}
	wait := make(chan result, 1)
	ch.waiters = append(ch.waiters, wait)
	msg := ch.subscribeLocked()
	ch.mu.Unlock()

	if msg != nil {
		if err := ch.m.send(msg); err != nil {
			ch.failAll(err)
		}
	}

	select {
	case r := <-wait:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Observe registers fn for pushed values and subscribes if no
// subscription is open. The returned stop is idempotent; when the last
// observer stops the channel unsubscribes and is discarded.
func (ch *Channel) Observe(fn func(any)) (func(), error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	ch.nextObs++
	id := ch.nextObs
	ch.observers[id] = fn
	msg := ch.subscribeLocked()
	ch.mu.Unlock()

	if msg != nil {
		if err := ch.m.send(msg); err != nil {
			ch.failAll(err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { ch.unobserve(id) })
	}, nil
}

// subscribeLocked allocates a subscription id unless one is already open
// or pending, and returns the message to send.
func (ch *Channel) subscribeLocked() []any {
	if ch.subID != 0 {
		return nil
	}
	ch.subID = ch.m.ids.Next()

	ch.m.mu.Lock()
	ch.m.pending[ch.subID] = ch
	ch.m.mu.Unlock()

	return []any{ch.subID, ActionSubscribe, ch.name, map[string]any{
		"user": ch.m.user,
		"args": ch.args,
	}}
}

func (ch *Channel) acknowledged(subID int64, entryID string, value any) {
	ch.mu.Lock()
	if ch.closed || ch.subID != subID {
		ch.mu.Unlock()
		return
	}
	ch.entryID = entryID
	ch.value = value
	ch.delivered = true
	waiters := ch.waiters
	ch.waiters = nil
	var observers []func(any)
	if ch.resync {
		ch.resync = false
		observers = ch.sortedObservers()
	}

	ch.m.mu.Lock()
	ch.m.byEntry[entryID] = ch
	ch.m.mu.Unlock()
	ch.mu.Unlock()

	for _, w := range waiters {
		w <- result{value: value}
	}
	for _, fn := range observers {
		fn(value)
	}
}

func (ch *Channel) pushed(entryID string, value any) {
	ch.mu.Lock()
	if ch.closed || ch.entryID != entryID || !ch.delivered {
		ch.mu.Unlock()
		return
	}
	ch.value = value
	observers := ch.sortedObservers()
	ch.mu.Unlock()

	for _, fn := range observers {
		fn(value)
	}
}

func (ch *Channel) failed(subID int64, err error) {
	ch.mu.Lock()
	if ch.subID != subID {
		ch.mu.Unlock()
		return
	}
	// allow a later Get or Observe to try again
	ch.subID = 0
	waiters := ch.waiters
	ch.waiters = nil
	ch.mu.Unlock()

	for _, w := range waiters {
		w <- result{err: err}
	}
}

func (ch *Channel) failAll(err error) {
	ch.mu.Lock()
	subID := ch.subID
	ch.mu.Unlock()
	ch.m.takePending(subID)
	ch.failed(subID, err)
}

// reset forgets the delivered value and subscribes again. Waiters from
// before the reset stay queued and resolve on the new ack.
func (ch *Channel) reset() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.m.mu.Lock()
	delete(ch.m.pending, ch.subID)
	if ch.entryID != "" && ch.m.byEntry[ch.entryID] == ch {
		delete(ch.m.byEntry, ch.entryID)
	}
	ch.m.mu.Unlock()

	if ch.delivered {
		ch.resync = true
	}
	ch.value = nil
	ch.delivered = false
	ch.entryID = ""
	ch.subID = 0
	msg := ch.subscribeLocked()
	ch.mu.Unlock()

	if msg != nil {
		if err := ch.m.send(msg); err != nil {
			ch.failAll(err)
		}
	}
}

func (ch *Channel) unobserve(id int) {
	ch.mu.Lock()
	delete(ch.observers, id)
	idle := len(ch.observers) == 0
	ch.mu.Unlock()
	if !idle {
		return
	}

	var teardown func()
	ch.m.channels.Compute(ch.key, func(old *Channel, loaded bool) (*Channel, bool) {
		if !loaded || old != ch {
			return old, !loaded
		}
		teardown = ch.closeIfIdle(ErrChannelClosed)
		if teardown == nil {
			return old, false
		}
		return nil, true
	})
	if teardown != nil {
		teardown()
	}
}

// closeIfIdle marks the channel closed if it still has no observers. The
// returned func sends the unsubscribe and fails any waiters; it is nil when
// the channel stays open.
func (ch *Channel) closeIfIdle(err error) func() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.observers) > 0 || ch.closed {
		return nil
	}
	return ch.closeLocked(err)
}

func (ch *Channel) close(err error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	finish := ch.closeLocked(err)
	ch.mu.Unlock()
	finish()
}

func (ch *Channel) closeLocked(err error) func() {
	ch.closed = true
	subID := ch.subID
	waiters := ch.waiters
	ch.waiters = nil

	ch.m.mu.Lock()
	delete(ch.m.pending, subID)
	if ch.entryID != "" && ch.m.byEntry[ch.entryID] == ch {
		delete(ch.m.byEntry, ch.entryID)
	}
	ch.m.mu.Unlock()

	return func() {
		if subID != 0 {
			if sendErr := ch.m.send([]any{subID, ActionUnsubscribe}); sendErr != nil {
				ch.m.logger.Warn("unsubscribe failed", "key", ch.key, "error", sendErr)
			}
		}
		for _, w := range waiters {
			w <- result{err: err}
		}
	}
}

func (ch *Channel) sortedObservers() []func(any) {
	ids := make([]int, 0, len(ch.observers))
	for id := range ch.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(any), len(ids))
	for i, id := range ids {
		out[i] = ch.observers[id]
	}
	return out
}
