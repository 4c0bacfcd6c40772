package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/livesync/internal/codec"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/session"
)

// Message kinds.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	MsgSubscribed = "subscribed"
	MsgData       = "data"
	MsgError      = "error"
)

// Error codes carried by "error" messages besides the livefunc codes.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthenticated = "UNAUTHENTICATED"
)

// ErrMuxClosed is returned for messages handled after Close.
var ErrMuxClosed = errors.New("mux closed")

// SendFunc delivers one message to the connection.
type SendFunc func(msg []any) error

// Mux is the subscription multiplexer of one connection.
//
// Handle is called from the connection's read loop only. Change
// notifications arrive on other goroutines; per-subscription locking keeps a
// "data" push from overtaking its "subscribed" ack.
type Mux struct {
	ctx      context.Context
	cache    *livefunc.Cache
	resolver session.Resolver
	send     SendFunc
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	id any

	mu        sync.Mutex
	entry     *livefunc.Entry
	handle    *livefunc.Subscription
	cancelled bool
}

// NewMux creates the multiplexer for one connection. ctx bounds evaluations
// run on behalf of the connection.
func NewMux(ctx context.Context, cache *livefunc.Cache, resolver session.Resolver, send SendFunc, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		ctx:      ctx,
		cache:    cache,
		resolver: resolver,
		send:     send,
		logger:   logger,
		subs:     make(map[string]*subscription),
	}
}

// Handle dispatches one decoded client message.
func (m *Mux) Handle(msg []any) error {
	if len(msg) < 2 {
		return fmt.Errorf("message too short: %d elements", len(msg))
	}
	action, ok := codec.String(msg, 1)
	if !ok {
		return fmt.Errorf("message action must be a string, got %T", msg[1])
	}

	switch action {
	case ActionSubscribe:
		name, ok := codec.String(msg, 2)
		if !ok {
			m.sendError(msg[0], CodeBadRequest, "subscribe requires a function name")
			return fmt.Errorf("subscribe: missing function name")
		}
		payload, ok := codec.Map(msg, 3)
		if !ok {
			m.sendError(msg[0], CodeBadRequest, "subscribe payload must be a map")
			return fmt.Errorf("subscribe %s: payload must be a map", name)
		}
		return m.Subscribe(msg[0], name, payload)
	case ActionUnsubscribe:
		m.Unsubscribe(msg[0])
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// Subscribe opens subID on the entry for (name, payload.args, session) and
// pushes the ack with the current value. Reusing a live subID replaces the
// previous subscription.
func (m *Mux) Subscribe(subID any, name string, payload map[string]any) error {
	m.Unsubscribe(subID)

	user, _ := payload["user"].(string)
	sess, err := m.resolver.Resolve(m.ctx, user)
	if err != nil {
		m.sendError(subID, CodeUnauthenticated, err.Error())
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	args, err := codec.Args(payload)
	if err != nil {
		m.sendError(subID, CodeBadRequest, err.Error())
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	s := &subscription{id: subID}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, handle, err := m.cache.Subscribe(name, args, sess, func() { m.push(s) })
	if err != nil {
		var lerr *livefunc.Error
		if errors.As(err, &lerr) {
			m.sendError(subID, string(lerr.Code), lerr.Message)
		} else {
			m.sendError(subID, CodeBadRequest, err.Error())
		}
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	s.entry, s.handle = entry, handle

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.cancelled = true
		handle.Cancel()
		return ErrMuxClosed
	}
	m.subs[subKey(subID)] = s
	m.mu.Unlock()

	m.logger.Debug("subscription opened", "sub", subID, "func", name, "entry", entry.ID(), "user", sess.User)

	value, err := entry.Get(m.ctx)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	return m.send([]any{MsgSubscribed, subID, entry.ID(), value})
}

// push re-fetches the entry after a debounced change and sends the result.
func (m *Mux) push(s *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	value, err := s.entry.Get(m.ctx)
	if err != nil {
		return
	}
	if err := m.send([]any{MsgData, s.entry.ID(), value}); err != nil {
		m.logger.Debug("push failed", "sub", s.id, "entry", s.entry.ID(), "error", err)
	}
}

// Unsubscribe cancels subID. Unknown ids are ignored.
func (m *Mux) Unsubscribe(subID any) {
	m.mu.Lock()
	s, ok := m.subs[subKey(subID)]
	delete(m.subs, subKey(subID))
	m.mu.Unlock()
	if ok {
		m.cancel(s)
	}
}

func (m *Mux) cancel(s *subscription) {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.handle.Cancel()
	m.logger.Debug("subscription closed", "sub", s.id, "entry", s.entry.ID())
}

// Close cancels every subscription owned by the connection. Later Subscribe
// calls fail with ErrMuxClosed.
func (m *Mux) Close() {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, s := range subs {
		m.cancel(s)
	}
}

// Len returns the number of open subscriptions.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Mux) sendError(subID any, code, message string) {
	if err := m.send([]any{MsgError, subID, code, message}); err != nil {
		m.logger.Debug("error push failed", "sub", subID, "error", err)
	}
}

// subKey normalises a client subscription id. Decoded integers arrive as
// int64 or uint64 depending on their encoding.
func subKey(id any) string {
	if n, ok := codec.Int([]any{id}, 0); ok {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%v", id)
}
