package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/livesync/internal/ir"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/server"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/store"
	"github.com/roach88/livesync/internal/testutil"
)

// Timing used by every run. Writes inside one step sequence land in the same
// notification window as long as they take less than NotifyDelay.
const (
	NotifyDelay = 20 * time.Millisecond
	QuietPeriod = 3 * NotifyDelay
	WaitTimeout = 2 * time.Second
)

// Harness executes one scenario.
type Harness struct {
	store    *store.Store
	registry *livefunc.Registry
	cache    *livefunc.Cache
	logger   *slog.Logger

	conns   map[string]*connection
	aliases map[string]string
	entries *testutil.SequentialIDs
	seq     int64
	result  *Result
}

// connection is a simulated client connection: a mux whose outgoing
// messages are buffered until the harness records them.
type connection struct {
	name string
	mux  *server.Mux

	mu     sync.Mutex
	outbox [][]any
}

func (c *connection) send(msg []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append(c.outbox, msg)
	return nil
}

func (c *connection) take() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

func (c *connection) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sets the logger handed to the store, cache and muxes. Runs are
// silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// Run executes a scenario on a fresh in-memory store and evaluates its
// assertions. The returned error reports infrastructure failures; assertion
// failures are collected in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		conns:   make(map[string]*connection),
		aliases: make(map[string]string),
		entries: newEntryIDs(),
		result:  NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}

	st, err := store.Open(":memory:", store.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()
	h.store = st

	h.registry = livefunc.NewRegistry()
	if err := RegisterFunctions(h.registry); err != nil {
		return nil, err
	}
	h.cache = livefunc.NewCache(st, h.registry,
		livefunc.WithLogger(h.logger),
		livefunc.WithNotifyDelay(NotifyDelay),
	)
	defer h.cache.Close()
	defer h.closeAll()

	for i, step := range scenario.Setup {
		if _, err := st.Insert(ctx, step.Insert.Collection, docBody(step.Insert)); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	h.captureState(scenario.Assertions)
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Insert != nil:
		if _, err := h.store.Insert(ctx, step.Insert.Collection, docBody(step.Insert)); err != nil {
			return err
		}
		h.recordStore("insert", step.Insert)
	case step.Update != nil:
		if _, err := h.store.Update(ctx, step.Update.Collection, step.Update.ID, docBody(step.Update)); err != nil {
			return err
		}
		h.recordStore("update", step.Update)
	case step.Delete != nil:
		if err := h.store.Delete(ctx, step.Delete.Collection, step.Delete.ID); err != nil {
			return err
		}
		h.recordStore("delete", step.Delete)
	case step.Subscribe != nil:
		s := step.Subscribe
		payload := map[string]any{"args": normalizeArgs(s.Args)}
		if s.User != "" {
			payload["user"] = s.User
		}
		h.handle(ctx, s.Conn, []any{int64(s.Sub), server.ActionSubscribe, s.Func, payload})
	case step.Unsubscribe != nil:
		h.handle(ctx, step.Unsubscribe.Conn, []any{int64(step.Unsubscribe.Sub), server.ActionUnsubscribe})
	case step.Disconnect != nil:
		c, ok := h.conns[step.Disconnect.Conn]
		if !ok {
			return fmt.Errorf("disconnect: unknown connection %q", step.Disconnect.Conn)
		}
		c.mux.Close()
		delete(h.conns, c.name)
		h.record(TraceEvent{Conn: c.name, Dir: DirSend, Message: []any{nil, "disconnect"}})
	case step.Wait != nil:
		return h.wait(step.Wait.Messages)
	}
	return nil
}

// handle records msg as sent on conn, dispatches it and records the
// synchronous replies.
func (h *Harness) handle(ctx context.Context, conn string, msg []any) {
	c := h.conn(ctx, conn)
	h.record(TraceEvent{Conn: conn, Dir: DirSend, Message: msg})
	if err := c.mux.Handle(msg); err != nil {
		h.logger.Debug("message rejected", "conn", conn, "error", err)
	}
	h.drain(false)
}

func (h *Harness) conn(ctx context.Context, name string) *connection {
	if c, ok := h.conns[name]; ok {
		return c
	}
	c := &connection{name: name}
	c.mux = server.NewMux(ctx, h.cache, session.Trusting{}, c.send, h.logger.With("conn", name))
	h.conns[name] = c
	return c
}

// wait blocks until n pushes are buffered, then for QuietPeriod so that
// unexpected extra pushes land in the trace too.
func (h *Harness) wait(n int) error {
	deadline := time.Now().Add(WaitTimeout)
	for h.pending() < n {
		if time.Now().After(deadline) {
			return fmt.Errorf("wait: got %d of %d messages after %s", h.pending(), n, WaitTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(QuietPeriod)
	h.drain(true)
	return nil
}

func (h *Harness) pending() int {
	n := 0
	for _, c := range h.conns {
		n += c.pending()
	}
	return n
}

// drain records every buffered server message. Connections are visited in
// name order; with sorted set, the messages of each connection are ordered
// canonically, since pushes for different entries race each other.
func (h *Harness) drain(sorted bool) {
	for _, name := range h.connNames() {
		msgs := h.conns[name].take()
		events := make([]TraceEvent, len(msgs))
		for i, msg := range msgs {
			events[i] = TraceEvent{Conn: name, Dir: DirRecv, Message: h.alias(msg)}
		}
		if sorted {
			sortEvents(events)
		}
		for _, e := range events {
			h.record(e)
		}
	}
}

func (h *Harness) connNames() []string {
	names := make([]string, 0, len(h.conns))
	for name := range h.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// alias returns a copy of msg with its entry id replaced.
func (h *Harness) alias(msg []any) []any {
	out := append([]any(nil), msg...)
	idx := -1
	if len(out) > 0 {
		switch out[0] {
		case server.MsgSubscribed:
			idx = 2
		case server.MsgData:
			idx = 1
		}
	}
	if idx < 0 || idx >= len(out) {
		return out
	}
	id, ok := out[idx].(string)
	if !ok {
		return out
	}
	a, ok := h.aliases[id]
	if !ok {
		a = h.entries.Generate()
		h.aliases[id] = a
	}
	out[idx] = a
	return out
}

func (h *Harness) record(e TraceEvent) {
	h.seq++
	e.Seq = h.seq
	h.result.Trace = append(h.result.Trace, e)
}

func (h *Harness) recordStore(op string, d *DocStep) {
	h.record(TraceEvent{Dir: DirStore, Message: []any{op, d.Collection, d.ID}})
}

func (h *Harness) captureState(assertions []Assertion) {
	h.result.State.Entries = h.cache.Len()
	for _, a := range assertions {
		for name := range a.Subscriptions {
			n := 0
			if c, ok := h.conns[name]; ok {
				n = c.mux.Len()
			}
			h.result.State.Subscriptions[name] = n
		}
		for id := range a.Observers {
			h.result.State.Observers[id] = h.store.ObserverCount(id)
		}
	}
}

func (h *Harness) closeAll() {
	for _, c := range h.conns {
		c.mux.Close()
	}
}

func sortEvents(events []TraceEvent) {
	keys := make([]string, len(events))
	for i, e := range events {
		b, err := ir.MarshalCanonical(e.Message)
		if err != nil {
			b = []byte(fmt.Sprint(e.Message))
		}
		keys[i] = string(b)
	}
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	sorted := make([]TraceEvent, len(events))
	for i, j := range idx {
		sorted[i] = events[j]
	}
	copy(events, sorted)
}

func newEntryIDs() *testutil.SequentialIDs {
	return testutil.NewSequentialIDs("entry")
}

func docBody(d *DocStep) map[string]any {
	body := make(map[string]any, len(d.Body)+1)
	for k, v := range d.Body {
		body[k] = v
	}
	body[store.IDField] = d.ID
	return body
}

// normalizeArgs converts YAML ints to int64, the type decoded wire messages
// carry.
func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if n, ok := a.(int); ok {
			out[i] = int64(n)
			continue
		}
		out[i] = a
	}
	return out
}

// RegisterFunctions registers the document functions scenarios subscribe to.
func RegisterFunctions(r *livefunc.Registry) error {
	return errors.Join(
		r.Function("doc", func(ctx context.Context, call livefunc.Call) (any, error) {
			collection, id, err := stringArgs2(call.Args)
			if err != nil {
				return nil, err
			}
			doc, err := call.DB.Get(ctx, collection, id)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return doc.Body, nil
		}),
		r.Function("list", func(ctx context.Context, call livefunc.Call) (any, error) {
			docs, err := findArg(ctx, call)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(docs))
			for i, d := range docs {
				out[i] = d.Body
			}
			return out, nil
		}),
		r.Function("count", func(ctx context.Context, call livefunc.Call) (any, error) {
			docs, err := findArg(ctx, call)
			if err != nil {
				return nil, err
			}
			return len(docs), nil
		}),
	)
}

func findArg(ctx context.Context, call livefunc.Call) ([]store.Document, error) {
	if len(call.Args) != 1 {
		return nil, fmt.Errorf("expected [collection], got %d args", len(call.Args))
	}
	collection, ok := call.Args[0].(string)
	if !ok {
		return nil, fmt.Errorf("collection must be a string, got %T", call.Args[0])
	}
	return call.DB.Find(ctx, collection)
}

func stringArgs2(args []any) (string, string, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("expected [collection, id], got %d args", len(args))
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return "", "", fmt.Errorf("collection and id must be strings")
	}
	return a, b, nil
}
