package client

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/livesync/internal/codec"
)

// Connection is a full-duplex message transport shared by every channel of
// a Multiplexer.
type Connection interface {
	// Send queues a message. It does not block on the network.
	Send(msg []any) error
	// OnMessage registers fn for every decoded inbound message.
	OnMessage(fn func(msg []any)) (stop func())
	// OnReopen registers fn for every successful open after the first.
	OnReopen(fn func()) (stop func())
}

// Flavor and keepalive frames, matching the server.
const (
	FlavorFunctions = "functions"
	Ping            = "ping"
	Pong            = "pong"
)

// Settings tune a WebSocket.
type Settings struct {
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

// DefaultSettings returns the settings used by Dial.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		ReconnectDelay:   time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// WebSocket is a reconnecting Connection. Messages sent before the first
// open are delivered once it succeeds. Messages queued while reconnecting are
// dropped on reopen: the server forgets a closed connection's subscriptions,
// so OnReopen handlers replay whatever state they need.
type WebSocket struct {
	url      string
	settings Settings
	logger   *slog.Logger
	dialer   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	queue *frameQueue

	mu        sync.Mutex
	connected bool
	opens     int
	onMessage map[int]func([]any)
	onReopen  map[int]func()
	next      int
}

// Option configures a WebSocket.
type Option func(*WebSocket)

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *WebSocket) {
		c.logger = logger
	}
}

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(c *WebSocket) {
		c.settings = s
	}
}

// Dial starts connecting to url in the background and returns immediately.
func Dial(ctx context.Context, url string, opts ...Option) *WebSocket {
	cctx, cancel := context.WithCancel(ctx)
	c := &WebSocket{
		url:       url,
		settings:  DefaultSettings(),
		logger:    slog.Default(),
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queue:     newFrameQueue(),
		onMessage: make(map[int]func([]any)),
		onReopen:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = &websocket.Dialer{HandshakeTimeout: c.settings.HandshakeTimeout}
	go c.run()
	return c
}

// Send implements Connection.
func (c *WebSocket) Send(msg []any) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	c.queue.Push(data)
	return nil
}

// OnMessage implements Connection.
func (c *WebSocket) OnMessage(fn func([]any)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.onMessage[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onMessage, id)
	}
}

// OnReopen implements Connection.
func (c *WebSocket) OnReopen(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.onReopen[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onReopen, id)
	}
}

// Connected reports whether the socket is currently open.
func (c *WebSocket) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops reconnecting and closes the socket. It waits for the
// background loop to exit.
func (c *WebSocket) Close() {
	c.cancel()
	<-c.done
}

func (c *WebSocket) run() {
	defer close(c.done)

	for {
		ws, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err == nil {
			err = c.handshake(ws)
			if err != nil {
				ws.Close()
			}
		}
		if err != nil {
			c.logger.Debug("connect failed", "url", c.url, "error", err)
		} else {
			c.serve(ws)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.settings.ReconnectDelay):
		}
	}
}

func (c *WebSocket) handshake(ws *websocket.Conn) error {
	data, err := codec.Encode([]any{FlavorFunctions})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

// serve runs one open socket until it fails or the connection is closed.
func (c *WebSocket) serve(ws *websocket.Conn) {
	defer ws.Close()

	c.mu.Lock()
	c.opens++
	reopened := c.opens > 1
	if reopened {
		c.queue.Clear()
	}
	c.connected = true
	handlers := sortedFuncs(c.onReopen)
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.url, "reopen", reopened)

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Info("disconnected", "url", c.url)
	}()

	handleCtx, handleCancel := context.WithCancel(c.ctx)
	defer handleCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer handleCancel()
		c.writeLoop(handleCtx, ws)
	}()

	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	if reopened {
		for _, fn := range handlers {
			fn()
		}
	}

	c.readLoop(ws)
	handleCancel()
	wg.Wait()
}

func (c *WebSocket) writeLoop(ctx context.Context, ws *websocket.Conn) {
	ping := time.NewTicker(c.settings.PingInterval)
	defer ping.Stop()

	write := func(kind int, data []byte) bool {
		ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
		if err := ws.WriteMessage(kind, data); err != nil {
			c.logger.Debug("write failed", "error", err)
			return false
		}
		return true
	}

	for {
		for {
			frame, ok := c.queue.TryPop()
			if !ok {
				break
			}
			if !write(websocket.BinaryMessage, frame) {
				c.queue.PushFront(frame)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.queue.Wait():
		case <-ping.C:
			if !write(websocket.TextMessage, []byte(Ping)) {
				return
			}
		}
	}
}

func (c *WebSocket) readLoop(ws *websocket.Conn) {
	for {
		ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		kind, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("read failed", "error", err)
			return
		}
		if kind == websocket.TextMessage {
			// pong and any other keepalive text is filtered before dispatch
			continue
		}

		msg, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping message", "error", err)
			continue
		}

		c.mu.Lock()
		handlers := sortedFuncs(c.onMessage)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(msg)
		}
	}
}

func sortedFuncs[F any](m map[int]F) []F {
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
