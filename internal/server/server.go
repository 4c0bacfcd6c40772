package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/livesync/internal/codec"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/session"
)

// FlavorFunctions is the only connection flavor served.
const FlavorFunctions = "functions"

// Keepalive frames, sent as text.
const (
	Ping = "ping"
	Pong = "pong"
)

const (
	sendBufferSize      = 64
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 60 * time.Second
)

var errConnClosed = errors.New("connection closed")

// IDGenerator produces connection ids.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Server upgrades HTTP requests to live connections.
type Server struct {
	cache    *livefunc.Cache
	resolver session.Resolver
	logger   *slog.Logger
	ids      IDGenerator
	upgrader websocket.Upgrader

	writeTimeout time.Duration
	readTimeout  time.Duration

	conns *xsync.MapOf[string, *conn]
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithIDGenerator sets the connection id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(s *Server) {
		s.ids = ids
	}
}

// WithReadTimeout closes connections that send nothing, not even a ping,
// for d.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}

// New creates a live connection server.
func New(cache *livefunc.Cache, resolver session.Resolver, opts ...Option) *Server {
	s := &Server{
		cache:        cache,
		resolver:     resolver,
		logger:       slog.Default(),
		ids:          uuidGenerator{},
		writeTimeout: defaultWriteTimeout,
		readTimeout:  defaultReadTimeout,
		conns:        xsync.NewMapOf[string, *conn](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.conns.Size()
}

// CloseAll closes every open connection.
func (s *Server) CloseAll() {
	s.conns.Range(func(_ string, c *conn) bool {
		c.close()
		return true
	})
}

type frame struct {
	kind int
	data []byte
}

type conn struct {
	id   string
	ws   *websocket.Conn
	out  chan frame
	done chan struct{}
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) enqueue(f frame) error {
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

func (c *conn) sendMessage(msg []any) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(frame{kind: websocket.BinaryMessage, data: data})
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		id:   s.ids.Generate(),
		ws:   ws,
		out:  make(chan frame, sendBufferSize),
		done: make(chan struct{}),
	}
	s.conns.Store(c.id, c)
	logger := s.logger.With("conn", c.id)
	logger.Info("connection opened", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(c, logger)
	}()

	mux := NewMux(ctx, s.cache, s.resolver, c.sendMessage, logger)
	s.readLoop(c, mux, logger)

	cancel()
	mux.Close()
	c.close()
	wg.Wait()
	s.conns.Delete(c.id)
	logger.Info("connection closed")
}

func (s *Server) writeLoop(c *conn, logger *slog.Logger) {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) readLoop(c *conn, mux *Mux, logger *slog.Logger) {
	flavored := false
	for {
		c.ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		if kind == websocket.TextMessage {
			if string(data) == Ping {
				if err := c.enqueue(frame{kind: websocket.TextMessage, data: []byte(Pong)}); err != nil {
					return
				}
			}
			continue
		}

		msg, err := codec.Decode(data)
		if err != nil {
			logger.Warn("dropping message", "error", err)
			continue
		}

		if !flavored {
			flavor, _ := codec.String(msg, 0)
			if flavor != FlavorFunctions {
				logger.Warn("unsupported connection flavor", "flavor", flavor)
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "unsupported flavor"),
					time.Now().Add(s.writeTimeout))
				return
			}
			flavored = true
			continue
		}

		if err := mux.Handle(msg); err != nil {
			logger.Warn("message failed", "error", err)
		}
	}
}
