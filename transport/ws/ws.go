// Package ws binds the protocol engine to websocket connections. Envelopes
// travel as JSON text frames, one envelope per frame.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/WebDev-Guy/parley/protocol"
)

// Conn adapts one websocket connection to the engine's transport contract.
// Writes are serialized through a mutex; gorilla connections permit a single
// concurrent writer.
type Conn struct {
	conn *websocket.Conn
	log  *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	onRecv  func(protocol.Envelope)
	started bool

	closed   chan struct{}
	closeOne sync.Once
}

func newConn(conn *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{conn: conn, log: logger, closed: make(chan struct{})}
}

// Dial opens a websocket connection to url and wraps it as a transport.
func Dial(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(conn, logger), nil
}

func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return fmt.Errorf("websocket transport closed")
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// OnReceive registers the inbound callback. The read loop starts on the
// first registration so no frame is consumed before a receiver exists.
func (c *Conn) OnReceive(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.onRecv = fn
	start := !c.started && fn != nil
	if start {
		c.started = true
	}
	c.mu.Unlock()
	if start {
		go c.readLoop()
	}
}

func (c *Conn) IsReachable(string) bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOne.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Debug("websocket read loop ended", "err", err)
			}
			_ = c.Close()
			return
		}
		c.mu.Lock()
		fn := c.onRecv
		c.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

// ServerOptions configures the accepting side.
type ServerOptions struct {
	// AllowedOrigins restricts the browser Origin header on upgrade. Empty
	// allows any origin; the engine's own gate still screens envelopes.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server upgrades inbound HTTP requests to websocket transports and hands
// each one to the connect callback.
type Server struct {
	upgrader websocket.Upgrader
	onConn   func(*Conn)
	log      *slog.Logger
}

func NewServer(onConn func(*Conn), opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
		onConn: onConn,
		log:    logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.log.Debug("websocket peer connected", "remote", r.RemoteAddr)
	s.onConn(newConn(conn, s.log))
}
