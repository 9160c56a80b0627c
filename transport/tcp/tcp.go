// Package tcp binds the protocol engine to raw TCP connections. Envelopes
// are msgpack-encoded and framed with a 4-byte big-endian length prefix.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/WebDev-Guy/parley/protocol"
)

const (
	headerSize = 4

	// MaxFrameSize bounds a single encoded envelope. A peer announcing a
	// larger frame is cut off rather than buffered.
	MaxFrameSize = 1 << 20
)

func writeFrame(w io.Writer, env protocol.Envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("envelope frame of %d bytes exceeds limit", len(payload))
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (protocol.Envelope, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return protocol.Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return protocol.Envelope{}, fmt.Errorf("announced frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return protocol.Envelope{}, fmt.Errorf("read frame payload: %w", err)
	}
	var env protocol.Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Conn adapts one TCP (or pipe) connection to the engine's transport
// contract.
type Conn struct {
	conn net.Conn
	log  *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	onRecv  func(protocol.Envelope)
	started bool

	closed   chan struct{}
	closeOne sync.Once
}

// NewConn wraps an established connection. Callers normally use Dial or
// Serve instead; tests may wrap a net.Pipe end directly.
func NewConn(conn net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{conn: conn, log: logger, closed: make(chan struct{})}
}

// Dial connects to addr and wraps the connection as a transport.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(conn, logger), nil
}

func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return fmt.Errorf("tcp transport closed")
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFrame(c.conn, env)
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
		env, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Debug("tcp read loop ended", "remote", c.conn.RemoteAddr(), "err", err)
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

// Serve accepts connections from ln and hands each wrapped transport to
// onConn. It returns when the listener is closed.
func Serve(ln net.Listener, onConn func(*Conn), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		logger.Debug("tcp peer connected", "remote", conn.RemoteAddr())
		onConn(NewConn(conn, logger))
	}
}
