package protocol

import (
	"sync"
)

// Transport is the abstract duplex channel the engine runs on. It offers
// best-effort delivery only: no acknowledgements, no ordering guarantee
// between targets, no liveness. Implementations must be safe for concurrent
// use.
type Transport interface {
	// Send hands an envelope to the channel. An error means the envelope was
	// not accepted for delivery; a nil error does not mean it arrived.
	Send(env Envelope) error

	// OnReceive registers the callback invoked for every inbound envelope.
	// Only one callback is active; registering replaces the previous one.
	OnReceive(fn func(Envelope))

	// IsReachable is a best-effort hint that the remote side is still
	// addressable, independent of the heartbeat.
	IsReachable(targetID string) bool

	Close() error
}

// PairTransport is an in-process Transport joined to a twin. Envelopes sent
// on one end are delivered asynchronously to the other end's receive
// callback, preserving per-end ordering. Fault injection hooks simulate a
// silent or failing channel.
type PairTransport struct {
	mu       sync.Mutex
	peer     *PairTransport
	onRecv   func(Envelope)
	silent   bool
	sendErr  error
	queue    chan Envelope
	closed   chan struct{}
	closeOne sync.Once
}

// NewPair returns two linked transports.
func NewPair() (*PairTransport, *PairTransport) {
	a := &PairTransport{queue: make(chan Envelope, 256), closed: make(chan struct{})}
	b := &PairTransport{queue: make(chan Envelope, 256), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func (t *PairTransport) Send(env Envelope) error {
	t.mu.Lock()
	sendErr := t.sendErr
	silent := t.silent
	t.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	if silent {
		return nil
	}
	select {
	case <-t.closed:
		return WrapProtocolError(ErrSendFailed, "transport closed")
	case <-t.peer.closed:
		return WrapProtocolError(ErrSendFailed, "peer transport closed")
	case t.peer.queue <- env:
		return nil
	default:
		return WrapProtocolError(ErrSendFailed, "peer queue full")
	}
}

func (t *PairTransport) OnReceive(fn func(Envelope)) {
	t.mu.Lock()
	t.onRecv = fn
	t.mu.Unlock()
}

func (t *PairTransport) IsReachable(string) bool {
	select {
	case <-t.peer.closed:
		return false
	default:
		return true
	}
}

func (t *PairTransport) Close() error {
	t.closeOne.Do(func() { close(t.closed) })
	return nil
}

// SetSilent makes Send report success while discarding envelopes, which is
// how a live-but-unresponsive remote looks to the engine.
func (t *PairTransport) SetSilent(silent bool) {
	t.mu.Lock()
	t.silent = silent
	t.mu.Unlock()
}

// SetSendError makes every Send fail with err until cleared with nil.
func (t *PairTransport) SetSendError(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *PairTransport) deliverLoop() {
	for {
		select {
		case <-t.closed:
			return
		case env := <-t.queue:
			t.mu.Lock()
			fn := t.onRecv
			t.mu.Unlock()
			if fn != nil {
				fn(env)
			}
		}
	}
}
