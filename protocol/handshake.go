package protocol

import (
	"context"
	"sync"
	"time"
)

// handshakeCoordinator drives the init/ack exchange that takes a target from
// disconnected to connected. Concurrent Connect calls for the same target
// collapse onto a single in-flight attempt.
type handshakeCoordinator struct {
	e *Engine

	mu       sync.Mutex
	attempts map[string]*connectAttempt
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

func newHandshakeCoordinator(e *Engine) *handshakeCoordinator {
	return &handshakeCoordinator{e: e, attempts: make(map[string]*connectAttempt)}
}

// Connect blocks until the handshake succeeds, times out, or ctx is
// canceled. A second call while an attempt is in flight joins that attempt
// and observes the same outcome.
func (h *handshakeCoordinator) Connect(ctx context.Context, targetID string) error {
	state, ok := h.e.registry.State(targetID)
	if !ok {
		return WrapProtocolError(ErrTargetNotFound, "target %q", targetID)
	}
	if state == StateConnected {
		return nil
	}

	h.mu.Lock()
	att, inFlight := h.attempts[targetID]
	if !inFlight {
		att = &connectAttempt{done: make(chan struct{})}
		h.attempts[targetID] = att
	}
	h.mu.Unlock()

	if !inFlight {
		h.begin(targetID, att)
	}

	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.e.closed:
		return WrapProtocolError(ErrEngineClosed, "engine shut down during connect to %q", targetID)
	}
}

// begin moves the record to connecting, sends the init envelope, and arms
// the handshake timeout. The record is in connecting before the init leaves
// the machine, so an ack racing the send still finds it.
func (h *handshakeCoordinator) begin(targetID string, att *connectAttempt) {
	if err := h.e.registry.Transition(targetID, StateConnecting, "connect"); err != nil {
		h.resolve(targetID, att, err)
		return
	}

	payload := handshakePayload{PeerID: h.e.opts.Origin, ProtocolVersion: ProtocolVersion}
	if err := h.e.sendControl(targetID, TypeHandshakeInit, "", payload); err != nil {
		_ = h.e.registry.Transition(targetID, StateDisconnected, "handshake-send-failed")
		h.resolve(targetID, att, WrapProtocolError(ErrSendFailed, "handshake init: %v", err))
		return
	}

	go h.await(targetID, att)
}

func (h *handshakeCoordinator) await(targetID string, att *connectAttempt) {
	timer := time.NewTimer(h.e.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-att.done:
	case <-h.e.closed:
		h.resolve(targetID, att, WrapProtocolError(ErrEngineClosed, "engine shut down during connect to %q", targetID))
	case <-timer.C:
		_ = h.e.registry.Transition(targetID, StateDisconnected, "handshake-timeout")
		h.resolve(targetID, att, WrapProtocolError(ErrHandshakeTimeout, "no ack from %q within %s", targetID, h.e.opts.HandshakeTimeout))
	}
}

// handleAck completes an in-flight attempt for the sending target.
func (h *handshakeCoordinator) handleAck(env Envelope, targetID string) {
	h.mu.Lock()
	att, ok := h.attempts[targetID]
	h.mu.Unlock()
	if !ok {
		h.e.log.Debug("handshake ack without pending attempt", "target_id", targetID, "envelope_id", env.ID)
		return
	}
	if err := h.e.registry.Transition(targetID, StateConnected, "handshake-ack"); err != nil {
		h.e.log.Warn("handshake ack in unexpected state", "target_id", targetID, "err", err)
		return
	}
	h.e.heartbeat.Start(targetID)
	h.resolve(targetID, att, nil)
}

// handleInit is the responder side. Origin gating already happened in
// dispatch; a rejected origin never reaches this point, so the initiator
// simply times out.
func (h *handshakeCoordinator) handleInit(env Envelope, targetID string) {
	var hello handshakePayload
	if err := decodeStrictJSON(env.Payload, &hello); err != nil {
		h.e.log.Warn("invalid handshake init payload", "target_id", targetID, "err", err)
		return
	}

	state, ok := h.e.registry.State(targetID)
	if !ok {
		// Remote-initiated connection for a target we have not seen.
		if err := h.e.registry.Register(targetID, env.Origin); err != nil {
			h.e.log.Warn("auto-register failed", "target_id", targetID, "err", err)
			return
		}
		h.e.log.Info("auto-registered remote-initiated target", "target_id", targetID, "origin", env.Origin)
		state = StateDisconnected
	}

	switch state {
	case StateDisconnected:
		if err := h.e.registry.Transition(targetID, StateConnecting, "handshake-init"); err != nil {
			h.e.log.Warn("handshake init transition failed", "target_id", targetID, "err", err)
			return
		}
		h.sendAck(env, targetID)
		if err := h.e.registry.Transition(targetID, StateConnected, "handshake-init"); err != nil {
			h.e.log.Warn("handshake init transition failed", "target_id", targetID, "err", err)
			return
		}
		h.e.heartbeat.Start(targetID)
	case StateConnecting:
		// Both sides initiated at once. Ack theirs; our own attempt
		// completes when their ack arrives.
		h.sendAck(env, targetID)
	case StateConnected:
		// Remote restarted the handshake; re-ack, idempotently.
		h.sendAck(env, targetID)
	case StateDisconnecting:
		h.e.log.Debug("handshake init during teardown ignored", "target_id", targetID)
	}
}

func (h *handshakeCoordinator) sendAck(init Envelope, targetID string) {
	payload := handshakePayload{PeerID: h.e.opts.Origin, ProtocolVersion: ProtocolVersion}
	if err := h.e.sendControl(targetID, TypeHandshakeAck, init.ID, payload); err != nil {
		h.e.log.Warn("send handshake ack failed", "target_id", targetID, "err", err)
	}
}

// fail resolves an in-flight attempt, if any, with err.
func (h *handshakeCoordinator) fail(targetID string, err error) {
	h.mu.Lock()
	att, ok := h.attempts[targetID]
	h.mu.Unlock()
	if ok {
		h.resolve(targetID, att, err)
	}
}

func (h *handshakeCoordinator) failAll(err error) {
	h.mu.Lock()
	attempts := make(map[string]*connectAttempt, len(h.attempts))
	for id, att := range h.attempts {
		attempts[id] = att
	}
	h.mu.Unlock()
	for id, att := range attempts {
		h.resolve(id, att, err)
	}
}

// resolve fills the attempt's outcome exactly once and retires it.
func (h *handshakeCoordinator) resolve(targetID string, att *connectAttempt, err error) {
	h.mu.Lock()
	current, ok := h.attempts[targetID]
	if !ok || current != att {
		h.mu.Unlock()
		return
	}
	delete(h.attempts, targetID)
	att.err = err
	close(att.done)
	h.mu.Unlock()
}
