// Package protocol layers reliable connection semantics — handshake,
// heartbeat liveness, graceful disconnect, and request/response correlation
// with timeout and retry — on top of an untrusted, best-effort duplex
// channel that guarantees none of these natively.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Engine wires the protocol components together. It is the only component
// that touches the transport: every inbound envelope enters through
// dispatch and every outbound envelope leaves through Send.
type Engine struct {
	opts      Options
	transport Transport
	codec     *Codec
	emitter   *Emitter
	registry  *Registry
	handshake *handshakeCoordinator
	heartbeat *heartbeatMonitor
	teardown  *disconnectCoordinator
	router    *router
	log       *slog.Logger

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	closed    chan struct{}
	closeOnce sync.Once
}

// New builds an engine over the given transport and registers its receive
// callback. The engine owns its event emitter; nothing is process-global.
func New(transport Transport, opts Options) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("nil transport")
	}
	if strings.TrimSpace(opts.Origin) == "" {
		return nil, fmt.Errorf("origin is required")
	}
	opts = normalizeOptions(opts)

	e := &Engine{
		opts:      opts,
		transport: transport,
		codec:     NewCodec(opts.Origin, opts.MaxEnvelopeAge),
		emitter:   NewEmitter(),
		log:       opts.Logger,
		handlers:  make(map[string]Handler),
		closed:    make(chan struct{}),
	}
	e.registry = NewRegistry(e.emitter)
	e.handshake = newHandshakeCoordinator(e)
	e.heartbeat = newHeartbeatMonitor(e)
	e.teardown = newDisconnectCoordinator(e)
	e.router = newRouter(e)

	transport.OnReceive(e.dispatch)
	return e, nil
}

// Register creates a connection record for a target. The id names the
// logical connection and is shared by both ends; registering it twice is a
// caller bug.
func (e *Engine) Register(targetID, origin string) error {
	if strings.TrimSpace(targetID) == "" {
		return fmt.Errorf("target id is required")
	}
	return e.registry.Register(targetID, origin)
}

// Unregister destroys a target's record and releases everything held for
// it. In-flight calls for the target fail immediately.
func (e *Engine) Unregister(targetID string) error {
	e.heartbeat.Stop(targetID)
	e.handshake.fail(targetID, WrapProtocolError(ErrTargetNotFound, "target %q unregistered", targetID))
	e.router.failTarget(targetID, WrapProtocolError(ErrConnectionLost, "target %q unregistered", targetID))
	return e.registry.Unregister(targetID)
}

// Connect performs the handshake with a registered target, blocking until
// it succeeds or fails. See handshakeCoordinator.Connect.
func (e *Engine) Connect(ctx context.Context, targetID string) error {
	select {
	case <-e.closed:
		return WrapProtocolError(ErrEngineClosed, "connect %q", targetID)
	default:
	}
	return e.handshake.Connect(ctx, targetID)
}

// Disconnect runs the graceful two-phase teardown, bounded by the ack
// timeout. See disconnectCoordinator.Disconnect.
func (e *Engine) Disconnect(ctx context.Context, targetID string) error {
	return e.teardown.Disconnect(ctx, targetID)
}

// Request sends a message expecting a reply. See router.Request.
func (e *Engine) Request(ctx context.Context, targetID, msgType string, payload any, opts RequestOptions) (json.RawMessage, error) {
	select {
	case <-e.closed:
		return nil, WrapProtocolError(ErrEngineClosed, "request %q to %q", msgType, targetID)
	default:
	}
	return e.router.Request(ctx, targetID, msgType, payload, opts)
}

// Notify sends a fire-and-forget message to one target.
func (e *Engine) Notify(targetID, msgType string, payload any) error {
	return e.router.Notify(targetID, msgType, payload)
}

// Broadcast sends a fire-and-forget message to every connected target.
func (e *Engine) Broadcast(msgType string, payload any) error {
	return e.router.Broadcast(msgType, payload)
}

// Handle registers the handler for an application message type. Reserved
// types are refused.
func (e *Engine) Handle(msgType string, handler Handler) error {
	if strings.HasPrefix(msgType, ReservedTypePrefix) {
		return WrapProtocolError(ErrReservedType, "type %q", msgType)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for type %q", msgType)
	}
	e.handlerMu.Lock()
	e.handlers[msgType] = handler
	e.handlerMu.Unlock()
	return nil
}

func (e *Engine) handler(msgType string) Handler {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	return e.handlers[msgType]
}

// IsConnected reports whether the target is currently connected.
func (e *Engine) IsConnected(targetID string) bool {
	return e.registry.IsConnected(targetID)
}

// IsReachable passes through the transport's best-effort liveness hint.
func (e *Engine) IsReachable(targetID string) bool {
	return e.transport.IsReachable(targetID)
}

// Connection returns a snapshot of the target's record.
func (e *Engine) Connection(targetID string) (ConnectionRecord, bool) {
	return e.registry.Snapshot(targetID)
}

// OnStateChange subscribes to connection state transitions.
func (e *Engine) OnStateChange(fn func(StateChange)) func() {
	return e.emitter.OnStateChange(fn)
}

// OnConnectionLost subscribes to forced disconnections.
func (e *Engine) OnConnectionLost(fn func(ConnectionLost)) func() {
	return e.emitter.OnConnectionLost(fn)
}

// OnHeartbeatMiss subscribes to unanswered heartbeat probes.
func (e *Engine) OnHeartbeatMiss(fn func(HeartbeatMiss)) func() {
	return e.emitter.OnHeartbeatMiss(fn)
}

// Shutdown stops every timer, fails every outstanding call with a
// connection-lost error, forces every record to disconnected without the
// graceful handshake, and closes the transport. Safe to call repeatedly.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.heartbeat.StopAll()
		e.handshake.failAll(WrapProtocolError(ErrEngineClosed, "shutdown"))
		e.router.failAll(WrapProtocolError(ErrConnectionLost, "%s", LossReasonShutdown))

		for _, targetID := range e.registry.TargetIDs() {
			state, ok := e.registry.State(targetID)
			if !ok || state == StateDisconnected {
				continue
			}
			wasConnected := state == StateConnected
			if err := e.registry.Transition(targetID, StateDisconnected, string(LossReasonShutdown)); err != nil {
				e.log.Warn("shutdown transition failed", "target_id", targetID, "err", err)
				continue
			}
			if wasConnected {
				e.emitter.emitConnectionLost(ConnectionLost{TargetID: targetID, Reason: LossReasonShutdown})
			}
		}

		if err := e.transport.Close(); err != nil {
			e.log.Warn("transport close failed", "err", err)
		}
	})
}

// dispatch routes one inbound envelope: security gate, structural
// validation, then by type to the owning component. Malformed input is
// dropped and logged; an untrusted remote cannot crash the engine.
func (e *Engine) dispatch(env Envelope) {
	select {
	case <-e.closed:
		return
	default:
	}

	if !e.opts.Gate.IsOriginAllowed(env.Origin) {
		e.log.Warn("dropped envelope from disallowed origin", "origin", env.Origin, "type", env.Type)
		return
	}
	if err := e.codec.Validate(env); err != nil {
		e.log.Warn("dropped invalid envelope", "origin", env.Origin, "type", env.Type, "err", err)
		return
	}

	targetID, ok := e.resolveTarget(env)
	if !ok {
		if env.Type == TypeHandshakeInit && env.TargetID != "" {
			// handleInit auto-registers unknown targets.
			targetID = env.TargetID
		} else {
			e.log.Debug("dropped envelope for unresolvable target", "type", env.Type, "target_id", env.TargetID)
			return
		}
	}
	e.registry.Touch(targetID)

	switch env.Type {
	case TypeHandshakeInit:
		e.handshake.handleInit(env, targetID)
	case TypeHandshakeAck:
		e.handshake.handleAck(env, targetID)
	case TypePing:
		e.heartbeat.handlePing(env, targetID)
	case TypePong:
		e.heartbeat.handlePong(env, targetID)
	case TypeDisconnect:
		e.teardown.handleDisconnect(env, targetID)
	case TypeDisconnectAck:
		e.teardown.handleAck(env, targetID)
	case TypeReply:
		e.router.handleReply(env)
	default:
		if env.IsControl() {
			e.log.Warn("dropped unknown control envelope", "type", env.Type)
			return
		}
		e.router.handleRequest(env, targetID)
	}
}

// resolveTarget maps an inbound envelope to a registered record. Envelopes
// normally carry the connection's target id; when it is absent and exactly
// one target is registered, that target is assumed.
func (e *Engine) resolveTarget(env Envelope) (string, bool) {
	if env.TargetID != "" {
		if _, ok := e.registry.State(env.TargetID); ok {
			return env.TargetID, true
		}
		return "", false
	}
	ids := e.registry.TargetIDs()
	if len(ids) == 1 {
		return ids[0], true
	}
	return "", false
}

// sendControl builds and sends a control envelope for a target.
func (e *Engine) sendControl(targetID, msgType, correlationID string, payload any) error {
	env, err := e.codec.Build(msgType, payload)
	if err != nil {
		return err
	}
	env.TargetID = targetID
	env.CorrelationID = correlationID
	return e.transport.Send(env)
}

// countSendFailure bumps the consecutive send-failure counter and, on
// threshold breach, runs the same escalation as heartbeat failure. Returns
// true when the connection was escalated.
func (e *Engine) countSendFailure(targetID string) bool {
	failures := e.registry.RecordSendFailure(targetID)
	if failures < e.opts.MaxSendFailures {
		return false
	}
	e.escalate(targetID, LossReasonSendFailure)
	return true
}

// escalate forces a connected target straight to disconnected, bypassing
// the graceful phase, and fans the loss out to every affected caller.
func (e *Engine) escalate(targetID string, reason LossReason) {
	if err := e.registry.Transition(targetID, StateDisconnected, string(reason)); err != nil {
		e.log.Debug("escalation transition skipped", "target_id", targetID, "err", err)
		return
	}
	e.heartbeat.Stop(targetID)
	e.router.failTarget(targetID, WrapProtocolError(ErrConnectionLost, "%s", reason))
	e.emitter.emitConnectionLost(ConnectionLost{TargetID: targetID, Reason: reason})
	e.log.Warn("connection lost", "target_id", targetID, "reason", string(reason))
}
