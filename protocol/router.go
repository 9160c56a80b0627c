package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// router correlates outbound requests with their replies, drives retries,
// and delivers inbound application messages to handlers. Each retry is a
// fresh envelope id: the superseded id is removed from the pending map
// before the resend, so a late reply to an abandoned attempt matches
// nothing and is dropped.
type router struct {
	e *Engine

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	requestID string
	targetID  string
	result    chan requestOutcome
}

type requestOutcome struct {
	payload json.RawMessage
	err     error
}

func newRouter(e *Engine) *router {
	return &router{e: e, pending: make(map[string]*pendingRequest)}
}

// Request sends an application message and blocks until a reply, timeout
// (after retries), connection teardown, or ctx cancellation.
func (r *router) Request(ctx context.Context, targetID, msgType string, payload any, opts RequestOptions) (json.RawMessage, error) {
	raw, err := r.prepare(targetID, msgType, payload)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.e.opts.RequestTimeout
	}
	attempts := opts.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastSendErr error
	for attempt := 0; attempt < attempts; attempt++ {
		env, err := r.e.codec.Build(msgType, nil)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
		env.TargetID = targetID
		env.ExpectsResponse = true

		pr := &pendingRequest{requestID: env.ID, targetID: targetID, result: make(chan requestOutcome, 1)}
		r.mu.Lock()
		r.pending[env.ID] = pr
		r.mu.Unlock()

		if err := r.e.transport.Send(env); err != nil {
			r.remove(env.ID)
			lastSendErr = err
			if lost := r.e.countSendFailure(targetID); lost {
				return nil, WrapProtocolError(ErrConnectionLost, "%s", LossReasonSendFailure)
			}
			continue
		}
		r.e.registry.ResetSendFailures(targetID)

		timer := time.NewTimer(timeout)
		select {
		case out := <-pr.result:
			timer.Stop()
			return out.payload, out.err
		case <-timer.C:
			// Abandon this attempt's id before any resend.
			r.remove(env.ID)
			lastSendErr = nil
		case <-ctx.Done():
			timer.Stop()
			r.remove(env.ID)
			return nil, ctx.Err()
		case <-r.e.closed:
			timer.Stop()
			r.remove(env.ID)
			return nil, WrapProtocolError(ErrConnectionLost, "%s", LossReasonShutdown)
		}
	}

	if lastSendErr != nil {
		return nil, WrapProtocolError(ErrSendFailed, "%d attempts to %q, last: %v", attempts, targetID, lastSendErr)
	}
	return nil, WrapProtocolError(ErrRequestTimeout, "no reply from %q after %d attempts", targetID, attempts)
}

// Notify sends a fire-and-forget message: it returns once the envelope is
// handed to the transport.
func (r *router) Notify(targetID, msgType string, payload any) error {
	raw, err := r.prepare(targetID, msgType, payload)
	if err != nil {
		return err
	}
	return r.sendOneWay(targetID, msgType, raw)
}

// Broadcast fans a one-way message out to every connected target. Zero
// connected targets is not an error.
func (r *router) Broadcast(msgType string, payload any) error {
	if strings.HasPrefix(msgType, ReservedTypePrefix) {
		return WrapProtocolError(ErrReservedType, "type %q", msgType)
	}
	raw, err := r.sanitizeAndValidate(msgType, payload)
	if err != nil {
		return err
	}
	for _, targetID := range r.e.registry.ConnectedTargets() {
		if err := r.sendOneWay(targetID, msgType, raw); err != nil {
			r.e.log.Warn("broadcast send failed", "target_id", targetID, "type", msgType, "err", err)
		}
	}
	return nil
}

func (r *router) sendOneWay(targetID, msgType string, raw json.RawMessage) error {
	env, err := r.e.codec.Build(msgType, nil)
	if err != nil {
		return err
	}
	env.Payload = raw
	env.TargetID = targetID

	if err := r.e.transport.Send(env); err != nil {
		if lost := r.e.countSendFailure(targetID); lost {
			return WrapProtocolError(ErrConnectionLost, "%s", LossReasonSendFailure)
		}
		return WrapProtocolError(ErrSendFailed, "%v", err)
	}
	r.e.registry.ResetSendFailures(targetID)
	return nil
}

// prepare runs the shared outbound checks: reserved namespace, target
// existence and state, sanitization, schema validation.
func (r *router) prepare(targetID, msgType string, payload any) (json.RawMessage, error) {
	if strings.HasPrefix(msgType, ReservedTypePrefix) {
		return nil, WrapProtocolError(ErrReservedType, "type %q", msgType)
	}
	state, ok := r.e.registry.State(targetID)
	if !ok {
		return nil, WrapProtocolError(ErrTargetNotFound, "target %q", targetID)
	}
	if state != StateConnected {
		return nil, WrapProtocolError(ErrNotConnected, "target %q is %s", targetID, state)
	}
	return r.sanitizeAndValidate(msgType, payload)
}

func (r *router) sanitizeAndValidate(msgType string, payload any) (json.RawMessage, error) {
	sanitized, err := r.e.opts.Gate.Sanitize(payload)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if sanitized != nil {
		raw, err = json.Marshal(sanitized)
		if err != nil {
			return nil, WrapProtocolError(ErrMalformedEnvelope, "marshal payload: %v", err)
		}
	}
	if r.e.opts.Validator != nil && raw != nil {
		if err := r.e.opts.Validator.Validate(msgType, raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// handleReply resolves the pending request matching the reply's correlation
// id. A reply that matches nothing — unknown, already resolved, or
// superseded by a retry — is dropped with a debug trace and no error.
func (r *router) handleReply(env Envelope) {
	r.mu.Lock()
	pr, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()
	if !ok {
		r.e.log.Debug("reply for unknown or superseded request", "correlation_id", env.CorrelationID)
		return
	}

	var body replyBody
	if err := decodeStrictJSON(env.Payload, &body); err != nil {
		pr.result <- requestOutcome{err: WrapProtocolError(ErrMalformedEnvelope, "reply body: %v", err)}
		return
	}
	if body.Error != nil {
		pr.result <- requestOutcome{err: remoteError(body.Error.Symbol, body.Error.Message)}
		return
	}
	pr.result <- requestOutcome{payload: body.Result}
}

// handleRequest dispatches an inbound application message to its handler.
// Handlers run on their own goroutine so they may call back into the
// engine.
func (r *router) handleRequest(env Envelope, targetID string) {
	if env.Payload != nil {
		// Inbound application payloads pass the gate too; a payload that
		// does not survive the round-trip never reaches a handler.
		if _, err := r.e.opts.Gate.Sanitize(env.Payload); err != nil {
			r.e.log.Warn("inbound payload failed sanitization", "target_id", targetID, "type", env.Type, "err", err)
			if env.ExpectsResponse {
				r.sendErrorReply(env, targetID, err)
			}
			return
		}
	}
	if r.e.opts.Validator != nil && env.Payload != nil {
		if err := r.e.opts.Validator.Validate(env.Type, env.Payload); err != nil {
			r.e.log.Warn("inbound payload failed schema validation", "target_id", targetID, "type", env.Type, "err", err)
			if env.ExpectsResponse {
				r.sendErrorReply(env, targetID, err)
			}
			return
		}
	}

	handler := r.e.handler(env.Type)
	if handler == nil {
		r.e.log.Warn("no handler for message type", "target_id", targetID, "type", env.Type)
		if env.ExpectsResponse {
			r.sendErrorReply(env, targetID, WrapProtocolError(ErrNoHandler, "type %q", env.Type))
		}
		return
	}

	go func() {
		result, err := handler(context.Background(), env.Origin, env.Payload)
		if !env.ExpectsResponse {
			if err != nil {
				r.e.log.Warn("handler failed for one-way message", "target_id", targetID, "type", env.Type, "err", err)
			}
			return
		}
		if err != nil {
			r.sendErrorReply(env, targetID, err)
			return
		}
		r.sendResultReply(env, targetID, result)
	}()
}

func (r *router) sendResultReply(req Envelope, targetID string, result any) {
	sanitized, err := r.e.opts.Gate.Sanitize(result)
	if err != nil {
		r.sendErrorReply(req, targetID, err)
		return
	}
	var raw json.RawMessage
	if sanitized != nil {
		raw, err = json.Marshal(sanitized)
		if err != nil {
			r.sendErrorReply(req, targetID, WrapProtocolError(ErrMalformedEnvelope, "marshal result: %v", err))
			return
		}
	}
	if err := r.e.sendControl(targetID, TypeReply, req.ID, replyBody{Result: raw}); err != nil {
		r.e.log.Warn("send reply failed", "target_id", targetID, "err", err)
	}
}

func (r *router) sendErrorReply(req Envelope, targetID string, cause error) {
	symbol := SymbolOf(cause)
	if symbol == "" {
		symbol = ErrApplicationSymbol
	}
	body := replyBody{Error: &wireError{Symbol: symbol, Message: cause.Error()}}
	if err := r.e.sendControl(targetID, TypeReply, req.ID, body); err != nil {
		r.e.log.Warn("send error reply failed", "target_id", targetID, "err", err)
	}
}

// failTarget resolves every pending request addressed to targetID with err.
func (r *router) failTarget(targetID string, err error) {
	r.mu.Lock()
	var failed []*pendingRequest
	for id, pr := range r.pending {
		if pr.targetID == targetID {
			delete(r.pending, id)
			failed = append(failed, pr)
		}
	}
	r.mu.Unlock()
	for _, pr := range failed {
		pr.result <- requestOutcome{err: err}
	}
}

// failAll resolves every pending request across all targets with err.
func (r *router) failAll(err error) {
	r.mu.Lock()
	failed := make([]*pendingRequest, 0, len(r.pending))
	for id, pr := range r.pending {
		delete(r.pending, id)
		failed = append(failed, pr)
	}
	r.mu.Unlock()
	for _, pr := range failed {
		pr.result <- requestOutcome{err: err}
	}
}

func (r *router) remove(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}
