package protocol

import (
	"context"
	"sync"
	"time"
)

// disconnectCoordinator runs the two-phase teardown: announce, wait briefly
// for an ack, then clean up locally either way. It always leaves the record
// disconnected within DisconnectAckTimeout plus scheduling noise.
type disconnectCoordinator struct {
	e *Engine

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newDisconnectCoordinator(e *Engine) *disconnectCoordinator {
	return &disconnectCoordinator{e: e, waiters: make(map[string]chan struct{})}
}

// Disconnect tears down the connection to targetID. Disconnect is never
// refused by the remote; lack of cooperation only changes the reason
// reported locally.
func (d *disconnectCoordinator) Disconnect(ctx context.Context, targetID string) error {
	state, ok := d.e.registry.State(targetID)
	if !ok {
		return WrapProtocolError(ErrTargetNotFound, "target %q", targetID)
	}
	switch state {
	case StateDisconnected:
		return nil
	case StateConnecting:
		// Abandon the in-flight handshake instead of negotiating teardown.
		d.e.handshake.fail(targetID, WrapProtocolError(ErrHandshakeTimeout, "connect to %q aborted by disconnect", targetID))
		_ = d.e.registry.Transition(targetID, StateDisconnected, "local-disconnect")
		return nil
	case StateDisconnecting:
		// A teardown is already in flight; wait for it below.
	case StateConnected:
		if err := d.e.registry.Transition(targetID, StateDisconnecting, "local-disconnect"); err != nil {
			return err
		}
	}

	ackCh := d.addWaiter(targetID)

	env, err := d.e.codec.Build(TypeDisconnect, nil)
	if err == nil {
		env.TargetID = targetID
		err = d.e.transport.Send(env)
	}
	if err != nil {
		// Best effort only; the timeout path below finishes the job.
		d.e.log.Warn("send disconnect failed", "target_id", targetID, "err", err)
	}

	reason := "timed-out-locally"
	timer := time.NewTimer(d.e.opts.DisconnectAckTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
		reason = "acknowledged"
	case <-timer.C:
	case <-ctx.Done():
		// The caller stops waiting but the teardown must still land: the
		// record may not stay in disconnecting.
		d.removeWaiter(targetID)
		d.finish(targetID, "timed-out-locally")
		return ctx.Err()
	case <-d.e.closed:
	}
	d.removeWaiter(targetID)

	d.finish(targetID, reason)
	return nil
}

// handleDisconnect is the remote side: ack immediately and tear down local
// state without waiting for anything further.
func (d *disconnectCoordinator) handleDisconnect(env Envelope, targetID string) {
	if err := d.e.sendControl(targetID, TypeDisconnectAck, env.ID, nil); err != nil {
		d.e.log.Warn("send disconnect ack failed", "target_id", targetID, "err", err)
	}
	d.finish(targetID, "remote-initiated")
}

func (d *disconnectCoordinator) handleAck(env Envelope, targetID string) {
	d.mu.Lock()
	ch, ok := d.waiters[targetID]
	if ok {
		delete(d.waiters, targetID)
		close(ch)
	}
	d.mu.Unlock()
	if !ok {
		d.e.log.Debug("disconnect ack without pending teardown", "target_id", targetID, "envelope_id", env.ID)
	}
}

// finish releases everything held for the target and settles the record.
func (d *disconnectCoordinator) finish(targetID string, reason string) {
	d.e.heartbeat.Stop(targetID)
	d.e.router.failTarget(targetID, WrapProtocolError(ErrConnectionLost, "disconnected: %s", reason))
	if err := d.e.registry.Transition(targetID, StateDisconnected, reason); err != nil {
		d.e.log.Debug("disconnect finish transition skipped", "target_id", targetID, "err", err)
	}
}

func (d *disconnectCoordinator) addWaiter(targetID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.waiters[targetID]; ok {
		return ch
	}
	ch := make(chan struct{})
	d.waiters[targetID] = ch
	return ch
}

func (d *disconnectCoordinator) removeWaiter(targetID string) {
	d.mu.Lock()
	delete(d.waiters, targetID)
	d.mu.Unlock()
}
