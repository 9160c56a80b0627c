package protocol

import (
	"sync"
	"time"
)

// heartbeatMonitor probes connected targets with ping control envelopes.
// The probe interval doubles as the implicit response timeout: a probe still
// pending when the next tick fires counts as one miss. Timer state lives in
// one map keyed by target id, so teardown is a single lookup-and-cancel.
type heartbeatMonitor struct {
	e *Engine

	mu     sync.Mutex
	states map[string]*heartbeatState
}

type heartbeatState struct {
	pending    bool
	lastPingID string
	stop       chan struct{}
}

func newHeartbeatMonitor(e *Engine) *heartbeatMonitor {
	return &heartbeatMonitor{e: e, states: make(map[string]*heartbeatState)}
}

// Start begins probing a target. Starting an already-monitored target is a
// no-op.
func (m *heartbeatMonitor) Start(targetID string) {
	m.mu.Lock()
	if _, exists := m.states[targetID]; exists {
		m.mu.Unlock()
		return
	}
	st := &heartbeatState{stop: make(chan struct{})}
	m.states[targetID] = st
	m.mu.Unlock()

	go m.run(targetID, st)
}

// Stop cancels probing for one target.
func (m *heartbeatMonitor) Stop(targetID string) {
	m.mu.Lock()
	st, ok := m.states[targetID]
	if ok {
		delete(m.states, targetID)
		close(st.stop)
	}
	m.mu.Unlock()
}

func (m *heartbeatMonitor) StopAll() {
	m.mu.Lock()
	for id, st := range m.states {
		delete(m.states, id)
		close(st.stop)
	}
	m.mu.Unlock()
}

func (m *heartbeatMonitor) run(targetID string, st *heartbeatState) {
	initial := time.NewTimer(m.e.opts.HeartbeatInitialDelay)
	defer initial.Stop()
	select {
	case <-st.stop:
		return
	case <-m.e.closed:
		return
	case <-initial.C:
	}
	if !m.tick(targetID, st) {
		return
	}

	ticker := time.NewTicker(m.e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-m.e.closed:
			return
		case <-ticker.C:
			if !m.tick(targetID, st) {
				return
			}
		}
	}
}

// tick accounts for an unanswered probe from the previous cycle, then sends
// a fresh ping. Returns false when monitoring for the target should end.
func (m *heartbeatMonitor) tick(targetID string, st *heartbeatState) bool {
	m.mu.Lock()
	if m.states[targetID] != st {
		m.mu.Unlock()
		return false
	}
	wasPending := st.pending
	m.mu.Unlock()

	if wasPending {
		missed := m.e.registry.RecordHeartbeatMiss(targetID)
		m.e.log.Debug("heartbeat miss", "target_id", targetID, "missed", missed)
		m.e.emitter.emitHeartbeatMiss(HeartbeatMiss{TargetID: targetID, Missed: missed})
		if missed >= m.e.opts.MaxMissedHeartbeats {
			m.e.escalate(targetID, LossReasonHeartbeat)
			return false
		}
	}

	env, err := m.e.codec.Build(TypePing, nil)
	if err != nil {
		m.e.log.Warn("build ping failed", "target_id", targetID, "err", err)
		return true
	}
	env.TargetID = targetID

	m.mu.Lock()
	if m.states[targetID] != st {
		m.mu.Unlock()
		return false
	}
	st.pending = true
	st.lastPingID = env.ID
	m.mu.Unlock()

	if err := m.e.transport.Send(env); err != nil {
		// No probe went out, so it must not also count as stale-pending on
		// the next tick. The failed send is the miss.
		m.mu.Lock()
		if m.states[targetID] == st {
			st.pending = false
		}
		m.mu.Unlock()
		missed := m.e.registry.RecordHeartbeatMiss(targetID)
		m.e.log.Warn("send ping failed", "target_id", targetID, "missed", missed, "err", err)
		m.e.emitter.emitHeartbeatMiss(HeartbeatMiss{TargetID: targetID, Missed: missed})
		if missed >= m.e.opts.MaxMissedHeartbeats {
			m.e.escalate(targetID, LossReasonHeartbeat)
			return false
		}
	}
	return true
}

// handlePong clears the pending probe when the pong matches the most recent
// ping. Pongs for superseded pings are dropped quietly.
func (m *heartbeatMonitor) handlePong(env Envelope, targetID string) {
	m.mu.Lock()
	st, ok := m.states[targetID]
	matched := ok && st.pending && env.CorrelationID == st.lastPingID
	if matched {
		st.pending = false
	}
	m.mu.Unlock()

	if !matched {
		m.e.log.Debug("pong without matching ping", "target_id", targetID, "correlation_id", env.CorrelationID)
		return
	}
	m.e.registry.ResetHeartbeats(targetID)
}

// handlePing answers the remote side's probe.
func (m *heartbeatMonitor) handlePing(env Envelope, targetID string) {
	if err := m.e.sendControl(targetID, TypePong, env.ID, nil); err != nil {
		m.e.log.Warn("send pong failed", "target_id", targetID, "err", err)
	}
}
