package protocol

import (
	"sort"
	"sync"
	"time"
)

// ConnState is the lifecycle state of one remote target.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateDisconnecting ConnState = "disconnecting"
)

// legalTransitions is the full transition relation. connected→disconnected
// is the escalation path; everything else is the graceful lifecycle.
var legalTransitions = map[ConnState][]ConnState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
}

// ConnectionRecord tracks one remote target. Records are mutated only
// through Registry methods; callers receive copies.
type ConnectionRecord struct {
	TargetID                string
	Origin                  string
	State                   ConnState
	ConnectedAt             time.Time
	LastActivityAt          time.Time
	MissedHeartbeats        int
	ConsecutiveSendFailures int
}

// Registry is the single source of truth for connection state. It owns
// exactly one record per target id and enforces the legal transition
// relation. State-change events are emitted outside the internal lock so
// subscribers may call back into the registry.
type Registry struct {
	mu      sync.Mutex
	records map[string]*ConnectionRecord
	emitter *Emitter
	now     func() time.Time
}

func NewRegistry(emitter *Emitter) *Registry {
	return &Registry{
		records: make(map[string]*ConnectionRecord),
		emitter: emitter,
		now:     time.Now,
	}
}

// Register creates a record in the disconnected state. Registering an id
// twice is a caller bug and fails with ErrDuplicateTarget.
func (r *Registry) Register(targetID, origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[targetID]; exists {
		return WrapProtocolError(ErrDuplicateTarget, "target %q", targetID)
	}
	r.records[targetID] = &ConnectionRecord{
		TargetID: targetID,
		Origin:   origin,
		State:    StateDisconnected,
	}
	return nil
}

func (r *Registry) Unregister(targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[targetID]; !exists {
		return WrapProtocolError(ErrTargetNotFound, "target %q", targetID)
	}
	delete(r.records, targetID)
	return nil
}

// Snapshot returns a copy of the record, if present.
func (r *Registry) Snapshot(targetID string) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[targetID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

func (r *Registry) State(targetID string) (ConnState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[targetID]
	if !ok {
		return "", false
	}
	return rec.State, true
}

func (r *Registry) IsConnected(targetID string) bool {
	state, ok := r.State(targetID)
	return ok && state == StateConnected
}

// Transition moves a target to a new state, enforcing legality. Entering
// connected resets the failure counters and stamps ConnectedAt.
func (r *Registry) Transition(targetID string, to ConnState, reason string) error {
	r.mu.Lock()
	rec, ok := r.records[targetID]
	if !ok {
		r.mu.Unlock()
		return WrapProtocolError(ErrTargetNotFound, "target %q", targetID)
	}
	from := rec.State
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if !transitionAllowed(from, to) {
		r.mu.Unlock()
		return WrapProtocolError(ErrMalformedEnvelope, "illegal transition %s→%s for target %q", from, to, targetID)
	}
	rec.State = to
	if to == StateConnected {
		rec.ConnectedAt = r.now()
		rec.MissedHeartbeats = 0
		rec.ConsecutiveSendFailures = 0
	}
	r.mu.Unlock()

	r.emitter.emitStateChange(StateChange{
		TargetID: targetID,
		Previous: from,
		New:      to,
		Reason:   reason,
	})
	return nil
}

// Touch records inbound activity from a target.
func (r *Registry) Touch(targetID string) {
	r.mu.Lock()
	if rec, ok := r.records[targetID]; ok {
		rec.LastActivityAt = r.now()
	}
	r.mu.Unlock()
}

// RecordHeartbeatMiss increments the missed-heartbeat counter and returns
// the new count.
func (r *Registry) RecordHeartbeatMiss(targetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[targetID]
	if !ok {
		return 0
	}
	rec.MissedHeartbeats++
	return rec.MissedHeartbeats
}

func (r *Registry) ResetHeartbeats(targetID string) {
	r.mu.Lock()
	if rec, ok := r.records[targetID]; ok {
		rec.MissedHeartbeats = 0
	}
	r.mu.Unlock()
}

// RecordSendFailure increments the consecutive send-failure counter and
// returns the new count.
func (r *Registry) RecordSendFailure(targetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[targetID]
	if !ok {
		return 0
	}
	rec.ConsecutiveSendFailures++
	return rec.ConsecutiveSendFailures
}

func (r *Registry) ResetSendFailures(targetID string) {
	r.mu.Lock()
	if rec, ok := r.records[targetID]; ok {
		rec.ConsecutiveSendFailures = 0
	}
	r.mu.Unlock()
}

// ConnectedTargets returns the ids of all targets currently connected,
// sorted for deterministic broadcast order.
func (r *Registry) ConnectedTargets() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.records))
	for id, rec := range r.records {
		if rec.State == StateConnected {
			out = append(out, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// TargetIDs returns every registered id, sorted.
func (r *Registry) TargetIDs() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func transitionAllowed(from, to ConnState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
