package protocol

import "sync"

// LossReason explains why a target was forced to disconnected.
type LossReason string

const (
	LossReasonHeartbeat   LossReason = "heartbeat"
	LossReasonSendFailure LossReason = "send-failure"
	LossReasonShutdown    LossReason = "shutdown"
)

type StateChange struct {
	TargetID string
	Previous ConnState
	New      ConnState
	Reason   string
}

type ConnectionLost struct {
	TargetID string
	Reason   LossReason
}

type HeartbeatMiss struct {
	TargetID string
	Missed   int
}

// Emitter fans out engine notifications to subscribers. One instance is
// owned by each Engine; there is no process-wide registry. Handlers run on
// the emitting goroutine and must not block.
type Emitter struct {
	mu             sync.Mutex
	nextID         int
	stateChanged   map[int]func(StateChange)
	connectionLost map[int]func(ConnectionLost)
	heartbeatMiss  map[int]func(HeartbeatMiss)
}

func NewEmitter() *Emitter {
	return &Emitter{
		stateChanged:   make(map[int]func(StateChange)),
		connectionLost: make(map[int]func(ConnectionLost)),
		heartbeatMiss:  make(map[int]func(HeartbeatMiss)),
	}
}

// OnStateChange subscribes to connection state transitions. The returned
// func removes the subscription.
func (em *Emitter) OnStateChange(fn func(StateChange)) func() {
	em.mu.Lock()
	defer em.mu.Unlock()
	id := em.nextID
	em.nextID++
	em.stateChanged[id] = fn
	return func() {
		em.mu.Lock()
		delete(em.stateChanged, id)
		em.mu.Unlock()
	}
}

func (em *Emitter) OnConnectionLost(fn func(ConnectionLost)) func() {
	em.mu.Lock()
	defer em.mu.Unlock()
	id := em.nextID
	em.nextID++
	em.connectionLost[id] = fn
	return func() {
		em.mu.Lock()
		delete(em.connectionLost, id)
		em.mu.Unlock()
	}
}

func (em *Emitter) OnHeartbeatMiss(fn func(HeartbeatMiss)) func() {
	em.mu.Lock()
	defer em.mu.Unlock()
	id := em.nextID
	em.nextID++
	em.heartbeatMiss[id] = fn
	return func() {
		em.mu.Lock()
		delete(em.heartbeatMiss, id)
		em.mu.Unlock()
	}
}

func (em *Emitter) emitStateChange(ev StateChange) {
	for _, fn := range em.snapshotStateChanged() {
		fn(ev)
	}
}

func (em *Emitter) emitConnectionLost(ev ConnectionLost) {
	em.mu.Lock()
	fns := make([]func(ConnectionLost), 0, len(em.connectionLost))
	for _, fn := range em.connectionLost {
		fns = append(fns, fn)
	}
	em.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (em *Emitter) emitHeartbeatMiss(ev HeartbeatMiss) {
	em.mu.Lock()
	fns := make([]func(HeartbeatMiss), 0, len(em.heartbeatMiss))
	for _, fn := range em.heartbeatMiss {
		fns = append(fns, fn)
	}
	em.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (em *Emitter) snapshotStateChanged() []func(StateChange) {
	em.mu.Lock()
	defer em.mu.Unlock()
	fns := make([]func(StateChange), 0, len(em.stateChanged))
	for _, fn := range em.stateChanged {
		fns = append(fns, fn)
	}
	return fns
}
