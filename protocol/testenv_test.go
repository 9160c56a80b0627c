package protocol

import (
	"testing"
	"time"
)

const testLink = "link-1"

// quietOpts returns options whose heartbeat is effectively disabled so
// lifecycle tests are not perturbed by background probes.
func quietOpts(origin string) Options {
	return Options{
		Origin:                origin,
		HandshakeTimeout:      500 * time.Millisecond,
		HeartbeatInterval:     time.Hour,
		HeartbeatInitialDelay: time.Hour,
		DisconnectAckTimeout:  500 * time.Millisecond,
		RequestTimeout:        time.Second,
	}
}

// newEnginePair builds two engines joined by an in-process transport pair,
// with the shared link id registered on both sides.
func newEnginePair(t *testing.T, hostOpts, childOpts Options) (host, child *Engine, hostTr, childTr *PairTransport) {
	t.Helper()
	hostTr, childTr = NewPair()

	host, err := New(hostTr, hostOpts)
	if err != nil {
		t.Fatalf("New(host) error = %v", err)
	}
	child, err = New(childTr, childOpts)
	if err != nil {
		t.Fatalf("New(child) error = %v", err)
	}
	if err := host.Register(testLink, childOpts.Origin); err != nil {
		t.Fatalf("host.Register() error = %v", err)
	}
	if err := child.Register(testLink, hostOpts.Origin); err != nil {
		t.Fatalf("child.Register() error = %v", err)
	}
	t.Cleanup(func() {
		host.Shutdown()
		child.Shutdown()
	})
	return host, child, hostTr, childTr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}
