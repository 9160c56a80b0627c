package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConnectTimesOutWithoutAck(t *testing.T) {
	opts := quietOpts("host.test")
	opts.HandshakeTimeout = 100 * time.Millisecond

	tr := &scriptTransport{} // swallows every envelope
	e, err := New(tr, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = e.Register(testLink, "child.test")

	start := time.Now()
	err = e.Connect(context.Background(), testLink)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Connect() error = %v, want ERR_HANDSHAKE_TIMEOUT", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("connect failed after %s, before the timeout", elapsed)
	}

	// Never stuck in connecting.
	if state, _ := e.registry.State(testLink); state != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", state)
	}
}

func TestConnectAlreadyConnectedIsNoop(t *testing.T) {
	host, _, _, _ := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))
	ctx := context.Background()
	if err := host.Connect(ctx, testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := host.Connect(ctx, testLink); err != nil {
		t.Fatalf("Connect(again) error = %v", err)
	}
}

func TestConnectUnregisteredTarget(t *testing.T) {
	host, _, _, _ := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))
	if err := host.Connect(context.Background(), "ghost"); !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("Connect() error = %v, want ERR_TARGET_NOT_FOUND", err)
	}
}

func TestConcurrentConnectsCollapse(t *testing.T) {
	opts := quietOpts("host.test")

	var inits atomic.Int64
	tr := &scriptTransport{}
	tr.mu.Lock()
	tr.send = func(env Envelope) error {
		if env.Type == TypeHandshakeInit {
			inits.Add(1)
			ack, _ := NewCodec("child.test", 0).Build(TypeHandshakeAck, nil)
			ack.TargetID = env.TargetID
			ack.CorrelationID = env.ID
			go func() {
				// Ack late enough for every caller to join the attempt.
				time.Sleep(50 * time.Millisecond)
				tr.deliver(ack)
			}()
		}
		return nil
	}
	tr.mu.Unlock()

	e, err := New(tr, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = e.Register(testLink, "child.test")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Connect(context.Background(), testLink)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect[%d] error = %v", i, err)
		}
	}
	if n := inits.Load(); n != 1 {
		t.Fatalf("sent %d handshake inits, want 1", n)
	}
}

func TestInboundInitAutoRegistersTarget(t *testing.T) {
	_, child, hostTr, _ := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))

	// A second host appears on a link the child has never seen.
	env, _ := NewCodec("host.test", 0).Build(TypeHandshakeInit, handshakePayload{PeerID: "host.test", ProtocolVersion: ProtocolVersion})
	env.TargetID = "link-2"
	if err := hostTr.Send(env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return child.IsConnected("link-2") }, "auto-registered link connected")
}

func TestConnectCanceledByContext(t *testing.T) {
	opts := quietOpts("host.test")
	opts.HandshakeTimeout = 5 * time.Second

	tr := &scriptTransport{}
	e, _ := New(tr, opts)
	_ = e.Register(testLink, "child.test")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Connect(ctx, testLink); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want context deadline", err)
	}
}

func TestAckWithoutAttemptIsIgnored(t *testing.T) {
	host, _, hostTr, childTr := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))
	_ = hostTr

	ack, _ := NewCodec("child.test", 0).Build(TypeHandshakeAck, nil)
	ack.TargetID = testLink
	ack.CorrelationID = "nonexistent"
	if err := childTr.Send(ack); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if host.IsConnected(testLink) {
		t.Fatalf("stray ack connected the target")
	}
}
