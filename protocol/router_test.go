package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRequestRetriesThenTimesOut(t *testing.T) {
	tr := &scriptTransport{}
	var mu sync.Mutex
	var attempts []string
	tr.mu.Lock()
	tr.send = func(env Envelope) error {
		switch env.Type {
		case TypeHandshakeInit:
			ack, _ := NewCodec("remote.test", 0).Build(TypeHandshakeAck, nil)
			ack.TargetID = env.TargetID
			ack.CorrelationID = env.ID
			go tr.deliver(ack)
		case "slow":
			mu.Lock()
			attempts = append(attempts, env.ID)
			mu.Unlock()
		}
		return nil
	}
	tr.mu.Unlock()

	e, err := New(tr, quietOpts("host.test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Shutdown)
	_ = e.Register(testLink, "remote.test")
	if err := e.Connect(context.Background(), testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	start := time.Now()
	_, err = e.Request(context.Background(), testLink, "slow", map[string]any{}, RequestOptions{
		Timeout: 80 * time.Millisecond,
		Retries: 2,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Request() error = %v, want ERR_REQUEST_TIMEOUT", err)
	}
	if elapsed < 200*time.Millisecond {
		t.Fatalf("request failed after %s, before all attempts ran", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("sent %d attempts, want 3", len(attempts))
	}
	// Each retry is a fresh envelope id.
	seen := map[string]bool{}
	for _, id := range attempts {
		if seen[id] {
			t.Fatalf("envelope id %q reused across attempts", id)
		}
		seen[id] = true
	}
}

func TestLateReplyToSupersededAttemptIsDropped(t *testing.T) {
	tr := &scriptTransport{}
	ids := make(chan string, 4)
	tr.mu.Lock()
	tr.send = func(env Envelope) error {
		switch env.Type {
		case TypeHandshakeInit:
			ack, _ := NewCodec("remote.test", 0).Build(TypeHandshakeAck, nil)
			ack.TargetID = env.TargetID
			ack.CorrelationID = env.ID
			go tr.deliver(ack)
		case "echo":
			ids <- env.ID
		}
		return nil
	}
	tr.mu.Unlock()

	e, err := New(tr, quietOpts("host.test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Shutdown)
	_ = e.Register(testLink, "remote.test")
	if err := e.Connect(context.Background(), testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	type reqResult struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan reqResult, 1)
	go func() {
		payload, err := e.Request(context.Background(), testLink, "echo", map[string]any{}, RequestOptions{
			Timeout: 60 * time.Millisecond,
			Retries: 1,
		})
		done <- reqResult{payload, err}
	}()

	remote := NewCodec("remote.test", 0)
	reply := func(correlationID, result string) {
		env, _ := remote.Build(TypeReply, replyBody{Result: json.RawMessage(result)})
		env.TargetID = testLink
		env.CorrelationID = correlationID
		tr.deliver(env)
	}

	first := <-ids
	second := <-ids // the retry; first attempt's id is abandoned by now

	reply(first, `"stale"`)
	time.Sleep(20 * time.Millisecond)
	select {
	case res := <-done:
		t.Fatalf("request resolved by superseded reply: %s %v", res.payload, res.err)
	default:
	}

	reply(second, `"fresh"`)
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Request() error = %v", res.err)
		}
		if string(res.payload) != `"fresh"` {
			t.Fatalf("Request() = %s, want \"fresh\"", res.payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("current reply did not resolve the request")
	}
}

func TestRequestSendFailureEscalates(t *testing.T) {
	host, child, hostTr, _ := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))
	ctx := context.Background()
	if err := host.Connect(ctx, testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return child.IsConnected(testLink) }, "child connected")

	var mu sync.Mutex
	var losses []ConnectionLost
	host.OnConnectionLost(func(ev ConnectionLost) {
		mu.Lock()
		losses = append(losses, ev)
		mu.Unlock()
	})

	hostTr.SetSendError(WrapProtocolError(ErrSendFailed, "wire down"))

	_, err := host.Request(ctx, testLink, "ping-app", map[string]any{}, RequestOptions{
		Timeout: 50 * time.Millisecond,
		Retries: 5,
	})
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Request() error = %v, want ERR_CONNECTION_LOST", err)
	}
	if host.IsConnected(testLink) {
		t.Fatalf("target still connected after send-failure escalation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(losses) != 1 || losses[0].Reason != LossReasonSendFailure {
		t.Fatalf("connection-lost events = %+v, want one with reason send-failure", losses)
	}
}

func TestNotifyDeliversWithoutReply(t *testing.T) {
	host, child, _, _ := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))
	ctx := context.Background()
	if err := host.Connect(ctx, testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return child.IsConnected(testLink) }, "child connected")

	got := make(chan json.RawMessage, 1)
	_ = child.Handle("log", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
		got <- payload
		return nil, nil
	})

	if err := host.Notify(testLink, "log", map[string]any{"line": "hello"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	select {
	case payload := <-got:
		var body struct {
			Line string `json:"line"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.Line != "hello" {
			t.Fatalf("notify payload = %s (err %v)", payload, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("notify not delivered")
	}
}

func TestNotifyNotConnected(t *testing.T) {
	host, _, _, _ := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))
	if err := host.Notify(testLink, "log", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Notify() error = %v, want ERR_NOT_CONNECTED", err)
	}
}

func TestReplyWithUnknownCorrelationIsIgnored(t *testing.T) {
	host, child, _, childTr := newEnginePair(t, quietOpts("host.test"), quietOpts("child.test"))
	ctx := context.Background()
	if err := host.Connect(ctx, testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return child.IsConnected(testLink) }, "child connected")

	env, _ := NewCodec("child.test", 0).Build(TypeReply, replyBody{Result: json.RawMessage(`42`)})
	env.TargetID = testLink
	env.CorrelationID = "never-issued"
	if err := childTr.Send(env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// The engine keeps working afterwards.
	_ = child.Handle("add", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
		var in struct {
			X, Y float64
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]any{"sum": in.X + in.Y}, nil
	})
	out, err := host.Request(ctx, testLink, "add", map[string]any{"x": 2, "y": 3}, RequestOptions{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	var res struct {
		Sum float64 `json:"sum"`
	}
	if err := json.Unmarshal(out, &res); err != nil || res.Sum != 5 {
		t.Fatalf("Request() = %s (err %v), want sum 5", out, err)
	}
}

func TestInboundInvalidPayloadNeverReachesHandler(t *testing.T) {
	tr := &scriptTransport{}
	replies := make(chan Envelope, 2)
	tr.mu.Lock()
	tr.send = func(env Envelope) error {
		switch env.Type {
		case TypeHandshakeInit:
			ack, _ := NewCodec("remote.test", 0).Build(TypeHandshakeAck, nil)
			ack.TargetID = env.TargetID
			ack.CorrelationID = env.ID
			go tr.deliver(ack)
		case TypeReply:
			replies <- env
		}
		return nil
	}
	tr.mu.Unlock()

	e, err := New(tr, quietOpts("host.test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Shutdown)

	called := make(chan struct{}, 1)
	_ = e.Handle("calc", func(context.Context, string, json.RawMessage) (any, error) {
		called <- struct{}{}
		return nil, nil
	})

	_ = e.Register(testLink, "remote.test")
	if err := e.Connect(context.Background(), testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The payload is broken JSON, which only a non-JSON transport could have
	// carried this far. The gate rejects it before dispatch.
	req, _ := NewCodec("remote.test", 0).Build("calc", nil)
	req.TargetID = testLink
	req.ExpectsResponse = true
	req.Payload = json.RawMessage(`{"x":`)
	tr.deliver(req)

	select {
	case reply := <-replies:
		var body replyBody
		if err := json.Unmarshal(reply.Payload, &body); err != nil {
			t.Fatalf("unmarshal error reply: %v", err)
		}
		if body.Error == nil || body.Error.Symbol != ErrMalformedEnvelopeSymbol {
			t.Fatalf("error reply = %+v, want ERR_MALFORMED_ENVELOPE", body.Error)
		}
	case <-time.After(time.Second):
		t.Fatalf("no error reply for unsanitizable payload")
	}
	select {
	case <-called:
		t.Fatalf("handler ran for unsanitizable payload")
	default:
	}
}

func TestRequestCanceledByContext(t *testing.T) {
	tr := &scriptTransport{}
	tr.autoAck("remote.test")
	e, err := New(tr, quietOpts("host.test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Shutdown)
	_ = e.Register(testLink, "remote.test")
	if err := e.Connect(context.Background(), testLink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = e.Request(ctx, testLink, "slow", nil, RequestOptions{Timeout: 5 * time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Request() error = %v, want context deadline", err)
	}
}
