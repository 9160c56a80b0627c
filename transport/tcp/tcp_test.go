package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/WebDev-Guy/parley/protocol"
)

func testOpts(origin string) protocol.Options {
	return protocol.Options{
		Origin:                origin,
		HandshakeTimeout:      2 * time.Second,
		HeartbeatInterval:     time.Hour,
		HeartbeatInitialDelay: time.Hour,
	}
}

func TestFrameRoundTrip(t *testing.T) {
	env := protocol.Envelope{
		ProtocolVersion: protocol.ProtocolVersion,
		ID:              "env-1",
		Type:            "chat.message",
		Origin:          "a.test",
		Timestamp:       time.Now().UnixMilli(),
		TargetID:        "link-1",
		Payload:         json.RawMessage(`{"text":"hi"}`),
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, env); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if got.ID != env.ID || got.Type != env.Type || got.Origin != env.Origin || got.TargetID != env.TargetID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Payload) != string(env.Payload) {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}
}

func TestReadFrameRejectsOversizedAnnouncement(t *testing.T) {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	if _, err := readFrame(bytes.NewReader(header[:])); err == nil {
		t.Fatalf("oversized frame announcement accepted")
	}
}

func TestEngineRoundTripOverPipe(t *testing.T) {
	a, b := net.Pipe()
	serverTr := NewConn(a, nil)
	clientTr := NewConn(b, nil)

	server, err := protocol.New(serverTr, testOpts("server.test"))
	if err != nil {
		t.Fatalf("New(server) error = %v", err)
	}
	defer server.Shutdown()
	client, err := protocol.New(clientTr, testOpts("client.test"))
	if err != nil {
		t.Fatalf("New(client) error = %v", err)
	}
	defer client.Shutdown()

	const link = "link-tcp"
	_ = server.Register(link, "client.test")
	_ = client.Register(link, "server.test")

	_ = server.Handle("echo", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
		var in map[string]any
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return in, nil
	})

	ctx := context.Background()
	if err := client.Connect(ctx, link); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	out, err := client.Request(ctx, link, "echo", map[string]any{"text": "hi"}, protocol.RequestOptions{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	var res struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(out, &res); err != nil || res.Text != "hi" {
		t.Fatalf("Request() = %s (err %v), want echoed text", out, err)
	}
}

func TestServeAndDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() { _ = Serve(ln, func(c *Conn) { accepted <- c }, nil) }()

	clientTr, err := Dial(context.Background(), ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientTr.Close()

	var serverTr *Conn
	select {
	case serverTr = <-accepted:
	case <-time.After(time.Second):
		t.Fatalf("listener never accepted the connection")
	}
	defer serverTr.Close()

	got := make(chan protocol.Envelope, 1)
	serverTr.OnReceive(func(env protocol.Envelope) { got <- env })

	env := protocol.Envelope{
		ProtocolVersion: protocol.ProtocolVersion,
		ID:              "env-dial",
		Type:            "chat.message",
		Origin:          "client.test",
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := clientTr.Send(env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case in := <-got:
		if in.ID != env.ID {
			t.Fatalf("received id %q, want %q", in.ID, env.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("envelope not delivered over tcp")
	}
}
