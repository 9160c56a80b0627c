package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const (
	// ProtocolVersion is stamped on every outbound envelope. Inbound
	// envelopes are accepted when their major component matches.
	ProtocolVersion = "1.0.0"

	// ReservedTypePrefix marks control messages. Application code may not
	// register handlers for, or send, types under this prefix.
	ReservedTypePrefix = "parley:"

	TypeHandshakeInit = "parley:handshake-init"
	TypeHandshakeAck  = "parley:handshake-ack"
	TypePing          = "parley:ping"
	TypePong          = "parley:pong"
	TypeDisconnect    = "parley:disconnect"
	TypeDisconnectAck = "parley:disconnect-ack"
	TypeReply         = "parley:reply"
)

const (
	DefaultHandshakeTimeout      = 3 * time.Second
	DefaultHeartbeatInterval     = 15 * time.Second
	DefaultHeartbeatInitialDelay = 500 * time.Millisecond
	DefaultMaxMissedHeartbeats   = 3
	DefaultMaxSendFailures       = 3
	DefaultDisconnectAckTimeout  = 1 * time.Second
	DefaultRequestTimeout        = 10 * time.Second
)

// Options configures an Engine. Zero values fall back to the defaults above
// during normalization.
type Options struct {
	// Origin is the identity this engine asserts on every outbound envelope.
	Origin string

	HandshakeTimeout      time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatInitialDelay time.Duration
	MaxMissedHeartbeats   int
	MaxSendFailures       int
	DisconnectAckTimeout  time.Duration
	RequestTimeout        time.Duration

	// MaxEnvelopeAge rejects inbound envelopes older than this as stale.
	// Zero disables the check.
	MaxEnvelopeAge time.Duration

	Gate      SecurityGate
	Validator SchemaValidator
	Logger    *slog.Logger
}

func normalizeOptions(opts Options) Options {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatInitialDelay <= 0 {
		opts.HeartbeatInitialDelay = DefaultHeartbeatInitialDelay
	}
	if opts.MaxMissedHeartbeats <= 0 {
		opts.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if opts.MaxSendFailures <= 0 {
		opts.MaxSendFailures = DefaultMaxSendFailures
	}
	if opts.DisconnectAckTimeout <= 0 {
		opts.DisconnectAckTimeout = DefaultDisconnectAckTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Gate == nil {
		opts.Gate = NewAllowlistGate("*")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// RequestOptions tunes a single Request call. Zero Timeout falls back to the
// engine's RequestTimeout; Retries is the number of resends after the first
// attempt.
type RequestOptions struct {
	Timeout time.Duration
	Retries int
}

// Handler processes an inbound application message. The returned value is
// marshaled into the reply when the sender expects a response; a returned
// error is relayed as an error reply instead.
type Handler func(ctx context.Context, from string, payload json.RawMessage) (any, error)

type handshakePayload struct {
	PeerID          string `json:"peer_id"`
	ProtocolVersion string `json:"protocol_version"`
}

type replyBody struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Symbol  string `json:"symbol"`
	Message string `json:"message,omitempty"`
}
