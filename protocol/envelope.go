package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of wire exchange. Exactly one of three shapes is
// legal: a fresh request (no correlation id), a response (correlation id set,
// never expecting a response itself), or a control message under the
// reserved type prefix.
type Envelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Origin          string          `json:"origin"`
	Timestamp       int64           `json:"timestamp"` // unix milliseconds
	ExpectsResponse bool            `json:"expects_response,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	TargetID        string          `json:"target_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// IsControl reports whether the envelope is protocol-internal.
func (e Envelope) IsControl() bool {
	return strings.HasPrefix(e.Type, ReservedTypePrefix)
}

// Codec builds and validates envelopes. It never inspects payload shape;
// that is the schema validator's concern.
type Codec struct {
	origin string
	maxAge time.Duration
	now    func() time.Time
}

func NewCodec(origin string, maxAge time.Duration) *Codec {
	return &Codec{origin: origin, maxAge: maxAge, now: time.Now}
}

// Build assembles an outbound envelope: fresh id, current timestamp, the
// engine's protocol version and origin.
func (c *Codec) Build(msgType string, payload any) (Envelope, error) {
	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		ID:              uuid.NewString(),
		Type:            msgType,
		Origin:          c.origin,
		Timestamp:       c.now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, WrapProtocolError(ErrMalformedEnvelope, "marshal payload: %v", err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Validate checks the structural invariants of an inbound envelope. It
// returns a ProtocolError describing the first violation found.
func (c *Codec) Validate(env Envelope) error {
	if strings.TrimSpace(env.ID) == "" {
		return WrapProtocolError(ErrMalformedEnvelope, "id is required")
	}
	if strings.TrimSpace(env.Type) == "" {
		return WrapProtocolError(ErrMalformedEnvelope, "type is required")
	}
	if strings.TrimSpace(env.Origin) == "" {
		return WrapProtocolError(ErrMalformedEnvelope, "origin is required")
	}
	if strings.TrimSpace(env.ProtocolVersion) == "" {
		return WrapProtocolError(ErrMalformedEnvelope, "protocol_version is required")
	}
	if env.Timestamp <= 0 {
		return WrapProtocolError(ErrMalformedEnvelope, "timestamp must be a positive integer")
	}
	if !sameMajorVersion(env.ProtocolVersion, ProtocolVersion) {
		return WrapProtocolError(ErrUnsupportedProtocol, "remote=%s local=%s", env.ProtocolVersion, ProtocolVersion)
	}
	if env.CorrelationID != "" && env.ExpectsResponse {
		return WrapProtocolError(ErrMalformedEnvelope, "a response cannot expect a response")
	}
	if c.maxAge > 0 {
		age := c.now().Sub(time.UnixMilli(env.Timestamp))
		if age > c.maxAge {
			return WrapProtocolError(ErrStaleEnvelope, "envelope is %s old, limit %s", age, c.maxAge)
		}
	}
	return nil
}

func sameMajorVersion(a, b string) bool {
	return majorVersion(a) != "" && majorVersion(a) == majorVersion(b)
}

func majorVersion(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '.'); i > 0 {
		v = v[:i]
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return v
}

// decodeStrictJSON rejects unknown fields and trailing data. Used for
// protocol-internal payloads only.
func decodeStrictJSON(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("invalid json: trailing data")
	}
	return nil
}
