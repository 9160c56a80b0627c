package protocol

import (
	"encoding/json"
	"strings"
)

// SecurityGate decides which origins may talk to the engine and scrubs
// application payloads before they cross the wire. Every inbound envelope
// passes IsOriginAllowed before dispatch; application payloads pass Sanitize
// in both directions, outbound before send and inbound before the handler.
type SecurityGate interface {
	IsOriginAllowed(origin string) bool
	Sanitize(payload any) (any, error)
}

// AllowlistGate is the default SecurityGate: a fixed origin allow-list with
// "*" as wildcard, and a sanitizer that round-trips payloads through JSON to
// strip anything non-portable.
type AllowlistGate struct {
	allowAll bool
	allowed  map[string]struct{}
}

func NewAllowlistGate(origins ...string) *AllowlistGate {
	g := &AllowlistGate{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			g.allowAll = true
			continue
		}
		g.allowed[o] = struct{}{}
	}
	return g
}

func (g *AllowlistGate) IsOriginAllowed(origin string) bool {
	if g.allowAll {
		return true
	}
	_, ok := g.allowed[strings.TrimSpace(origin)]
	return ok
}

// Sanitize rejects payloads that cannot survive JSON serialization and
// normalizes the rest to plain maps, slices and scalars.
func (g *AllowlistGate) Sanitize(payload any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapProtocolError(ErrMalformedEnvelope, "payload is not serializable: %v", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, WrapProtocolError(ErrMalformedEnvelope, "payload round-trip failed: %v", err)
	}
	return out, nil
}
