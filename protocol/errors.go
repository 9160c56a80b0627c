package protocol

import (
	"errors"
	"fmt"
)

const (
	ErrMalformedEnvelopeSymbol   = "ERR_MALFORMED_ENVELOPE"
	ErrStaleEnvelopeSymbol       = "ERR_STALE_ENVELOPE"
	ErrUnsupportedProtocolSymbol = "ERR_UNSUPPORTED_PROTOCOL"
	ErrReservedTypeSymbol        = "ERR_RESERVED_TYPE"
	ErrHandshakeTimeoutSymbol    = "ERR_HANDSHAKE_TIMEOUT"
	ErrConnectionLostSymbol      = "ERR_CONNECTION_LOST"
	ErrRequestTimeoutSymbol      = "ERR_REQUEST_TIMEOUT"
	ErrTargetNotFoundSymbol      = "ERR_TARGET_NOT_FOUND"
	ErrDuplicateTargetSymbol     = "ERR_DUPLICATE_TARGET"
	ErrNotConnectedSymbol        = "ERR_NOT_CONNECTED"
	ErrNoHandlerSymbol           = "ERR_NO_HANDLER"
	ErrSchemaValidationSymbol    = "ERR_SCHEMA_VALIDATION"
	ErrEngineClosedSymbol        = "ERR_ENGINE_CLOSED"
	ErrSendFailedSymbol          = "ERR_SEND_FAILED"
	ErrApplicationSymbol         = "ERR_APPLICATION"
)

// ProtocolError is the engine's error currency. The Symbol is stable across
// releases and is what crosses the wire in error replies; Message is local
// detail. errors.Is matches on Symbol only.
type ProtocolError struct {
	Symbol  string
	Message string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Symbol
	}
	return fmt.Sprintf("%s: %s", e.Symbol, e.Message)
}

func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return e.Symbol == t.Symbol
}

var (
	ErrMalformedEnvelope   = &ProtocolError{Symbol: ErrMalformedEnvelopeSymbol, Message: "malformed envelope"}
	ErrStaleEnvelope       = &ProtocolError{Symbol: ErrStaleEnvelopeSymbol, Message: "stale envelope"}
	ErrUnsupportedProtocol = &ProtocolError{Symbol: ErrUnsupportedProtocolSymbol, Message: "unsupported protocol version"}
	ErrReservedType        = &ProtocolError{Symbol: ErrReservedTypeSymbol, Message: "reserved message type"}
	ErrHandshakeTimeout    = &ProtocolError{Symbol: ErrHandshakeTimeoutSymbol, Message: "handshake timed out"}
	ErrConnectionLost      = &ProtocolError{Symbol: ErrConnectionLostSymbol, Message: "connection lost"}
	ErrRequestTimeout      = &ProtocolError{Symbol: ErrRequestTimeoutSymbol, Message: "request timed out"}
	ErrTargetNotFound      = &ProtocolError{Symbol: ErrTargetNotFoundSymbol, Message: "target not registered"}
	ErrDuplicateTarget     = &ProtocolError{Symbol: ErrDuplicateTargetSymbol, Message: "target already registered"}
	ErrNotConnected        = &ProtocolError{Symbol: ErrNotConnectedSymbol, Message: "target not connected"}
	ErrNoHandler           = &ProtocolError{Symbol: ErrNoHandlerSymbol, Message: "no handler for message type"}
	ErrSchemaValidation    = &ProtocolError{Symbol: ErrSchemaValidationSymbol, Message: "schema validation failed"}
	ErrEngineClosed        = &ProtocolError{Symbol: ErrEngineClosedSymbol, Message: "engine is shut down"}
	ErrSendFailed          = &ProtocolError{Symbol: ErrSendFailedSymbol, Message: "transport send failed"}
	ErrApplication         = &ProtocolError{Symbol: ErrApplicationSymbol, Message: "application handler failed"}
)

func WrapProtocolError(base *ProtocolError, format string, args ...any) error {
	if base == nil {
		return fmt.Errorf(format, args...)
	}
	msg := fmt.Sprintf(format, args...)
	return &ProtocolError{Symbol: base.Symbol, Message: msg}
}

func SymbolOf(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Symbol
	}
	return ""
}

func protocolErrorBySymbol(symbol string) *ProtocolError {
	switch symbol {
	case ErrMalformedEnvelopeSymbol:
		return ErrMalformedEnvelope
	case ErrStaleEnvelopeSymbol:
		return ErrStaleEnvelope
	case ErrUnsupportedProtocolSymbol:
		return ErrUnsupportedProtocol
	case ErrReservedTypeSymbol:
		return ErrReservedType
	case ErrHandshakeTimeoutSymbol:
		return ErrHandshakeTimeout
	case ErrConnectionLostSymbol:
		return ErrConnectionLost
	case ErrRequestTimeoutSymbol:
		return ErrRequestTimeout
	case ErrTargetNotFoundSymbol:
		return ErrTargetNotFound
	case ErrDuplicateTargetSymbol:
		return ErrDuplicateTarget
	case ErrNotConnectedSymbol:
		return ErrNotConnected
	case ErrNoHandlerSymbol:
		return ErrNoHandler
	case ErrSchemaValidationSymbol:
		return ErrSchemaValidation
	case ErrEngineClosedSymbol:
		return ErrEngineClosed
	case ErrSendFailedSymbol:
		return ErrSendFailed
	case ErrApplicationSymbol:
		return ErrApplication
	default:
		return &ProtocolError{Symbol: symbol, Message: symbol}
	}
}

func remoteError(symbol string, message string) error {
	base := protocolErrorBySymbol(symbol)
	if message == "" {
		return base
	}
	return WrapProtocolError(base, "%s", message)
}
