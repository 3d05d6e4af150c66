package gateway

import (
	"encoding/json"
	"errors"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
)

// Control events owned by the gateway itself.
const (
	EventAuthenticate    = "authenticate"
	EventAuthenticated   = "authenticated"
	EventAck             = "ack"
	EventPing            = "ping"
	EventForceDisconnect = "force_disconnect"
)

// Reasons carried by force_disconnect.
const (
	ReasonPanicLock    = "panic_lock"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "server_shutdown"
)

// Ack error codes.
const (
	CodeNotAuthorized        = "not_authorized"
	CodeNotFound             = "not_found"
	CodeAuthenticationFailed = "authentication_failed"
	CodeStoreUnavailable     = "store_unavailable"
	CodeInvalidPayload       = "invalid_payload"
	CodeUnknownEvent         = "unknown_event"
	CodeInternal             = "internal"
)

// Close codes in the private-use range.
const (
	closeAuthFailed = 4001
	closeForced     = 4003
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Ack answers one inbound frame.
type Ack struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type authenticatedPayload struct {
	SessionID  string `json:"sessionId"`
	IdentityID string `json:"identityId"`
	DeviceID   string `json:"deviceId"`
}

type forceDisconnectPayload struct {
	Reason string `json:"reason"`
}

func encode(event string, id *int64, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, ID: id, Data: data})
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, common.ErrInvalidPayload
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, common.ErrInvalidPayload
	}
	return v, nil
}

// errorCode maps an error to its ack code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, common.ErrorUnauthorized):
		return CodeNotAuthorized
	case errors.Is(err, common.ErrorNotFound):
		return CodeNotFound
	case errors.Is(err, common.ErrAuthenticationFailed),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired):
		return CodeAuthenticationFailed
	case errors.Is(err, common.ErrTransientStore):
		return CodeStoreUnavailable
	case errors.Is(err, common.ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, common.ErrUnknownEvent):
		return CodeUnknownEvent
	default:
		return CodeInternal
	}
}

func errorAck(err error) Ack {
	code := errorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return Ack{Success: false, Error: msg, Code: code}
}
