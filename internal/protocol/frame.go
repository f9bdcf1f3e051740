// Package protocol defines the JSON frame vocabulary spoken between agents
// and the exchange. A frame is a single JSON object carrying a "type"
// discriminator plus type-specific fields; field access helpers keep the
// shape checks in one place so the router can reject malformed payloads
// without panicking on type assertions.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound frame types (agent or peer → exchange).
const (
	TypeRegister    = "REGISTER"
	TypeUnregister  = "UNREGISTER"
	TypeStatus      = "STATUS"
	TypeHeartbeat   = "HEARTBEAT"
	TypeDial        = "DIAL"
	TypeAnswer      = "ANSWER"
	TypeHangup      = "HANGUP"
	TypeMsg         = "MSG"
	TypePresence    = "PRESENCE"
	TypeSleepAck    = "SLEEP_ACK"
	TypeRegisterPBX = "REGISTER_PBX"
)

// Outbound frame types (exchange → agent or peer).
const (
	TypeRegistered        = "REGISTERED"
	TypeRegisterFailed    = "REGISTER_FAILED"
	TypeHeartbeatAck      = "HEARTBEAT_ACK"
	TypeRing              = "RING"
	TypeConnected         = "CONNECTED"
	TypeBusy              = "BUSY"
	TypeSleepPending      = "SLEEP_PENDING"
	TypePresenceResult    = "PRESENCE_RESULT"
	TypeError             = "ERROR"
	TypeRegisteredPBX     = "REGISTERED_PBX"
	TypeRegisterPBXFailed = "REGISTER_PBX_FAILED"
)

// Error and rejection reasons.
const (
	ReasonInvalidPayload = "invalid_payload"
	ReasonNotRegistered  = "not_registered"
	ReasonRateLimited    = "rate_limited"

	ReasonAddressInUse   = "address_in_use"
	ReasonInvalidAddress = "invalid_address"
	ReasonAuthFailed     = "auth_failed"

	ReasonNoSuchAddress       = "no_such_address"
	ReasonAlreadyInCall       = "already_in_call"
	ReasonDND                 = "dnd"
	ReasonAway                = "away"
	ReasonBusy                = "busy"
	ReasonMaxListenersReached = "max_listeners_reached"
	ReasonMaxSessionsReached  = "max_sessions_reached"
	ReasonTimeout             = "timeout"
	ReasonWakeFailed          = "wake_failed"
	ReasonCallerUnavailable   = "caller_unavailable"

	ReasonNormal           = "normal"
	ReasonPeerDisconnected = "peer_disconnected"
	ReasonSleep            = "sleep"
	ReasonClientRequested  = "client_requested"
	ReasonShutdown         = "shutdown"
	ReasonReconfigured     = "reconfigured"
	ReasonIdleTimeout      = "idle_timeout"
)

// Content types accepted on MSG frames.
const (
	ContentText   = "text"
	ContentJSON   = "json"
	ContentBinary = "binary"
)

// Frame is one protocol message: a decoded JSON object. The zero value is
// unusable; build outbound frames with the constructors below and decode
// inbound ones with Decode.
type Frame map[string]any

// Decode parses a raw JSON frame. It fails on anything that is not a JSON
// object with a non-empty string "type".
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type() == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return f, nil
}

// Encode serialises the frame back to JSON.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type(), err)
	}
	return data, nil
}

// Type returns the frame's type discriminator, or "" when absent.
func (f Frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

// Str returns a string field. ok is false when the field is absent or not
// a string.
func (f Frame) Str(key string) (s string, ok bool) {
	s, ok = f[key].(string)
	return s, ok
}

// Num returns a numeric field. JSON numbers decode as float64.
func (f Frame) Num(key string) (n float64, ok bool) {
	n, ok = f[key].(float64)
	return n, ok
}

// Bool returns a boolean field.
func (f Frame) Bool(key string) (b bool, ok bool) {
	b, ok = f[key].(bool)
	return b, ok
}

// Obj returns a nested object field.
func (f Frame) Obj(key string) (o map[string]any, ok bool) {
	o, ok = f[key].(map[string]any)
	return o, ok
}

// StrSlice returns an array-of-strings field. ok is false when the field
// is absent, not an array, or contains a non-string element.
func (f Frame) StrSlice(key string) ([]string, bool) {
	raw, ok := f[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Has reports whether the field is present at all, regardless of type.
func (f Frame) Has(key string) bool {
	_, ok := f[key]
	return ok
}
