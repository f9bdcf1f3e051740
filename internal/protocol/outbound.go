package protocol

// Constructors for every outbound frame shape. Keeping these in one place
// pins the wire field names; handlers never assemble raw maps.

// Registered confirms a successful REGISTER.
func Registered(address, sessionID string) Frame {
	return Frame{"type": TypeRegistered, "address": address, "session_id": sessionID}
}

// RegisterFailed rejects a REGISTER with a reason from
// {address_in_use, invalid_address, auth_failed}.
func RegisterFailed(reason string) Frame {
	return Frame{"type": TypeRegisterFailed, "reason": reason}
}

// HeartbeatAck answers a HEARTBEAT with the exchange's clock in unix
// milliseconds.
func HeartbeatAck(timestampMs int64) Frame {
	return Frame{"type": TypeHeartbeatAck, "timestamp": timestampMs}
}

// Ring notifies a callee of an incoming call.
func Ring(from, callID string, metadata map[string]any) Frame {
	f := Frame{"type": TypeRing, "from": from, "call_id": callID}
	if metadata != nil {
		f["metadata"] = metadata
	}
	return f
}

// Connected notifies the caller that the callee accepted.
func Connected(callID, to string) Frame {
	return Frame{"type": TypeConnected, "call_id": callID, "to": to}
}

// Busy rejects a dial attempt toward `to` with a dial-time failure reason.
func Busy(to, reason string) Frame {
	return Frame{"type": TypeBusy, "to": to, "reason": reason}
}

// Hangup terminates a call. from is included when a third party (for
// broadcast, a leaving listener) caused the hangup; pass "" to omit.
func Hangup(callID, reason, from string) Frame {
	f := Frame{"type": TypeHangup, "call_id": callID, "reason": reason}
	if from != "" {
		f["from"] = from
	}
	return f
}

// Msg relays in-call data to a participant.
func Msg(callID, from string, data any, contentType string) Frame {
	return Frame{
		"type":         TypeMsg,
		"call_id":      callID,
		"from":         from,
		"data":         data,
		"content_type": contentType,
	}
}

// SleepPending warns a connection that it is about to be put to sleep.
func SleepPending(reason string, secondsUntilSleep float64) Frame {
	return Frame{"type": TypeSleepPending, "reason": reason, "seconds_until_sleep": secondsUntilSleep}
}

// PresenceEntry is one row of a PRESENCE_RESULT.
type PresenceEntry struct {
	Address  string         `json:"address"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PresenceResult answers a PRESENCE query.
func PresenceResult(entries []PresenceEntry) Frame {
	// Encode as []any so the frame round-trips through Encode/Decode the
	// same way a live transport would deliver it.
	addrs := make([]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{"address": e.Address, "status": e.Status}
		if e.Metadata != nil {
			m["metadata"] = e.Metadata
		}
		addrs = append(addrs, m)
	}
	return Frame{"type": TypePresenceResult, "addresses": addrs}
}

// Error reports a protocol-level failure. context names the offending frame
// type; detail is a human-readable explanation.
func Error(reason, context, detail string) Frame {
	return Frame{"type": TypeError, "reason": reason, "context": context, "detail": detail}
}

// RegisteredPBX confirms a peer's REGISTER_PBX.
func RegisteredPBX(domain string) Frame {
	return Frame{"type": TypeRegisteredPBX, "domain": domain}
}

// RegisterPBXFailed rejects a REGISTER_PBX.
func RegisterPBXFailed(reason string) Frame {
	return Frame{"type": TypeRegisterPBXFailed, "reason": reason}
}

// RegisterPBX builds the peer announcement frame sent (and injected) by the
// federation layer.
func RegisterPBX(domain string, routes []string, endpoint, auth string) Frame {
	rs := make([]any, 0, len(routes))
	for _, r := range routes {
		rs = append(rs, r)
	}
	f := Frame{"type": TypeRegisterPBX, "domain": domain, "routes": rs, "endpoint": endpoint}
	if auth != "" {
		f["auth"] = auth
	}
	return f
}

// Heartbeat builds a client-side HEARTBEAT, used by the federation peer.
func Heartbeat() Frame {
	return Frame{"type": TypeHeartbeat}
}

// DialRelay builds the DIAL forwarded across a federation link. Unlike a
// client DIAL it pins the call ID and the originating address so both
// routers track the same call.
func DialRelay(to, from, callID string, metadata map[string]any) Frame {
	f := Frame{"type": TypeDial, "to": to, "from": from, "call_id": callID}
	if metadata != nil {
		f["metadata"] = metadata
	}
	return f
}
