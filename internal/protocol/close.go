package protocol

// Application close codes sent when the exchange tears a connection down.
// The 4000 range is reserved for application use by RFC 6455.
const (
	CloseNormal          = 4000
	CloseTimeout         = 4001
	CloseSleep           = 4002
	CloseClientRequested = 4003
	CloseShutdown        = 4004
	ClosePeerDrop        = 4005
)

// CloseCode maps a disconnect reason to its close code.
func CloseCode(reason string) int {
	switch reason {
	case ReasonTimeout:
		return CloseTimeout
	case ReasonSleep:
		return CloseSleep
	case ReasonClientRequested:
		return CloseClientRequested
	case ReasonShutdown:
		return CloseShutdown
	case ReasonPeerDisconnected:
		return ClosePeerDrop
	default:
		return CloseNormal
	}
}
