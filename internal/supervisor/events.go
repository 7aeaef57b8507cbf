package supervisor

import "time"

// EventKind tags a supervisor status event
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnected
	// EventReconnecting carries the backoff delay before the next attempt
	EventReconnecting
	// EventAuthFailed means the credentials were rejected too many times
	EventAuthFailed
	// EventAborted means an attempt could not be made or cannot succeed
	EventAborted
	// EventExhausted means the reconnect limit was reached
	EventExhausted
	EventIdle
	EventNetworkChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventAuthFailed:
		return "auth failed"
	case EventAborted:
		return "aborted"
	case EventExhausted:
		return "exhausted"
	case EventIdle:
		return "idle"
	case EventNetworkChanged:
		return "network changed"
	default:
		return "unknown"
	}
}

// Event is a supervisor status change
type Event struct {
	Kind    EventKind
	State   State
	Network string
	Err     error
	Delay   time.Duration
}
