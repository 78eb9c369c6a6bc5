package realtime

// State is the connection manager lifecycle state. Exactly one State exists
// per Manager.
type State int

const (
	// StateIdle means no connection exists and none is wanted.
	StateIdle State = iota
	// StateConnecting means the transport dial is in flight.
	StateConnecting
	// StateAwaitingAuth means the transport is open and the authenticate
	// exchange has not completed yet.
	StateAwaitingAuth
	// StateReady means the channel is authenticated and delivering events.
	StateReady
	// StateReconnecting means the connection dropped and a backoff retry
	// is scheduled.
	StateReconnecting
	// StateFailed means all reconnect attempts were exhausted. Only an
	// explicit Connect leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
