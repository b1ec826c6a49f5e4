package client

// State is the connection state of a Reconciler.
type State int

const (
	// Connecting is the state before the first connection attempt
	// completes.
	Connecting State = iota

	// Connected means a snapshot was received and the mirror is live.
	Connected

	// Reconnecting means the connection was lost. The mirror is
	// discarded and attempts continue with backoff.
	Reconnecting

	// Disconnected is terminal; it is entered only on Dispose.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
