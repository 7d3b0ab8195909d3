package broker

// State is the connection state of a Manager.
type State string

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected State = "DISCONNECTED"
	// StateConnecting means a connection attempt is in flight.
	StateConnecting State = "CONNECTING"
	// StateConnected means the connection and channel are live.
	StateConnected State = "CONNECTED"
	// StateFailed means the last attempt failed; it holds until the next attempt starts.
	StateFailed State = "FAILED"
)

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}
