// Package agentsync is the headless client: it keeps a local replica of
// one document, synchronizes it with the server over websocket, and
// survives disconnects by editing locally and replaying on reconnect.
package agentsync

// State is the agent's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateSynced       State = "synced"
	StateReconnecting State = "reconnecting"
)

// Event drives state transitions.
type Event string

const (
	// EventDial fires when the agent starts a connection attempt.
	EventDial Event = "dial"
	// EventConnEstablished fires when the websocket handshake succeeds.
	EventConnEstablished Event = "conn_established"
	// EventSyncComplete fires when the state-vector exchange finishes.
	EventSyncComplete Event = "sync_complete"
	// EventTransportLost fires on any dial or read failure.
	EventTransportLost Event = "transport_lost"
	// EventStop fires when the agent shuts down.
	EventStop Event = "stop"
)

// nextState is the whole transition function. Unknown combinations keep
// the current state; local editing is legal in every state and never
// appears here.
func nextState(state State, event Event) State {
	if event == EventStop {
		return StateDisconnected
	}
	switch state {
	case StateDisconnected, StateReconnecting:
		if event == EventDial {
			return StateConnecting
		}
	case StateConnecting:
		switch event {
		case EventConnEstablished:
			return StateSyncing
		case EventTransportLost:
			return StateDisconnected
		}
	case StateSyncing:
		switch event {
		case EventSyncComplete:
			return StateSynced
		case EventTransportLost:
			return StateDisconnected
		}
	case StateSynced:
		if event == EventTransportLost {
			return StateReconnecting
		}
	}
	return state
}
