// Package wsapi exposes the collaboration service over websocket plus a
// small REST surface for saves and version history.
package wsapi

import "encoding/json"

// Envelope message types. The sync exchange follows the usual two-step
// handshake: the client announces what it has, the server answers with
// what is missing, and sync_done marks the client caught up. After that
// both sides exchange incremental update envelopes.
const (
	TypeSyncStep1 = "sync_step1"
	TypeSyncStep2 = "sync_step2"
	TypeSyncDone  = "sync_done"
	TypeUpdate    = "update"
	TypePresence  = "presence"
)

// Envelope is the websocket wire frame. Payload carries the binary delta
// or state vector base64-encoded by encoding/json.
type Envelope struct {
	Type    string `json:"type"`
	Doc     string `json:"doc,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	// Presence carries awareness JSON for presence envelopes; it is
	// unused on sync and update envelopes.
	Presence json.RawMessage `json:"presence,omitempty"`
}

// PresenceNotice is the presence payload relayed between sessions. A nil
// State announces that the connection is gone.
type PresenceNotice struct {
	Conn  string          `json:"conn"`
	State json.RawMessage `json:"state,omitempty"`
}
