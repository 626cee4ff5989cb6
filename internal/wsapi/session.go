package wsapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/syncraft/syncraft/internal/crdt"
	"github.com/syncraft/syncraft/internal/syncraft"
)

const sendBuffer = 256

// session is one websocket connection editing one document. The read loop
// runs on the request goroutine; writePump is the only writer on the
// connection.
type session struct {
	server *Server
	conn   *websocket.Conn
	docID  string
	connID string

	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, docID string) {
	if docID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing document id")
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the refusal, including the 403 for a
		// disallowed origin.
		return
	}

	sess := &session{
		server: s,
		conn:   conn,
		docID:  docID,
		connID: uuid.NewString(),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	sess.run(r.Context())
}

func (sess *session) run(ctx context.Context) {
	s := sess.server
	// Subscribe before joining so no message published after the session
	// becomes visible can slip past the fanout.
	unsubscribe, err := s.registry.Bus().Subscribe(sess.docID, sess.fanout)
	if err != nil {
		log.Printf("ws %s: subscribe %s: %v", sess.connID, sess.docID, err)
		_ = sess.conn.Close()
		return
	}
	if _, err := s.registry.Join(ctx, sess.docID, sess.connID); err != nil {
		log.Printf("ws %s: join %s: %v", sess.connID, sess.docID, err)
		unsubscribe()
		_ = sess.conn.Close()
		return
	}
	activeConnections.Inc()
	go sess.writePump()

	sess.readLoop(ctx)

	sess.doneOnce.Do(func() { close(sess.done) })
	unsubscribe()
	s.registry.Leave(sess.docID, sess.connID)
	s.presence.ClearPresence(sess.docID, sess.connID)
	sess.broadcastPresenceGone()
	activeConnections.Dec()
	_ = sess.conn.Close()
}

func (sess *session) readLoop(ctx context.Context) {
	s := sess.server
	sess.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("ws %s: dropping malformed envelope: %v", sess.connID, err)
			continue
		}
		switch env.Type {
		case TypeSyncStep1:
			sess.handleSyncStep1(env.Payload)
		case TypeUpdate:
			if err := s.registry.Apply(ctx, sess.docID, sess.connID, env.Payload); err != nil {
				log.Printf("ws %s: dropping update for %s: %v", sess.connID, sess.docID, err)
			}
		case TypePresence:
			sess.handlePresence(ctx, env.Presence)
		default:
			log.Printf("ws %s: unknown envelope type %q", sess.connID, env.Type)
		}
	}
}

// handleSyncStep1 answers the client's state vector with the delta it is
// missing, then marks the exchange complete. The sync_done payload is the
// server's vector so the client can push its own missing operations.
func (sess *session) handleSyncStep1(payload []byte) {
	s := sess.server
	vector, err := crdt.DecodeStateVector(payload)
	if err != nil {
		log.Printf("ws %s: bad state vector: %v", sess.connID, err)
		return
	}
	delta, err := s.registry.Update(sess.docID, vector)
	if err != nil {
		log.Printf("ws %s: sync %s: %v", sess.connID, sess.docID, err)
		return
	}
	sess.enqueue(Envelope{Type: TypeSyncStep2, Doc: sess.docID, Payload: delta})
	serverVector, err := s.registry.StateVector(sess.docID)
	if err != nil {
		log.Printf("ws %s: sync %s: %v", sess.connID, sess.docID, err)
		return
	}
	sess.enqueue(Envelope{Type: TypeSyncDone, Doc: sess.docID, Payload: serverVector.Encode()})
}

func (sess *session) handlePresence(ctx context.Context, state json.RawMessage) {
	s := sess.server
	if err := s.presence.SetPresence(sess.docID, sess.connID, state); err != nil {
		log.Printf("ws %s: rejecting presence: %v", sess.connID, err)
		return
	}
	notice, err := json.Marshal(PresenceNotice{Conn: sess.connID, State: state})
	if err != nil {
		return
	}
	// Presence is transient; a lost relay publish is repaired by the next
	// heartbeat.
	if err := s.registry.Bus().Publish(ctx, syncraft.Message{
		DocID:   sess.docID,
		Class:   syncraft.ClassPresence,
		Payload: notice,
		Origin:  sess.connID,
	}); err != nil {
		log.Printf("ws %s: presence publish: %v", sess.connID, err)
	}
}

func (sess *session) broadcastPresenceGone() {
	notice, err := json.Marshal(PresenceNotice{Conn: sess.connID})
	if err != nil {
		return
	}
	if err := sess.server.registry.Bus().Publish(context.Background(), syncraft.Message{
		DocID:   sess.docID,
		Class:   syncraft.ClassPresence,
		Payload: notice,
		Origin:  sess.connID,
	}); err != nil {
		log.Printf("ws %s: presence clear publish: %v", sess.connID, err)
	}
}

// fanout forwards bus traffic to this connection. The session's own
// messages are filtered by origin id.
func (sess *session) fanout(msg syncraft.Message) {
	if msg.Origin == sess.connID {
		return
	}
	var env Envelope
	switch msg.Class {
	case syncraft.ClassUpdate:
		env = Envelope{Type: TypeUpdate, Doc: msg.DocID, Payload: msg.Payload}
	case syncraft.ClassPresence:
		env = Envelope{Type: TypePresence, Doc: msg.DocID, Presence: msg.Payload}
	default:
		return
	}
	sess.enqueue(env)
}

func (sess *session) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case sess.send <- data:
	case <-sess.done:
	default:
		// Slow consumer; drop the connection rather than block the bus.
		log.Printf("ws %s: send buffer full, closing", sess.connID)
		sess.doneOnce.Do(func() { close(sess.done) })
		_ = sess.conn.Close()
	}
}

func (sess *session) writePump() {
	for {
		select {
		case <-sess.done:
			_ = sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-sess.send:
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
