package agentsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/syncraft/syncraft/internal/crdt"
	"github.com/syncraft/syncraft/internal/syncraft"
	"github.com/syncraft/syncraft/internal/wsapi"
)

const defaultHeartbeat = 10 * time.Second

type Options struct {
	// ServerURL is the websocket base, e.g. ws://localhost:8080.
	ServerURL string
	DocID     string
	CachePath string
	// UserName labels this agent in presence broadcasts.
	UserName string
	// Heartbeat is the presence re-assert interval while connected.
	Heartbeat time.Duration
	// MaxReconnectInterval caps the exponential reconnect backoff.
	MaxReconnectInterval time.Duration
}

// Agent keeps one document replica in sync with a server. All editing
// methods work in every connection state; disconnected edits land in the
// local replica and cache and flow out through the next sync handshake.
type Agent struct {
	opts   Options
	cache  *Cache
	id     string
	engine crdt.Engine

	mu    sync.Mutex
	doc   crdt.Doc
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(opts Options) (*Agent, error) {
	if opts.ServerURL == "" || opts.DocID == "" || opts.CachePath == "" {
		return nil, syncraft.ErrInvalidInput
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	cache, err := OpenCache(opts.CachePath)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	id, err := cache.AgentID()
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("agent id: %w", err)
	}
	engine := crdt.DefaultEngine()
	state, err := cache.LoadReplica(opts.DocID)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("load replica: %w", err)
	}
	doc, err := engine.Decode(crdt.SiteFromString(id), state)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("decode cached replica: %w", err)
	}
	if opts.UserName == "" {
		opts.UserName = "agent-" + id[:8]
	}
	return &Agent{
		opts:    opts,
		cache:   cache,
		id:      id,
		engine:  engine,
		doc:     doc,
		state:   StateDisconnected,
		stopped: make(chan struct{}),
	}, nil
}

// State reports the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Text()
}

// InsertAt edits the local replica. When synced the delta goes out
// immediately; otherwise it waits for the next handshake.
func (a *Agent) InsertAt(index int, text string) error {
	a.mu.Lock()
	delta, err := a.doc.InsertAt(index, text)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.persistLocked()
	conn, synced := a.conn, a.state == StateSynced
	a.mu.Unlock()
	if synced {
		a.sendUpdate(conn, delta)
	}
	return nil
}

func (a *Agent) DeleteAt(index, count int) error {
	a.mu.Lock()
	delta, err := a.doc.DeleteAt(index, count)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.persistLocked()
	conn, synced := a.conn, a.state == StateSynced
	a.mu.Unlock()
	if synced {
		a.sendUpdate(conn, delta)
	}
	return nil
}

func (a *Agent) persistLocked() {
	if err := a.cache.SaveReplica(a.opts.DocID, a.doc.EncodeState()); err != nil {
		log.Printf("agent %s: persist replica: %v", a.id, err)
	}
}

func (a *Agent) transition(event Event) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = nextState(a.state, event)
	return a.state
}

// Run connects and keeps the document synchronized until ctx is
// cancelled. Dial and read failures back off exponentially; local editing
// is never blocked by the connection lifecycle.
func (a *Agent) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	if a.opts.MaxReconnectInterval > 0 {
		policy.MaxInterval = a.opts.MaxReconnectInterval
	}
	for {
		select {
		case <-ctx.Done():
			a.transition(EventStop)
			return ctx.Err()
		case <-a.stopped:
			a.transition(EventStop)
			return nil
		default:
		}

		a.transition(EventDial)
		err := a.connectAndSync(ctx, policy)
		if err != nil && ctx.Err() == nil {
			log.Printf("agent %s: connection lost: %v", a.id, err)
		}
		a.transition(EventTransportLost)

		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			a.transition(EventStop)
			return ctx.Err()
		case <-a.stopped:
			a.transition(EventStop)
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *Agent) connectAndSync(ctx context.Context, policy *backoff.ExponentialBackOff) error {
	url := a.opts.ServerURL + "/ws/" + a.opts.DocID
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	a.transition(EventConnEstablished)

	a.mu.Lock()
	a.conn = conn
	vector := a.doc.StateVector()
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	if err := a.writeEnvelope(conn, wsapi.Envelope{
		Type:    wsapi.TypeSyncStep1,
		Doc:     a.opts.DocID,
		Payload: vector.Encode(),
	}); err != nil {
		return err
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var env wsapi.Envelope
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("agent %s: dropping malformed envelope: %v", a.id, err)
			continue
		}
		switch env.Type {
		case wsapi.TypeSyncStep2:
			a.mu.Lock()
			err := a.doc.ApplyUpdate(env.Payload)
			if err == nil {
				a.persistLocked()
			}
			a.mu.Unlock()
			if err != nil {
				return fmt.Errorf("apply sync delta: %w", err)
			}
		case wsapi.TypeSyncDone:
			if err := a.finishSync(conn, env.Payload); err != nil {
				return err
			}
			policy.Reset()
			go a.heartbeat(conn, heartbeatDone)
		case wsapi.TypeUpdate:
			a.mu.Lock()
			if err := a.doc.ApplyUpdate(env.Payload); err != nil {
				log.Printf("agent %s: dropping remote update: %v", a.id, err)
			} else {
				a.persistLocked()
			}
			a.mu.Unlock()
		case wsapi.TypePresence:
			// Peer cursors are not rendered by a headless agent.
		default:
			log.Printf("agent %s: unknown envelope type %q", a.id, env.Type)
		}
	}
}

// finishSync pushes every local operation the server is missing, using
// the server vector carried by sync_done. This is where offline edits
// replay. The delta computation and the transition to Synced happen
// under one lock acquisition: an edit that lands before it is included
// in the replay delta, an edit that lands after it sees Synced and
// sends itself. No edit may slip through both paths.
func (a *Agent) finishSync(conn *websocket.Conn, serverVector []byte) error {
	vector, err := crdt.DecodeStateVector(serverVector)
	if err != nil {
		return fmt.Errorf("sync_done vector: %w", err)
	}
	a.mu.Lock()
	delta := a.doc.Update(vector)
	a.state = nextState(a.state, EventSyncComplete)
	a.mu.Unlock()
	return a.writeEnvelope(conn, wsapi.Envelope{
		Type:    wsapi.TypeUpdate,
		Doc:     a.opts.DocID,
		Payload: delta,
	})
}

func (a *Agent) heartbeat(conn *websocket.Conn, done chan struct{}) {
	state, err := json.Marshal(map[string]any{
		"user": map[string]string{
			"name":  a.opts.UserName,
			"color": syncraft.DisplayColor(a.id),
		},
	})
	if err != nil {
		return
	}
	send := func() {
		if err := a.writeEnvelope(conn, wsapi.Envelope{
			Type:     wsapi.TypePresence,
			Doc:      a.opts.DocID,
			Presence: state,
		}); err != nil {
			log.Printf("agent %s: presence heartbeat: %v", a.id, err)
		}
	}
	send()
	ticker := time.NewTicker(a.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			send()
		}
	}
}

func (a *Agent) sendUpdate(conn *websocket.Conn, delta []byte) {
	if conn == nil {
		return
	}
	if err := a.writeEnvelope(conn, wsapi.Envelope{
		Type:    wsapi.TypeUpdate,
		Doc:     a.opts.DocID,
		Payload: delta,
	}); err != nil {
		log.Printf("agent %s: send update: %v", a.id, err)
	}
}

func (a *Agent) writeEnvelope(conn *websocket.Conn, env wsapi.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops Run and releases the cache.
func (a *Agent) Close() error {
	a.stopOnce.Do(func() { close(a.stopped) })
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return a.cache.Close()
}
