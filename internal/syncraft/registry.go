package syncraft

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncraft/syncraft/internal/crdt"
)

const defaultHydrateTimeout = 5 * time.Second

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Engine         crdt.Engine
	Store          ContentStore
	Bus            Bus
	HydrateTimeout time.Duration
}

// Registry owns every live replica on this process and the mapping from
// document id to connected sessions. It is created at process start and
// passed by reference; there is no package-level instance.
type Registry struct {
	engine         crdt.Engine
	store          ContentStore
	bus            Bus
	hydrateTimeout time.Duration
	processTag     string

	mu   sync.Mutex
	docs map[string]*document
}

// document pairs one replica with its local session set. The replica's own
// synchronization covers merges; docMu serializes the operations that must
// not interleave with merges at all (restore).
type document struct {
	id          string
	docMu       sync.Mutex
	doc         crdt.Doc
	sessions    map[string]struct{}
	dirty       bool
	unsubscribe func()
}

func NewRegistry(opts RegistryOptions) *Registry {
	engine := opts.Engine
	if engine == nil {
		engine = crdt.DefaultEngine()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewLocalBus()
	}
	hydrateTimeout := opts.HydrateTimeout
	if hydrateTimeout <= 0 {
		hydrateTimeout = defaultHydrateTimeout
	}
	return &Registry{
		engine:         engine,
		store:          opts.Store,
		bus:            bus,
		hydrateTimeout: hydrateTimeout,
		processTag:     uuid.NewString(),
		docs:           map[string]*document{},
	}
}

func (r *Registry) Bus() Bus { return r.bus }

// ensure returns the live document, hydrating it from the durable store
// when no replica exists on this process yet. Hydration is bounded by the
// registry's timeout; on failure with no live replica the document is
// reported unavailable rather than served empty.
func (r *Registry) ensure(ctx context.Context, docID string) (*document, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	r.mu.Lock()
	if d, ok := r.docs[docID]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, r.hydrateTimeout)
	defer cancel()
	var baseline []byte
	if r.store != nil {
		var err error
		baseline, err = r.store.GetDocumentContent(hctx, docID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
		}
	}
	site := crdt.SiteFromString(r.processTag + "/" + docID)
	replica, err := r.engine.Decode(site, baseline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[docID]; ok {
		// lost the race; the other hydration wins
		return d, nil
	}
	d := &document{id: docID, doc: replica, sessions: map[string]struct{}{}}
	unsubscribe, err := r.bus.Subscribe(docID, r.mergeHandler(d))
	if err != nil {
		return nil, err
	}
	d.unsubscribe = unsubscribe
	r.docs[docID] = d
	return d, nil
}

// mergeHandler merges relayed update deltas into the local replica. Deltas
// from this process's own sessions were already merged in Apply and are
// filtered by origin; merging them anyway would be a harmless no-op.
func (r *Registry) mergeHandler(d *document) Handler {
	return func(msg Message) {
		if msg.Class != ClassUpdate {
			return
		}
		d.docMu.Lock()
		_, local := d.sessions[msg.Origin]
		if !local {
			if err := d.doc.ApplyUpdate(msg.Payload); err != nil {
				log.Printf("doc %s: dropping relayed delta: %v", d.id, err)
			} else {
				d.dirty = true
				if n := d.doc.PendingOps(); n > 0 {
					log.Printf("doc %s: %d relayed operations waiting on missing dependencies", d.id, n)
				}
			}
		}
		d.docMu.Unlock()
	}
}

// Join registers a session and returns the full current state as the
// session's baseline.
func (r *Registry) Join(ctx context.Context, docID, connID string) ([]byte, error) {
	if connID == "" {
		return nil, ErrInvalidInput
	}
	d, err := r.ensure(ctx, docID)
	if err != nil {
		return nil, err
	}
	d.docMu.Lock()
	defer d.docMu.Unlock()
	d.sessions[connID] = struct{}{}
	return d.doc.EncodeState(), nil
}

// Leave drops a session. When the last session leaves and no unsynced
// writes remain the replica is evicted; the durable baseline is
// authoritative and the next Join reloads it.
func (r *Registry) Leave(docID, connID string) {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return
	}
	d.docMu.Lock()
	delete(d.sessions, connID)
	evict := len(d.sessions) == 0 && !d.dirty
	d.docMu.Unlock()
	if evict {
		r.evict(docID, d)
	}
}

func (r *Registry) evict(docID string, d *document) {
	r.mu.Lock()
	current, ok := r.docs[docID]
	if ok && current == d {
		delete(r.docs, docID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok && d.unsubscribe != nil {
		d.unsubscribe()
	}
}

// Apply merges a delta produced by a local session and fans it out.
func (r *Registry) Apply(ctx context.Context, docID, connID string, delta []byte) error {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	d.docMu.Lock()
	err := d.doc.ApplyUpdate(delta)
	if err == nil {
		d.dirty = true
	}
	d.docMu.Unlock()
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, Message{
		DocID:   docID,
		Class:   ClassUpdate,
		Payload: delta,
		Origin:  connID,
	})
}

// Update returns the delta a peer with the given state vector is missing.
func (r *Registry) Update(docID string, since crdt.StateVector) ([]byte, error) {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotSubscribed
	}
	return d.doc.Update(since), nil
}

// StateVector reports what this process's replica has seen.
func (r *Registry) StateVector(docID string) (crdt.StateVector, error) {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotSubscribed
	}
	return d.doc.StateVector(), nil
}

// EncodeState serializes the live replica, hydrating it if necessary so
// persistence operations work on documents nobody is currently editing.
func (r *Registry) EncodeState(ctx context.Context, docID string) ([]byte, error) {
	d, err := r.ensure(ctx, docID)
	if err != nil {
		return nil, err
	}
	return d.doc.EncodeState(), nil
}

// Checkpoint returns the serialized state together with the vector it
// covers, captured under the per-document lock so no edit lands between
// the two. Savers pass the vector back through MarkClean after the write.
func (r *Registry) Checkpoint(ctx context.Context, docID string) ([]byte, crdt.StateVector, error) {
	d, err := r.ensure(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	d.docMu.Lock()
	defer d.docMu.Unlock()
	return d.doc.EncodeState(), d.doc.StateVector(), nil
}

// ReleaseIfIdle evicts the replica when nothing holds it live: no
// sessions and no unsaved changes. Persistence paths that hydrate a
// document nobody is editing call this so the replica and its bus
// subscription do not outlive the operation.
func (r *Registry) ReleaseIfIdle(docID string) {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return
	}
	d.docMu.Lock()
	evict := len(d.sessions) == 0 && !d.dirty
	d.docMu.Unlock()
	if evict {
		r.evict(docID, d)
	}
}

// Text returns the live replica's visible content.
func (r *Registry) Text(ctx context.Context, docID string) (string, error) {
	d, err := r.ensure(ctx, docID)
	if err != nil {
		return "", err
	}
	return d.doc.Text(), nil
}

// Restore atomically replaces the live content with text, broadcasts the
// single combined delta, and returns the resulting canonical state. The
// per-document lock keeps concurrent session deltas from interleaving with
// the clear+insert, so no observer sees a half-cleared document.
func (r *Registry) Restore(ctx context.Context, docID, text string) ([]byte, error) {
	d, err := r.ensure(ctx, docID)
	if err != nil {
		return nil, err
	}
	d.docMu.Lock()
	delta, err := d.doc.ReplaceAll(text)
	var state []byte
	if err == nil {
		state = d.doc.EncodeState()
		d.dirty = true
	}
	d.docMu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := r.bus.Publish(ctx, Message{
		DocID:   docID,
		Class:   ClassUpdate,
		Payload: delta,
		Origin:  "restore/" + r.processTag,
	}); err != nil {
		log.Printf("doc %s: restore broadcast failed, relying on resync: %v", docID, err)
	}
	return state, nil
}

// MarkClean clears the dirty flag when the replica still matches the
// vector that was persisted; edits that raced the save keep it dirty.
// A clean replica with no sessions left is evicted here too, so
// persistence traffic on documents nobody is editing does not pin
// hydrated replicas and their bus subscriptions forever.
func (r *Registry) MarkClean(docID string, saved crdt.StateVector) {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return
	}
	d.docMu.Lock()
	current := d.doc.StateVector()
	if saved.Covers(current) {
		d.dirty = false
	}
	evict := len(d.sessions) == 0 && !d.dirty
	d.docMu.Unlock()
	if evict {
		r.evict(docID, d)
	}
}

// DirtyDocs lists documents with unsaved changes, for the background
// autosave sweep.
func (r *Registry) DirtyDocs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for id, d := range r.docs {
		d.docMu.Lock()
		if d.dirty {
			out = append(out, id)
		}
		d.docMu.Unlock()
	}
	return out
}

// SessionCount reports connected sessions for a document on this process.
func (r *Registry) SessionCount(docID string) int {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	d.docMu.Lock()
	defer d.docMu.Unlock()
	return len(d.sessions)
}

// Close tears down every subscription. Replica state is discarded; the
// durable store holds the authoritative baseline.
func (r *Registry) Close() {
	r.mu.Lock()
	docs := r.docs
	r.docs = map[string]*document{}
	r.mu.Unlock()
	for _, d := range docs {
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
	}
}
