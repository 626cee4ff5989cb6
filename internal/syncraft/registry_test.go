package syncraft

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/syncraft/syncraft/internal/crdt"
)

// clientReplica simulates a connected editor: it decodes the baseline the
// registry hands out, edits locally, and sends deltas through Apply.
type clientReplica struct {
	doc crdt.Doc
}

func joinClient(t *testing.T, r *Registry, docID, connID string, site uint64) *clientReplica {
	t.Helper()
	baseline, err := r.Join(context.Background(), docID, connID)
	if err != nil {
		t.Fatalf("join %s/%s: %v", docID, connID, err)
	}
	doc, err := crdt.DefaultEngine().Decode(site, baseline)
	if err != nil {
		t.Fatalf("decode baseline: %v", err)
	}
	return &clientReplica{doc: doc}
}

func (c *clientReplica) insert(t *testing.T, index int, text string) []byte {
	t.Helper()
	delta, err := c.doc.InsertAt(index, text)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return delta
}

func seedStore(t *testing.T, store ContentStore, docID, text string) {
	t.Helper()
	doc := crdt.DefaultEngine().New(997)
	if _, err := doc.InsertAt(0, text); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if err := store.SetDocumentContent(context.Background(), docID, doc.EncodeState()); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func TestJoinHydratesFromStore(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, "doc-1", "hello")
	r := NewRegistry(RegistryOptions{Store: store})
	defer r.Close()

	client := joinClient(t, r, "doc-1", "conn-1", 11)
	if got := client.doc.Text(); got != "hello" {
		t.Fatalf("expected baseline %q, got %q", "hello", got)
	}
	text, err := r.Text(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "hello" {
		t.Fatalf("live replica text = %q, want %q", text, "hello")
	}
}

func TestJoinReportsUnavailableStore(t *testing.T) {
	r := NewRegistry(RegistryOptions{Store: failingReadStore{}})
	defer r.Close()

	if _, err := r.Join(context.Background(), "doc-1", "conn-1"); !errors.Is(err, ErrDocumentUnavailable) {
		t.Fatalf("expected ErrDocumentUnavailable, got %v", err)
	}
}

type failingReadStore struct{ ContentStore }

func (failingReadStore) GetDocumentContent(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("store down")
}

func TestApplyFansOutAcrossRegistries(t *testing.T) {
	bus := NewLocalBus()
	store := NewMemoryStore()
	a := NewRegistry(RegistryOptions{Store: store, Bus: bus})
	b := NewRegistry(RegistryOptions{Store: store, Bus: bus})
	defer a.Close()
	defer b.Close()

	alice := joinClient(t, a, "doc-1", "conn-alice", 21)
	if _, err := b.Join(context.Background(), "doc-1", "conn-bob"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	delta := alice.insert(t, 0, "hello")
	if err := a.Apply(context.Background(), "doc-1", "conn-alice", delta); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for name, r := range map[string]*Registry{"a": a, "b": b} {
		text, err := r.Text(context.Background(), "doc-1")
		if err != nil {
			t.Fatalf("text on %s: %v", name, err)
		}
		if text != "hello" {
			t.Fatalf("registry %s text = %q, want %q", name, text, "hello")
		}
	}
}

func TestApplyRequiresLiveReplica(t *testing.T) {
	r := NewRegistry(RegistryOptions{Store: NewMemoryStore()})
	defer r.Close()
	if err := r.Apply(context.Background(), "doc-1", "conn-1", nil); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestLeaveEvictsCleanReplicaOnly(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, "doc-clean", "abc")
	r := NewRegistry(RegistryOptions{Store: store})
	defer r.Close()

	joinClient(t, r, "doc-clean", "conn-1", 31)
	r.Leave("doc-clean", "conn-1")
	if _, err := r.StateVector("doc-clean"); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("clean replica should be evicted after last leave, got %v", err)
	}

	client := joinClient(t, r, "doc-dirty", "conn-2", 32)
	delta := client.insert(t, 0, "x")
	if err := r.Apply(context.Background(), "doc-dirty", "conn-2", delta); err != nil {
		t.Fatalf("apply: %v", err)
	}
	r.Leave("doc-dirty", "conn-2")
	if _, err := r.StateVector("doc-dirty"); err != nil {
		t.Fatalf("dirty replica must survive last leave until saved: %v", err)
	}
	if dirty := r.DirtyDocs(); len(dirty) != 1 || dirty[0] != "doc-dirty" {
		t.Fatalf("expected doc-dirty in dirty set, got %v", dirty)
	}
}

func TestUpdateReturnsMissingDelta(t *testing.T) {
	r := NewRegistry(RegistryOptions{Store: NewMemoryStore()})
	defer r.Close()

	client := joinClient(t, r, "doc-1", "conn-1", 41)
	before := client.doc.StateVector()
	if err := r.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "hi")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	delta, err := r.Update("doc-1", before)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	peer := crdt.DefaultEngine().New(42)
	if err := peer.ApplyUpdate(delta); err != nil {
		t.Fatalf("peer apply: %v", err)
	}
	if peer.Text() != "hi" {
		t.Fatalf("peer text = %q, want %q", peer.Text(), "hi")
	}

	caught, err := r.StateVector("doc-1")
	if err != nil {
		t.Fatalf("state vector: %v", err)
	}
	empty, err := r.Update("doc-1", caught)
	if err != nil {
		t.Fatalf("update caught-up: %v", err)
	}
	scratch := crdt.DefaultEngine().New(43)
	if err := scratch.ApplyUpdate(empty); err != nil {
		t.Fatalf("empty delta apply: %v", err)
	}
	if scratch.Len() != 0 {
		t.Fatalf("caught-up delta should carry no visible ops")
	}
}

func TestRestoreReplacesContentAtomically(t *testing.T) {
	bus := NewLocalBus()
	r := NewRegistry(RegistryOptions{Store: NewMemoryStore(), Bus: bus})
	defer r.Close()

	client := joinClient(t, r, "doc-1", "conn-1", 51)
	if err := r.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "current text")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var relayed []Message
	unsub, err := bus.Subscribe("doc-1", func(m Message) { relayed = append(relayed, m) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	state, err := r.Restore(context.Background(), "doc-1", "old text")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	text, err := r.Text(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "old text" {
		t.Fatalf("restored text = %q, want %q", text, "old text")
	}
	if len(relayed) != 1 {
		t.Fatalf("restore must broadcast exactly one delta, got %d messages", len(relayed))
	}

	// A session replica that only applies the broadcast delta converges on
	// the restored content without reloading.
	if err := client.doc.ApplyUpdate(relayed[0].Payload); err != nil {
		t.Fatalf("client apply restore delta: %v", err)
	}
	if client.doc.Text() != "old text" {
		t.Fatalf("client text after restore delta = %q, want %q", client.doc.Text(), "old text")
	}

	decoded, err := crdt.DefaultEngine().Decode(52, state)
	if err != nil {
		t.Fatalf("decode restored state: %v", err)
	}
	if decoded.Text() != "old text" {
		t.Fatalf("restored state text = %q, want %q", decoded.Text(), "old text")
	}
}

func TestMarkCleanLosesRaceToNewEdits(t *testing.T) {
	r := NewRegistry(RegistryOptions{Store: NewMemoryStore()})
	defer r.Close()

	client := joinClient(t, r, "doc-1", "conn-1", 61)
	if err := r.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "a")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	saved, err := r.StateVector("doc-1")
	if err != nil {
		t.Fatalf("state vector: %v", err)
	}

	// An edit lands after the save captured its vector.
	if err := r.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 1, "b")); err != nil {
		t.Fatalf("apply second: %v", err)
	}
	r.MarkClean("doc-1", saved)
	if dirty := r.DirtyDocs(); len(dirty) != 1 {
		t.Fatalf("document with unsaved edits must stay dirty, got %v", dirty)
	}

	current, err := r.StateVector("doc-1")
	if err != nil {
		t.Fatalf("state vector: %v", err)
	}
	r.MarkClean("doc-1", current)
	if dirty := r.DirtyDocs(); len(dirty) != 0 {
		t.Fatalf("document should be clean after covering save, got %v", dirty)
	}
}
