package syncraft

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/syncraft/syncraft/internal/crdt"
)

func newVersionsFixture(t *testing.T) (*Registry, *MemoryStore, *Versions) {
	t.Helper()
	store := NewMemoryStore()
	registry := NewRegistry(RegistryOptions{Store: store})
	t.Cleanup(registry.Close)
	versions := NewVersions(registry, store, crdt.DefaultEngine(), time.Minute)
	t.Cleanup(versions.Close)
	return registry, store, versions
}

func TestSaveCurrentStateRoundTrips(t *testing.T) {
	registry, store, versions := newVersionsFixture(t)

	client := joinClient(t, registry, "doc-1", "conn-1", 71)
	if err := registry.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "draft one")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := versions.SaveCurrentState(context.Background(), "doc-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if dirty := registry.DirtyDocs(); len(dirty) != 0 {
		t.Fatalf("document should be clean after save, got %v", dirty)
	}

	// A fresh process hydrating from the store sees the saved text.
	other := NewRegistry(RegistryOptions{Store: store})
	defer other.Close()
	text, err := other.Text(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("text on fresh registry: %v", err)
	}
	if text != "draft one" {
		t.Fatalf("reloaded text = %q, want %q", text, "draft one")
	}

	// The explicit save chained an automatic snapshot.
	metas, err := versions.ListSnapshots(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 1 || !metas[0].IsAuto {
		t.Fatalf("expected one automatic snapshot, got %+v", metas)
	}
}

func TestSaveWithoutSessionsReleasesReplica(t *testing.T) {
	registry, store, versions := newVersionsFixture(t)

	// Edit and disconnect, leaving a dirty replica with no sessions.
	client := joinClient(t, registry, "doc-1", "conn-1", 72)
	if err := registry.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "parting words")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	registry.Leave("doc-1", "conn-1")

	// The autosave path persists it. With nothing connected the replica
	// must be released, not kept hydrated and subscribed indefinitely.
	if err := versions.SaveCurrentState(context.Background(), "doc-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := registry.StateVector("doc-1"); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("replica still live after session-less save, err = %v", err)
	}
	if state, err := store.GetDocumentContent(context.Background(), "doc-1"); err != nil || state == nil {
		t.Fatalf("baseline missing after save: state=%v err=%v", state, err)
	}

	// Same for persistence traffic on a document this process never
	// served: hydrate for the save, save, release.
	if err := store.SetDocumentContent(context.Background(), "doc-2", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := versions.SaveCurrentState(context.Background(), "doc-2"); err != nil {
		t.Fatalf("save cold doc: %v", err)
	}
	if _, err := registry.StateVector("doc-2"); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("cold replica still live after save, err = %v", err)
	}
}

// snapshotFailStore lets the baseline write succeed while version history
// writes fail.
type snapshotFailStore struct {
	*MemoryStore
}

func (s snapshotFailStore) AppendSnapshot(context.Context, string, []byte, SnapshotOptions) (SnapshotMeta, error) {
	return SnapshotMeta{}, fmt.Errorf("versions table unavailable")
}

func TestChainedSnapshotFailureDoesNotFailSave(t *testing.T) {
	inner := NewMemoryStore()
	store := snapshotFailStore{MemoryStore: inner}
	registry := NewRegistry(RegistryOptions{Store: store})
	defer registry.Close()
	versions := NewVersions(registry, store, crdt.DefaultEngine(), time.Minute)
	defer versions.Close()

	client := joinClient(t, registry, "doc-1", "conn-1", 72)
	if err := registry.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "text")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := versions.SaveCurrentState(context.Background(), "doc-1"); err != nil {
		t.Fatalf("save must succeed when only the snapshot fails: %v", err)
	}
	baseline, err := inner.GetDocumentContent(context.Background(), "doc-1")
	if err != nil || baseline == nil {
		t.Fatalf("baseline missing after save: %v", err)
	}
}

func TestManualSnapshotNameAndFailure(t *testing.T) {
	registry, store, versions := newVersionsFixture(t)

	client := joinClient(t, registry, "doc-1", "conn-1", 73)
	if err := registry.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "v1")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	named, err := versions.SaveSnapshot(context.Background(), "doc-1", SnapshotOptions{Name: "before rewrite", AuthorID: "alice"})
	if err != nil {
		t.Fatalf("named snapshot: %v", err)
	}
	if named.Name != "before rewrite" || named.IsAuto || named.AuthorID != "alice" {
		t.Fatalf("unexpected snapshot meta: %+v", named)
	}

	unnamed, err := versions.SaveSnapshot(context.Background(), "doc-1", SnapshotOptions{})
	if err != nil {
		t.Fatalf("unnamed snapshot: %v", err)
	}
	if !strings.HasPrefix(unnamed.Name, "Snapshot ") {
		t.Fatalf("default name %q missing timestamp label", unnamed.Name)
	}

	store.FailWrites = true
	if _, err := versions.SaveSnapshot(context.Background(), "doc-1", SnapshotOptions{}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("manual snapshot failure must propagate, got %v", err)
	}
}

func TestRestoreRewindsLiveDocument(t *testing.T) {
	registry, store, versions := newVersionsFixture(t)

	client := joinClient(t, registry, "doc-1", "conn-1", 74)
	if err := registry.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "first draft")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap, err := versions.SaveSnapshot(context.Background(), "doc-1", SnapshotOptions{Name: "draft"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := registry.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 11, " plus edits")); err != nil {
		t.Fatalf("apply second: %v", err)
	}

	state, err := versions.Restore(context.Background(), "doc-1", snap.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	text, err := registry.Text(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "first draft" {
		t.Fatalf("restored text = %q, want %q", text, "first draft")
	}

	// The new baseline was persisted and matches the live replica.
	baseline, err := store.GetDocumentContent(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if string(baseline) != string(state) {
		t.Fatalf("persisted baseline does not match restored state")
	}
	if dirty := registry.DirtyDocs(); len(dirty) != 0 {
		t.Fatalf("restored document should be clean, got %v", dirty)
	}

	// Restoring never deletes history: the named row survives, and a
	// later save appends alongside it.
	if err := versions.SaveCurrentState(context.Background(), "doc-1"); err != nil {
		t.Fatalf("save after restore: %v", err)
	}
	metas, err := versions.ListSnapshots(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var sawNamed, sawAuto bool
	for _, meta := range metas {
		if meta.ID == snap.ID {
			sawNamed = true
		}
		if meta.IsAuto {
			sawAuto = true
		}
	}
	if !sawNamed || !sawAuto {
		t.Fatalf("history incomplete after restore: %+v", metas)
	}
}

func TestRestoreFailuresLeaveDocumentUntouched(t *testing.T) {
	registry, store, versions := newVersionsFixture(t)

	client := joinClient(t, registry, "doc-1", "conn-1", 75)
	if err := registry.Apply(context.Background(), "doc-1", "conn-1", client.insert(t, 0, "live text")); err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, err := versions.Restore(context.Background(), "doc-1", "no-such-snapshot")
	if !errors.Is(err, ErrRestore) || !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected restore error wrapping ErrSnapshotNotFound, got %v", err)
	}

	// A snapshot whose stored bytes do not decode fails the same way.
	corrupt, err := store.AppendSnapshot(context.Background(), "doc-1", []byte{0xff, 0x01, 0x02}, SnapshotOptions{})
	if err != nil {
		t.Fatalf("append corrupt: %v", err)
	}
	if _, err := versions.Restore(context.Background(), "doc-1", corrupt.ID); !errors.Is(err, ErrRestore) {
		t.Fatalf("expected ErrRestore for corrupt snapshot, got %v", err)
	}

	text, err := registry.Text(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text != "live text" {
		t.Fatalf("failed restore must not change the document, got %q", text)
	}
}
