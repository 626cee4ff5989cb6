package syncraft

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/syncraft/syncraft/internal/crdt"
)

const defaultAutosaveInterval = 15 * time.Second

// Versions layers durable baselines and named snapshots on top of the
// live registry. Explicit saves also record an automatic snapshot so the
// history never has gaps around user-visible save points.
type Versions struct {
	registry *Registry
	store    ContentStore
	engine   crdt.Engine
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewVersions(registry *Registry, store ContentStore, engine crdt.Engine, interval time.Duration) *Versions {
	if engine == nil {
		engine = crdt.DefaultEngine()
	}
	if interval <= 0 {
		interval = defaultAutosaveInterval
	}
	return &Versions{
		registry: registry,
		store:    store,
		engine:   engine,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// SaveCurrentState persists the live replica as the document baseline and
// chains an automatic snapshot. A failed snapshot does not fail the save;
// the baseline write is the durability guarantee, the snapshot is history.
func (v *Versions) SaveCurrentState(ctx context.Context, docID string) error {
	// State and vector are captured together. An edit that lands after
	// the capture is not covered by the vector, so the document stays
	// dirty and the next sweep saves again.
	state, vector, err := v.registry.Checkpoint(ctx, docID)
	if err != nil {
		return err
	}
	if err := v.store.SetDocumentContent(ctx, docID, state); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistence, docID, err)
	}
	v.registry.MarkClean(docID, vector)
	if _, err := v.store.AppendSnapshot(ctx, docID, state, SnapshotOptions{IsAuto: true}); err != nil {
		log.Printf("doc %s: auto snapshot after save failed: %v", docID, err)
	}
	return nil
}

// SaveSnapshot records a manual snapshot of the live replica. Unlike the
// chained automatic snapshot, a manual snapshot failure propagates.
func (v *Versions) SaveSnapshot(ctx context.Context, docID string, opts SnapshotOptions) (SnapshotMeta, error) {
	if opts.Name == "" {
		opts.Name = "Snapshot " + time.Now().UTC().Format(time.RFC3339)
	}
	state, err := v.registry.EncodeState(ctx, docID)
	if err != nil {
		return SnapshotMeta{}, err
	}
	// The snapshot works on the captured copy; a replica hydrated just
	// for it is released right away.
	v.registry.ReleaseIfIdle(docID)
	meta, err := v.store.AppendSnapshot(ctx, docID, state, opts)
	if err != nil {
		return SnapshotMeta{}, fmt.Errorf("%w: snapshot %s: %v", ErrPersistence, docID, err)
	}
	return meta, nil
}

// ListSnapshots returns snapshot history for a document, newest first.
func (v *Versions) ListSnapshots(ctx context.Context, docID string) ([]SnapshotMeta, error) {
	metas, err := v.store.ListSnapshots(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrPersistence, docID, err)
	}
	return metas, nil
}

// Restore rewinds the live document to a snapshot's content. The snapshot
// is decoded into a scratch replica first; a missing or corrupt snapshot
// leaves the live document untouched. The restored text enters the live
// replica as ordinary edits, so connected sessions converge on it without
// reloading.
func (v *Versions) Restore(ctx context.Context, docID, snapshotID string) ([]byte, error) {
	content, err := v.store.GetSnapshotContent(ctx, snapshotID)
	if err != nil {
		return nil, &RestoreError{SnapshotID: snapshotID, Err: err}
	}
	scratch, err := v.engine.Decode(1, content)
	if err != nil {
		return nil, &RestoreError{SnapshotID: snapshotID, Err: err}
	}
	state, err := v.registry.Restore(ctx, docID, scratch.Text())
	if err != nil {
		return nil, &RestoreError{SnapshotID: snapshotID, Err: err}
	}
	if err := v.store.SetDocumentContent(ctx, docID, state); err != nil {
		// The live restore already happened. The document stays dirty,
		// so the autosave sweep persists the new baseline.
		log.Printf("doc %s: baseline write after restore failed: %v", docID, err)
		return state, nil
	}
	if saved, err := v.engine.Decode(1, state); err == nil {
		v.registry.MarkClean(docID, saved.StateVector())
	}
	return state, nil
}

// StartAutosave runs the background sweep that persists dirty documents.
func (v *Versions) StartAutosave() {
	go func() {
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-v.stop:
				return
			case <-ticker.C:
				for _, docID := range v.registry.DirtyDocs() {
					ctx, cancel := context.WithTimeout(context.Background(), v.interval)
					if err := v.SaveCurrentState(ctx, docID); err != nil {
						log.Printf("doc %s: autosave failed: %v", docID, err)
					}
					cancel()
				}
			}
		}
	}()
}

func (v *Versions) Close() {
	v.stopOnce.Do(func() { close(v.stop) })
}
