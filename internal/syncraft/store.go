package syncraft

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SnapshotMeta describes one row of a document's version history.
type SnapshotMeta struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Name       string    `json:"versionName,omitempty"`
	IsAuto     bool      `json:"isAutoSave"`
	AuthorID   string    `json:"authorId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SnapshotOptions controls SaveSnapshot.
type SnapshotOptions struct {
	IsAuto   bool
	Name     string
	AuthorID string
}

// ContentStore is the durable store collaborator. Writes are upsert-style
// and snapshot history is append-only; both tolerate duplicate delivery.
type ContentStore interface {
	// GetDocumentContent returns the baseline state, or nil when the
	// document has never been saved.
	GetDocumentContent(ctx context.Context, docID string) ([]byte, error)
	SetDocumentContent(ctx context.Context, docID string, state []byte) error
	AppendSnapshot(ctx context.Context, docID string, state []byte, opts SnapshotOptions) (SnapshotMeta, error)
	// ListSnapshots returns history newest first.
	ListSnapshots(ctx context.Context, docID string) ([]SnapshotMeta, error)
	GetSnapshotContent(ctx context.Context, snapshotID string) ([]byte, error)
}

// MemoryStore is an in-process ContentStore used by tests and by
// single-process deployments without a database.
type MemoryStore struct {
	mu        sync.Mutex
	content   map[string][]byte
	snapshots []memorySnapshot

	// FailWrites forces persistence errors, for exercising the error
	// propagation rules in tests.
	FailWrites bool
}

type memorySnapshot struct {
	meta  SnapshotMeta
	state []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{content: map[string][]byte{}}
}

func (s *MemoryStore) GetDocumentContent(_ context.Context, docID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.content[docID]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(state))
	copy(out, state)
	return out, nil
}

func (s *MemoryStore) SetDocumentContent(_ context.Context, docID string, state []byte) error {
	if docID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrPersistence
	}
	stored := make([]byte, len(state))
	copy(stored, state)
	s.content[docID] = stored
	return nil
}

func (s *MemoryStore) AppendSnapshot(_ context.Context, docID string, state []byte, opts SnapshotOptions) (SnapshotMeta, error) {
	if docID == "" {
		return SnapshotMeta{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return SnapshotMeta{}, ErrPersistence
	}
	meta := SnapshotMeta{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Name:       opts.Name,
		IsAuto:     opts.IsAuto,
		AuthorID:   opts.AuthorID,
		CreatedAt:  time.Now().UTC(),
	}
	stored := make([]byte, len(state))
	copy(stored, state)
	s.snapshots = append(s.snapshots, memorySnapshot{meta: meta, state: stored})
	return meta, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, docID string) ([]SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SnapshotMeta, 0, 8)
	for _, snap := range s.snapshots {
		if snap.meta.DocumentID == docID {
			out = append(out, snap.meta)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetSnapshotContent(_ context.Context, snapshotID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		if snap.meta.ID == snapshotID {
			out := make([]byte, len(snap.state))
			copy(out, snap.state)
			return out, nil
		}
	}
	return nil, ErrSnapshotNotFound
}
