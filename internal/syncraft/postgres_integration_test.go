package syncraft

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYNCRAFT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SYNCRAFT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationCleanup(t *testing.T, dsn, docID string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("cleanup open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`DELETE FROM document_versions WHERE document_id = $1`, docID); err != nil {
		t.Fatalf("cleanup versions: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM documents WHERE id = $1`, docID); err != nil {
		t.Fatalf("cleanup documents: %v", err)
	}
}

func TestPostgresIntegrationContentRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	docID := "it-doc-" + t.Name()

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() {
		postgresIntegrationCleanup(t, dsn, docID)
		_ = store.Close()
	})

	ctx := context.Background()
	initial, err := store.GetDocumentContent(ctx, docID)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if initial != nil {
		t.Fatalf("expected nil content for unknown document, got %d bytes", len(initial))
	}

	if err := store.SetDocumentContent(ctx, docID, []byte("state-v1")); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.SetDocumentContent(ctx, docID, []byte("state-v2")); err != nil {
		t.Fatalf("upsert save: %v", err)
	}
	loaded, err := store.GetDocumentContent(ctx, docID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded) != "state-v2" {
		t.Fatalf("loaded content = %q, want %q", loaded, "state-v2")
	}
}

func TestPostgresIntegrationSnapshotHistory(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	docID := "it-doc-" + t.Name()

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() {
		postgresIntegrationCleanup(t, dsn, docID)
		_ = store.Close()
	})

	ctx := context.Background()
	auto, err := store.AppendSnapshot(ctx, docID, []byte("auto-state"), SnapshotOptions{IsAuto: true})
	if err != nil {
		t.Fatalf("append auto: %v", err)
	}
	named, err := store.AppendSnapshot(ctx, docID, []byte("named-state"), SnapshotOptions{Name: "milestone", AuthorID: "alice"})
	if err != nil {
		t.Fatalf("append named: %v", err)
	}

	metas, err := store.ListSnapshots(ctx, docID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(metas))
	}
	if metas[0].CreatedAt.Before(metas[1].CreatedAt) {
		t.Fatalf("snapshots not newest-first: %+v", metas)
	}
	for _, meta := range metas {
		switch meta.ID {
		case auto.ID:
			if !meta.IsAuto || meta.Name != "" {
				t.Fatalf("auto snapshot meta mismatch: %+v", meta)
			}
		case named.ID:
			if meta.IsAuto || meta.Name != "milestone" || meta.AuthorID != "alice" {
				t.Fatalf("named snapshot meta mismatch: %+v", meta)
			}
		default:
			t.Fatalf("unexpected snapshot %+v", meta)
		}
	}

	content, err := store.GetSnapshotContent(ctx, named.ID)
	if err != nil {
		t.Fatalf("snapshot content: %v", err)
	}
	if string(content) != "named-state" {
		t.Fatalf("snapshot content = %q, want %q", content, "named-state")
	}
	if _, err := store.GetSnapshotContent(ctx, "00000000-0000-0000-0000-000000000000"); err != ErrSnapshotNotFound {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}
