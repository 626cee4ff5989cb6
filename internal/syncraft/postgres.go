package syncraft

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	content BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS document_versions (
	id UUID PRIMARY KEY,
	document_id TEXT NOT NULL,
	content BYTEA NOT NULL,
	version_name TEXT,
	is_auto_save BOOLEAN NOT NULL DEFAULT FALSE,
	author_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_document_versions_doc
	ON document_versions (document_id, created_at DESC);
`

// PostgresStore is the production ContentStore. The connection is opened
// lazily so constructing the store never blocks startup on the database.
type PostgresStore struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) GetDocumentContent(ctx context.Context, docID string) ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE id = $1`, docID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (s *PostgresStore) SetDocumentContent(ctx context.Context, docID string, state []byte) error {
	if docID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		docID, state)
	return err
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, docID string, state []byte, opts SnapshotOptions) (SnapshotMeta, error) {
	if docID == "" {
		return SnapshotMeta{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return SnapshotMeta{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	meta := SnapshotMeta{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Name:       opts.Name,
		IsAuto:     opts.IsAuto,
		AuthorID:   opts.AuthorID,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_versions
			(id, document_id, content, version_name, is_auto_save, author_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)`,
		meta.ID, docID, state, opts.Name, opts.IsAuto, opts.AuthorID, meta.CreatedAt)
	if err != nil {
		return SnapshotMeta{}, err
	}
	return meta, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, docID string) ([]SnapshotMeta, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(version_name, ''), is_auto_save,
			COALESCE(author_id, ''), created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SnapshotMeta, 0, 16)
	for rows.Next() {
		var meta SnapshotMeta
		if err := rows.Scan(&meta.ID, &meta.DocumentID, &meta.Name,
			&meta.IsAuto, &meta.AuthorID, &meta.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSnapshotContent(ctx context.Context, snapshotID string) ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM document_versions WHERE id = $1`, snapshotID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}
