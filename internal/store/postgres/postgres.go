// Package postgres is the server's document store. Upserts lock the document
// row for the duration of the version check and the write.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	selectDocumentSQL = `SELECT id, title, owner_id, state, text_content, last_edited_by, version, updated_at FROM documents WHERE id = $1`
	lockMetaSQL       = `SELECT version, saves_since_snapshot, last_snapshot_at FROM documents WHERE id = $1 FOR UPDATE`
	insertDocumentSQL = `INSERT INTO documents (id, title, owner_id, state, text_content, last_edited_by, version, saves_since_snapshot, last_snapshot_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING`
	selectVersionSQL  = `SELECT version FROM documents WHERE id = $1`
	updateDocumentSQL = `UPDATE documents SET title = COALESCE(NULLIF($2, ''), title), state = $3, text_content = $4, last_edited_by = $5, version = $6, saves_since_snapshot = $7, last_snapshot_at = $8, updated_at = $9 WHERE id = $1`
	insertSnapshotSQL = `INSERT INTO document_snapshots (document_id, version, state, text_content, created_at) VALUES ($1, $2, $3, $4, $5)`
	listSnapshotsSQL  = `SELECT document_id, version, state, text_content, created_at FROM document_snapshots WHERE document_id = $1 ORDER BY version`
)

type Store struct {
	db    DB
	clock clock.Clock
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool to url and applies the schema.
func Connect(ctx context.Context, url string, clk clock.Clock) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	s := New(pool, clk)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. A nil clk uses the system clock.
func New(db DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{db: db, clock: clk}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	var doc store.Document
	err := s.db.QueryRow(ctx, selectDocumentSQL, id).
		Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.State, &doc.Text, &doc.LastEditedBy, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) UpsertDocument(ctx context.Context, req store.UpsertRequest) (store.UpsertResult, error) {
	if err := req.Validate(); err != nil {
		return store.UpsertResult{}, err
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("begin: %w", err)
	}

	result, err := s.upsert(ctx, tx, req)
	if err != nil {
		tx.Rollback(ctx)
		return store.UpsertResult{}, err
	}
	if !result.Success {
		tx.Rollback(ctx)
		return result, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return store.UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

func (s *Store) upsert(ctx context.Context, tx pgx.Tx, req store.UpsertRequest) (store.UpsertResult, error) {
	var cur store.Meta
	err := tx.QueryRow(ctx, lockMetaSQL, req.DocumentID).Scan(&cur.Version, &cur.SavesSinceSnapshot, &cur.LastSnapshotAt)
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.UpsertResult{}, fmt.Errorf("lock %s: %w", req.DocumentID, err)
	}

	now := s.clock.Now()
	var d store.Decision
	if exists {
		d = store.Decide(&cur, req, now)
	} else {
		d = store.Decide(nil, req, now)
	}
	if !d.Accepted {
		return d.Result(), nil
	}

	if exists {
		_, err = tx.Exec(ctx, updateDocumentSQL, req.DocumentID, req.Title, req.State, req.Text, req.LastEditedBy,
			d.Next.Version, d.Next.SavesSinceSnapshot, d.Next.LastSnapshotAt, now)
		if err != nil {
			return store.UpsertResult{}, fmt.Errorf("write %s: %w", req.DocumentID, err)
		}
	} else {
		tag, err := tx.Exec(ctx, insertDocumentSQL, req.DocumentID, req.Title, req.OwnerID, req.State, req.Text, req.LastEditedBy,
			d.Next.Version, d.Next.SavesSinceSnapshot, d.Next.LastSnapshotAt, now)
		if err != nil {
			return store.UpsertResult{}, fmt.Errorf("write %s: %w", req.DocumentID, err)
		}
		if tag.RowsAffected() == 0 {
			// another writer created the document first
			var theirs store.Meta
			if err := tx.QueryRow(ctx, selectVersionSQL, req.DocumentID).Scan(&theirs.Version); err != nil {
				return store.UpsertResult{}, fmt.Errorf("read %s: %w", req.DocumentID, err)
			}
			return store.Decision{Next: theirs}.Result(), nil
		}
	}

	if d.Snapshot {
		if _, err := tx.Exec(ctx, insertSnapshotSQL, req.DocumentID, d.Next.Version, req.State, req.Text, now); err != nil {
			return store.UpsertResult{}, fmt.Errorf("snapshot %s: %w", req.DocumentID, err)
		}
	}
	return d.Result(), nil
}

func (s *Store) ListSnapshots(ctx context.Context, id string) ([]store.Snapshot, error) {
	rows, err := s.db.Query(ctx, listSnapshotsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", id, err)
	}
	defer rows.Close()

	var snaps []store.Snapshot
	for rows.Next() {
		var snap store.Snapshot
		if err := rows.Scan(&snap.DocumentID, &snap.Version, &snap.State, &snap.Text, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
