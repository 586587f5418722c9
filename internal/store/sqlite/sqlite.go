// Package sqlite stores documents in a single SQLite file, for agents and
// small single-node servers.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"

	"collabtext/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - documents and document_snapshots
// 2 - index on document_snapshots.created_at
const currentSchemaVersion = 2

type Store struct {
	db    *sql.DB
	clock clock.Clock
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path and applies migrations.
// A nil clk uses the system clock.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 2 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON document_snapshots(document_id, created_at)`); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	var (
		doc     store.Document
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, owner_id, state, text_content, last_edited_by, version, updated_at
		FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.State, &doc.Text, &doc.LastEditedBy, &doc.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	doc.UpdatedAt = time.Unix(0, updated).UTC()
	return &doc, nil
}

func (s *Store) UpsertDocument(ctx context.Context, req store.UpsertRequest) (store.UpsertResult, error) {
	if err := req.Validate(); err != nil {
		return store.UpsertResult{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		cur        store.Meta
		snapshotAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT version, saves_since_snapshot, last_snapshot_at FROM documents WHERE id = ?`, req.DocumentID).
		Scan(&cur.Version, &cur.SavesSinceSnapshot, &snapshotAt)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.UpsertResult{}, fmt.Errorf("read version of %s: %w", req.DocumentID, err)
	}
	cur.LastSnapshotAt = time.Unix(0, snapshotAt).UTC()

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
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET
				title = CASE WHEN ? <> '' THEN ? ELSE title END,
				state = ?, text_content = ?, last_edited_by = ?, version = ?,
				saves_since_snapshot = ?, last_snapshot_at = ?, updated_at = ?
			WHERE id = ?`,
			req.Title, req.Title, req.State, req.Text, req.LastEditedBy, d.Next.Version,
			d.Next.SavesSinceSnapshot, d.Next.LastSnapshotAt.UnixNano(), now.UnixNano(), req.DocumentID)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, title, owner_id, state, text_content, last_edited_by, version,
				saves_since_snapshot, last_snapshot_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.DocumentID, req.Title, req.OwnerID, req.State, req.Text, req.LastEditedBy, d.Next.Version,
			d.Next.SavesSinceSnapshot, d.Next.LastSnapshotAt.UnixNano(), now.UnixNano())
	}
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("write %s: %w", req.DocumentID, err)
	}

	if d.Snapshot {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_snapshots (document_id, version, state, text_content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			req.DocumentID, d.Next.Version, req.State, req.Text, now.UnixNano()); err != nil {
			return store.UpsertResult{}, fmt.Errorf("snapshot %s: %w", req.DocumentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return d.Result(), nil
}

func (s *Store) ListSnapshots(ctx context.Context, id string) ([]store.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, state, text_content, created_at
		FROM document_snapshots WHERE document_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", id, err)
	}
	defer rows.Close()

	var snaps []store.Snapshot
	for rows.Next() {
		var (
			snap    store.Snapshot
			created int64
		)
		if err := rows.Scan(&snap.DocumentID, &snap.Version, &snap.State, &snap.Text, &created); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.CreatedAt = time.Unix(0, created).UTC()
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
