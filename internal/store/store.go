// Package store is the durable backing store for documents: versioned
// upserts with optimistic concurrency and immutable snapshots taken in the
// same write. Backends live in the subpackages; Memory is used by tests and
// single-process setups.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a document has never been saved.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidRequest is returned for upserts missing required fields.
	ErrInvalidRequest = errors.New("invalid upsert request")
)

// Document is the persisted record of a replica.
type Document struct {
	ID           string    `json:"documentId" msgpack:"id"`
	Title        string    `json:"title,omitempty" msgpack:"title"`
	OwnerID      string    `json:"ownerId,omitempty" msgpack:"owner"`
	State        []byte    `json:"state" msgpack:"state"`
	Text         string    `json:"text" msgpack:"text"`
	LastEditedBy string    `json:"lastEditedBy,omitempty" msgpack:"editor"`
	Version      int64     `json:"version" msgpack:"version"`
	UpdatedAt    time.Time `json:"updatedAt" msgpack:"updated"`
}

// UpsertRequest writes a full replica state. MinVersion is the last server
// version the writer knows of; the write is rejected when the stored version
// is ahead of it.
type UpsertRequest struct {
	DocumentID   string `json:"documentId"`
	Title        string `json:"title,omitempty"`
	OwnerID      string `json:"ownerId,omitempty"`
	State        []byte `json:"state"`
	Text         string `json:"text"`
	LastEditedBy string `json:"lastEditedBy,omitempty"`
	MinVersion   int64  `json:"minVersion"`

	SnapshotEveryN       int  `json:"snapshotEveryN,omitempty"`
	SnapshotEverySeconds int  `json:"snapshotEverySeconds,omitempty"`
	ForceSnapshot        bool `json:"forceSnapshot,omitempty"`
}

func (r UpsertRequest) Validate() error {
	if r.DocumentID == "" {
		return fmt.Errorf("%w: missing document id", ErrInvalidRequest)
	}
	if len(r.State) == 0 {
		return fmt.Errorf("%w: missing state", ErrInvalidRequest)
	}
	return nil
}

// UpsertResult reports the outcome of an upsert. A version conflict is a
// result with Success false, not an error.
type UpsertResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	ServerVersion int64  `json:"serverVersion"`
	Snapshotted   bool   `json:"snapshotted,omitempty"`
}

// Snapshot is an immutable copy of a document at one version.
type Snapshot struct {
	DocumentID string    `json:"documentId" msgpack:"id"`
	Version    int64     `json:"version" msgpack:"version"`
	State      []byte    `json:"state" msgpack:"state"`
	Text       string    `json:"text" msgpack:"text"`
	CreatedAt  time.Time `json:"createdAt" msgpack:"created"`
}

type DocumentStore interface {
	// GetDocument returns ErrNotFound for documents that were never saved.
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpsertDocument(ctx context.Context, req UpsertRequest) (UpsertResult, error)
}

type SnapshotStore interface {
	// ListSnapshots returns a document's snapshots, oldest first.
	ListSnapshots(ctx context.Context, id string) ([]Snapshot, error)
}

// Store is implemented by every backend.
type Store interface {
	DocumentStore
	SnapshotStore
	Close() error
}

// Meta is the per-document bookkeeping a backend keeps beside the record.
type Meta struct {
	Version            int64     `msgpack:"version"`
	SavesSinceSnapshot int       `msgpack:"saves"`
	LastSnapshotAt     time.Time `msgpack:"snapshot_at"`
}

// Decision is the outcome of applying an upsert to a document's Meta.
type Decision struct {
	Accepted bool
	Next     Meta
	Snapshot bool
}

// Decide applies req to the current meta, nil for a new document. New
// documents start at version 1 and count snapshot age from creation.
func Decide(cur *Meta, req UpsertRequest, now time.Time) Decision {
	if cur != nil && cur.Version > req.MinVersion {
		return Decision{Next: *cur}
	}
	next := Meta{Version: 1, LastSnapshotAt: now}
	if cur != nil {
		next = *cur
		next.Version++
	}

	everyN := req.SnapshotEveryN > 0 && next.SavesSinceSnapshot+1 >= req.SnapshotEveryN
	everyT := cur != nil && req.SnapshotEverySeconds > 0 &&
		now.Sub(next.LastSnapshotAt) >= time.Duration(req.SnapshotEverySeconds)*time.Second
	snapshot := req.ForceSnapshot || everyN || everyT
	if snapshot {
		next.SavesSinceSnapshot = 0
		next.LastSnapshotAt = now
	} else {
		next.SavesSinceSnapshot++
	}
	return Decision{Accepted: true, Next: next, Snapshot: snapshot}
}

// Result converts a decision into the RPC result.
func (d Decision) Result() UpsertResult {
	if !d.Accepted {
		return UpsertResult{
			Success:       false,
			Message:       fmt.Sprintf("version conflict: server is at version %d", d.Next.Version),
			ServerVersion: d.Next.Version,
		}
	}
	return UpsertResult{Success: true, ServerVersion: d.Next.Version, Snapshotted: d.Snapshot}
}
