// Package bolt stores documents in a local bbolt file. Agents use it to keep
// working copies while no server is reachable.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"
	bbolt "go.etcd.io/bbolt"

	"collabtext/internal/store"
)

var (
	documentsBucket = []byte("documents")
	snapshotsBucket = []byte("snapshots")
)

// record is the stored value of a document.
type record struct {
	Doc  store.Document `msgpack:"doc"`
	Meta store.Meta     `msgpack:"meta"`
}

type Store struct {
	db    *bbolt.DB
	clock clock.Clock
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path. A nil clk uses the system clock.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(documentsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetDocument(_ context.Context, id string) (*store.Document, error) {
	var rec *record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = load(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, store.ErrNotFound
	}
	return &rec.Doc, nil
}

func (s *Store) UpsertDocument(_ context.Context, req store.UpsertRequest) (store.UpsertResult, error) {
	if err := req.Validate(); err != nil {
		return store.UpsertResult{}, err
	}
	var result store.UpsertResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := load(tx, req.DocumentID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		var d store.Decision
		if rec != nil {
			d = store.Decide(&rec.Meta, req, now)
		} else {
			d = store.Decide(nil, req, now)
			rec = &record{Doc: store.Document{ID: req.DocumentID, Title: req.Title, OwnerID: req.OwnerID}}
		}
		result = d.Result()
		if !d.Accepted {
			return nil
		}

		if req.Title != "" {
			rec.Doc.Title = req.Title
		}
		rec.Doc.State = req.State
		rec.Doc.Text = req.Text
		rec.Doc.LastEditedBy = req.LastEditedBy
		rec.Doc.Version = d.Next.Version
		rec.Doc.UpdatedAt = now
		rec.Meta = d.Next
		raw, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", req.DocumentID, err)
		}
		if err := tx.Bucket(documentsBucket).Put([]byte(req.DocumentID), raw); err != nil {
			return err
		}

		if !d.Snapshot {
			return nil
		}
		snaps, err := tx.Bucket(snapshotsBucket).CreateBucketIfNotExists([]byte(req.DocumentID))
		if err != nil {
			return err
		}
		raw, err = msgpack.Marshal(store.Snapshot{
			DocumentID: req.DocumentID,
			Version:    d.Next.Version,
			State:      req.State,
			Text:       req.Text,
			CreatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("encode snapshot of %s: %w", req.DocumentID, err)
		}
		return snaps.Put(versionKey(d.Next.Version), raw)
	})
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("upsert %s: %w", req.DocumentID, err)
	}
	return result, nil
}

func (s *Store) ListSnapshots(_ context.Context, id string) ([]store.Snapshot, error) {
	var snaps []store.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotsBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		// big-endian keys iterate in version order
		return b.ForEach(func(_, v []byte) error {
			var snap store.Snapshot
			if err := msgpack.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("decode snapshot of %s: %w", id, err)
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	return snaps, err
}

func load(tx *bbolt.Tx, id string) (*record, error) {
	raw := tx.Bucket(documentsBucket).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &rec, nil
}

func versionKey(v int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(v))
	return key
}
