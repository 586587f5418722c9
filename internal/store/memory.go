package store

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
)

type memoryEntry struct {
	doc       Document
	meta      Meta
	snapshots []Snapshot
}

// Memory keeps documents in process memory.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	docs  map[string]*memoryEntry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store. A nil clk uses the system clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{clock: clk, docs: make(map[string]*memoryEntry)}
}

func (m *Memory) GetDocument(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	doc := e.doc
	doc.State = append([]byte(nil), e.doc.State...)
	return &doc, nil
}

func (m *Memory) UpsertDocument(_ context.Context, req UpsertRequest) (UpsertResult, error) {
	if err := req.Validate(); err != nil {
		return UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, exists := m.docs[req.DocumentID]
	var cur *Meta
	if exists {
		cur = &e.meta
	}
	d := Decide(cur, req, now)
	if !d.Accepted {
		return d.Result(), nil
	}
	if !exists {
		e = &memoryEntry{doc: Document{ID: req.DocumentID, Title: req.Title, OwnerID: req.OwnerID}}
		m.docs[req.DocumentID] = e
	}
	if req.Title != "" {
		e.doc.Title = req.Title
	}
	e.doc.State = append([]byte(nil), req.State...)
	e.doc.Text = req.Text
	e.doc.LastEditedBy = req.LastEditedBy
	e.doc.Version = d.Next.Version
	e.doc.UpdatedAt = now
	e.meta = d.Next
	if d.Snapshot {
		e.snapshots = append(e.snapshots, Snapshot{
			DocumentID: req.DocumentID,
			Version:    d.Next.Version,
			State:      e.doc.State,
			Text:       req.Text,
			CreatedAt:  now,
		})
	}
	return d.Result(), nil
}

func (m *Memory) ListSnapshots(_ context.Context, id string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	return append([]Snapshot(nil), e.snapshots...), nil
}

func (m *Memory) Close() error { return nil }
