// Package persistence checkpoints a replica to the backing store. Saves are
// debounced, never run concurrently, carry the last known server version as
// an optimistic-concurrency token and are retried with backoff on failure.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"collabtext/internal/crdt"
	"collabtext/internal/retry"
	"collabtext/internal/store"
	"collabtext/internal/timer"
)

var ErrDestroyed = errors.New("persistence manager destroyed")

// Status is the save state reported to observers.
type Status string

const (
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// Event is delivered to status observers. Version is the last known server
// version; Err is set for StatusError.
type Event struct {
	Status  Status
	Version int64
	Err     error
}

// ConflictError describes a save rejected because the server was ahead. It
// is resolved by adopting the server version and saving again.
type ConflictError struct {
	DocumentID     string
	AssumedVersion int64
	ServerVersion  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s: assumed version %d, server at %d", e.DocumentID, e.AssumedVersion, e.ServerVersion)
}

type Config struct {
	DocumentID string
	Title      string
	OwnerID    string
	// Author is recorded as the document's last editor.
	Author string

	Debounce    time.Duration
	Retry       retry.Policy
	SaveTimeout time.Duration

	SnapshotEveryN int
	SnapshotEvery  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce: 800 * time.Millisecond,
		Retry: retry.Policy{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  5,
		},
		SaveTimeout:    10 * time.Second,
		SnapshotEveryN: 50,
		SnapshotEvery:  5 * time.Minute,
	}
}

type Option func(*Manager)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = log }
}

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

type Manager struct {
	mu    sync.Mutex
	cfg   Config
	log   *zap.SugaredLogger
	clock clock.Clock

	engine crdt.Engine
	store  store.DocumentStore

	debounce   *timer.Timer
	retryTimer *timer.Timer
	backoff    *retry.Backoff

	lastVersion int64
	status      Status
	// dirty is set by local edits not yet captured by a save
	dirty bool
	// inflight is closed when the running save finishes
	inflight chan struct{}
	followUp bool

	savesSinceSnapshot int
	lastSnapshotAt     time.Time

	listeners  map[int]func(Event)
	listenerID int

	destroyed   bool
	stopObserve func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a manager saving engine to st. Only local edits schedule saves.
func New(engine crdt.Engine, st store.DocumentStore, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		log:       zap.NewNop().Sugar(),
		clock:     clock.New(),
		engine:    engine,
		store:     st,
		status:    StatusSaved,
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.debounce = timer.New(m.clock)
	m.retryTimer = timer.New(m.clock)
	m.backoff = retry.New(cfg.Retry, m.clock)
	m.lastSnapshotAt = m.clock.Now()
	m.stopObserve = engine.Observe(func(ev crdt.UpdateEvent) {
		// the peer that authored a remote change persists it
		if ev.Origin.IsLocal() {
			m.ScheduleSave()
		}
	})
	return m
}

// SetVersion records the server version the replica was loaded at.
func (m *Manager) SetVersion(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastVersion = v
}

func (m *Manager) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVersion
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts is the number of retries scheduled since the last successful save.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Attempts()
}

// OnStatus registers fn for save status changes and returns its unsubscribe func.
func (m *Manager) OnStatus(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.listenerID
	m.listenerID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// ScheduleSave (re)starts the debounce window. A pending retry is cancelled
// since the coming save includes everything anyway. After retries ran out a
// new edit starts a fresh backoff.
func (m *Manager) ScheduleSave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.dirty = true
	m.retryTimer.Cancel()
	if m.backoff.Exhausted() {
		m.backoff.Reset()
	}
	m.debounce.Start(m.cfg.Debounce, m.timerSave)
}

func (m *Manager) timerSave() {
	if err := m.SaveNow(m.ctx); err != nil && !errors.Is(err, ErrDestroyed) {
		m.log.Debugf("Scheduled save of %s failed: %v", m.cfg.DocumentID, err)
	}
}

// SaveNow writes the replica unless it is empty. While a save is in flight it
// only marks a follow-up save, which starts as soon as the running one ends.
func (m *Manager) SaveNow(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.inflight != nil {
		m.followUp = true
		m.mu.Unlock()
		return nil
	}
	m.debounce.Cancel()
	if m.engine.Len() == 0 {
		m.dirty = false
		m.status = StatusSaved
		version := m.lastVersion
		m.mu.Unlock()
		m.log.Debugf("Skipping save of empty document %s", m.cfg.DocumentID)
		m.emit(Event{Status: StatusSaved, Version: version})
		return nil
	}
	done := make(chan struct{})
	m.inflight = done
	m.dirty = false
	m.status = StatusSaving
	minVersion := m.lastVersion
	forceSnapshot := (m.cfg.SnapshotEveryN > 0 && m.savesSinceSnapshot+1 >= m.cfg.SnapshotEveryN) ||
		(m.cfg.SnapshotEvery > 0 && m.clock.Since(m.lastSnapshotAt) >= m.cfg.SnapshotEvery)
	m.mu.Unlock()

	m.emit(Event{Status: StatusSaving, Version: minVersion})
	res, err := m.upsert(ctx, minVersion, forceSnapshot)
	follow := m.finish(minVersion, res, err)
	close(done)

	if follow {
		return m.SaveNow(ctx)
	}
	return err
}

func (m *Manager) upsert(ctx context.Context, minVersion int64, forceSnapshot bool) (store.UpsertResult, error) {
	state, err := m.engine.EncodeStateAsUpdate()
	if err != nil {
		return store.UpsertResult{}, fmt.Errorf("encode state: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SaveTimeout)
	defer cancel()
	return m.store.UpsertDocument(ctx, store.UpsertRequest{
		DocumentID:           m.cfg.DocumentID,
		Title:                m.cfg.Title,
		OwnerID:              m.cfg.OwnerID,
		State:                state,
		Text:                 m.engine.Text(),
		LastEditedBy:         m.cfg.Author,
		MinVersion:           minVersion,
		SnapshotEveryN:       m.cfg.SnapshotEveryN,
		SnapshotEverySeconds: int(m.cfg.SnapshotEvery / time.Second),
		ForceSnapshot:        forceSnapshot,
	})
}

// finish records the outcome of a save and reports whether another save must run now.
func (m *Manager) finish(minVersion int64, res store.UpsertResult, err error) bool {
	m.mu.Lock()
	m.inflight = nil
	follow := m.followUp
	m.followUp = false
	if m.destroyed {
		m.mu.Unlock()
		return false
	}

	switch {
	case err != nil:
		m.dirty = true
		m.status = StatusError
		delay, ok := m.backoff.Next()
		if ok {
			m.retryTimer.Start(delay, m.timerSave)
		}
		version := m.lastVersion
		attempts := m.backoff.Attempts()
		m.mu.Unlock()

		if ok {
			m.log.Warnf("Failed to save %s, retrying in %s (attempt %d): %v", m.cfg.DocumentID, delay, attempts, err)
		} else {
			m.log.Errorf("Failed to save %s, giving up after %d retries: %v", m.cfg.DocumentID, attempts, err)
		}
		m.emit(Event{Status: StatusError, Version: version, Err: err})
		// the retry covers any follow-up
		return false

	case !res.Success:
		conflict := &ConflictError{DocumentID: m.cfg.DocumentID, AssumedVersion: minVersion, ServerVersion: res.ServerVersion}
		m.lastVersion = res.ServerVersion
		m.mu.Unlock()

		m.log.Infof("Save conflict, adopting server version: %v", conflict)
		if follow {
			return true
		}
		m.ScheduleSave()
		return false

	default:
		m.lastVersion = res.ServerVersion
		m.backoff.Reset()
		m.retryTimer.Cancel()
		if res.Snapshotted {
			m.savesSinceSnapshot = 0
			m.lastSnapshotAt = m.clock.Now()
		} else {
			m.savesSinceSnapshot++
		}
		m.status = StatusSaved
		m.mu.Unlock()

		m.log.Debugf("Saved %s at version %d (snapshot: %t)", m.cfg.DocumentID, res.ServerVersion, res.Snapshotted)
		m.emit(Event{Status: StatusSaved, Version: res.ServerVersion})
		return follow
	}
}

// Flush waits for a running save and then writes any edit not yet saved,
// resolving conflicts on the way. It returns the first save error.
func (m *Manager) Flush(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.destroyed {
			m.mu.Unlock()
			return ErrDestroyed
		}
		inflight := m.inflight
		dirty := m.dirty
		m.mu.Unlock()

		if inflight != nil {
			select {
			case <-inflight:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !dirty {
			return nil
		}
		m.debounce.Cancel()
		m.retryTimer.Cancel()
		if err := m.SaveNow(ctx); err != nil {
			return err
		}
		// a conflict leaves the edit unsaved; go again at the adopted version
	}
}

// Destroy cancels the debounce and retry timers and stops observing the
// engine. Safe to call repeatedly.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.debounce.Cancel()
	m.retryTimer.Cancel()
	m.listeners = make(map[int]func(Event))
	m.mu.Unlock()

	m.stopObserve()
	m.cancel()
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
