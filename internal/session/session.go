// Package session owns everything one open document needs: the replica, its
// presence record, the sync provider, the connection supervisor and the
// persistence manager. Open acquires them in order and Close releases them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabtext/internal/awareness"
	"collabtext/internal/crdt"
	"collabtext/internal/persistence"
	"collabtext/internal/provider"
	"collabtext/internal/store"
	"collabtext/internal/supervisor"
	"collabtext/internal/transport"
)

type Config struct {
	DocumentID string
	// ClientID identifies this replica to peers. Empty picks a random one.
	ClientID string
	Title    string
	OwnerID  string
	Author   string

	LoadTimeout time.Duration

	Provider    provider.Config
	Supervisor  supervisor.Config
	Persistence persistence.Config
}

func DefaultConfig(documentID string) Config {
	return Config{
		DocumentID:  documentID,
		LoadTimeout: 10 * time.Second,
		Provider:    provider.DefaultConfig(),
		Supervisor:  supervisor.DefaultConfig(),
		Persistence: persistence.DefaultConfig(),
	}
}

type Option func(*options)

type options struct {
	log   *zap.SugaredLogger
	clock clock.Clock
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

type Session struct {
	cfg Config
	log *zap.SugaredLogger

	doc       *crdt.Doc
	awareness *awareness.Awareness
	provider  *provider.Provider
	sup       *supervisor.Supervisor
	persist   *persistence.Manager

	detach    func()
	closeOnce sync.Once
	closeErr  error
}

// Open loads the document from st, wires the replica to tr and starts
// connecting. A document missing from the store opens empty, as does one whose
// stored state cannot be decoded. A failed first connect is retried in the
// background and does not fail Open.
func Open(ctx context.Context, cfg Config, tr transport.Transport, st store.DocumentStore, opts ...Option) (*Session, error) {
	if cfg.DocumentID == "" {
		return nil, errors.New("session: document id is required")
	}
	o := options{log: zap.NewNop().Sugar(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	log := o.log.With("document", cfg.DocumentID, "client", cfg.ClientID)

	s := &Session{
		cfg:       cfg,
		log:       log,
		doc:       crdt.NewDoc(cfg.ClientID),
		awareness: awareness.New(cfg.ClientID, o.clock),
	}

	version, err := s.load(ctx, st)
	if err != nil {
		return nil, err
	}

	pcfg := cfg.Persistence
	pcfg.DocumentID = cfg.DocumentID
	pcfg.Title = cfg.Title
	pcfg.OwnerID = cfg.OwnerID
	pcfg.Author = cfg.Author
	s.persist = persistence.New(s.doc, st, pcfg,
		persistence.WithLogger(log.Named("persistence")),
		persistence.WithClock(o.clock))
	s.persist.SetVersion(version)

	s.sup = supervisor.New(tr, cfg.DocumentID, cfg.Supervisor,
		supervisor.WithLogger(log.Named("supervisor")),
		supervisor.WithClock(o.clock))
	s.provider = provider.New(s.doc, s.awareness, s.sup, cfg.Provider,
		provider.WithLogger(log.Named("provider")),
		provider.WithClock(o.clock))
	s.detach = s.sup.Attach(s.provider)

	if err := s.sup.Connect(ctx); err != nil {
		log.Warnf("Initial connect failed, retrying in background: %v", err)
	}
	log.Infof("Opened document at version %d", version)
	return s, nil
}

func (s *Session) load(ctx context.Context, st store.DocumentStore) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()

	doc, err := st.GetDocument(ctx, s.cfg.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Infof("Document not found in store, starting empty")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load document %s: %w", s.cfg.DocumentID, err)
	}
	if len(doc.State) > 0 {
		if err := s.doc.ApplyUpdate(doc.State, crdt.StoreOrigin()); err != nil {
			s.log.Warnf("Stored state of version %d is unreadable, starting empty: %v", doc.Version, err)
		}
	}
	return doc.Version, nil
}

func (s *Session) DocumentID() string { return s.cfg.DocumentID }

func (s *Session) ClientID() string { return s.cfg.ClientID }

// Insert types text at index as a local edit.
func (s *Session) Insert(index int, text string) error {
	return s.doc.Insert(index, text)
}

// Delete removes length characters starting at index as a local edit.
func (s *Session) Delete(index, length int) error {
	return s.doc.Delete(index, length)
}

func (s *Session) Text() string { return s.doc.Text() }

// OnChange registers fn for every change applied to the replica, local or
// remote, and returns its cancel func.
func (s *Session) OnChange(fn func(crdt.UpdateEvent)) (cancel func()) {
	return s.doc.Observe(fn)
}

func (s *Session) SetPresence(key string, value any) error {
	return s.provider.SetPresence(key, value)
}

// Peers returns the presence of every known client, this one included.
func (s *Session) Peers() map[string]awareness.State {
	return s.awareness.States()
}

// OnPresence registers fn for presence changes and returns its cancel func.
func (s *Session) OnPresence(fn func(awareness.Change)) (cancel func()) {
	return s.awareness.Observe(fn)
}

func (s *Session) SetVisible(visible bool) { s.provider.SetVisible(visible) }

func (s *Session) Resync() { s.provider.Resync() }

// Reconnect connects again after a disconnect or after retries ran out.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.sup.Connect(ctx)
}

func (s *Session) Disconnect() { s.sup.Disconnect() }

func (s *Session) ConnectionState() supervisor.State { return s.sup.State() }

func (s *Session) OnConnectionStatus(fn supervisor.StatusFunc) (unsubscribe func()) {
	return s.sup.OnStatus(fn)
}

func (s *Session) SaveStatus() persistence.Status { return s.persist.Status() }

func (s *Session) OnSaveStatus(fn func(persistence.Event)) (unsubscribe func()) {
	return s.persist.OnStatus(fn)
}

// Save writes the document now instead of waiting for the debounce.
func (s *Session) Save(ctx context.Context) error {
	return s.persist.SaveNow(ctx)
}

func (s *Session) Version() int64 { return s.persist.Version() }

func (s *Session) Stats() provider.Stats { return s.provider.Stats() }

// Close flushes unsaved edits and tears everything down. The presence clear
// goes out before the connection is closed. Safe to call repeatedly; later
// calls return the first result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.persist.Flush(ctx); err != nil {
			s.closeErr = fmt.Errorf("flush document %s: %w", s.cfg.DocumentID, err)
			s.log.Errorf("Failed to flush on close: %v", err)
		}
		s.provider.Destroy()
		s.detach()
		s.sup.Destroy()
		s.persist.Destroy()
		s.log.Infof("Closed document")
	})
	return s.closeErr
}
