// Package provider replicates a document over a broadcast transport. It
// publishes local updates in short batches, queues them while offline,
// answers catch-up requests, and runs a periodic state-vector exchange that
// repairs updates the transport silently lost. Presence travels alongside
// through the awareness record.
package provider

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
	"collabtext/internal/timer"
	"collabtext/internal/transport"
)

// Link publishes envelopes on the document channel. The connection supervisor implements it.
type Link interface {
	Publish(ctx context.Context, env transport.Envelope) error
}

type Config struct {
	BatchWindow    time.Duration
	QueueCapacity  int
	ResyncInterval time.Duration
	// MinDiffSize is the largest diff still considered empty; only longer diffs are answered.
	MinDiffSize      int
	AwarenessTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchWindow:      50 * time.Millisecond,
		QueueCapacity:    100,
		ResyncInterval:   30 * time.Second,
		MinDiffSize:      2,
		AwarenessTimeout: 30 * time.Second,
	}
}

type Option func(*Provider)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Provider) { p.log = log }
}

func WithClock(clk clock.Clock) Option {
	return func(p *Provider) { p.clock = clk }
}

// Stats is a point-in-time view of the provider's buffers.
type Stats struct {
	Connected bool
	Queued    int
	Dropped   int
	Batched   int
}

type Provider struct {
	mu    sync.Mutex
	cfg   Config
	log   *zap.SugaredLogger
	clock clock.Clock

	// id tags updates this provider applies, clientID identifies the replica on the wire
	id       string
	clientID string

	engine    crdt.Engine
	awareness *awareness.Awareness
	link      Link

	queue      *PendingQueue
	batch      [][]byte
	batchTimer *timer.Timer
	resync     *timer.Interval
	// repair resends the state vector after an update failed to publish
	repair *timer.Timer

	connected bool
	visible   bool
	// unsent is set while local updates may be missing from the channel
	unsent bool
	// presence is the local awareness state stashed on disconnect
	presence  awareness.Fields
	destroyed bool

	stopObserve func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// New starts observing engine. aw must belong to the same client as engine.
func New(engine crdt.Engine, aw *awareness.Awareness, link Link, cfg Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:       cfg,
		log:       zap.NewNop().Sugar(),
		clock:     clock.New(),
		id:        uuid.NewString(),
		clientID:  engine.ClientID(),
		engine:    engine,
		awareness: aw,
		link:      link,
		queue:     NewPendingQueue(cfg.QueueCapacity),
		visible:   true,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.batchTimer = timer.New(p.clock)
	p.resync = timer.NewInterval(p.clock)
	p.repair = timer.New(p.clock)
	p.stopObserve = engine.Observe(p.onUpdate)
	return p
}

// ID is the instance id carried by crdt.ProviderOrigin for updates this provider applied.
func (p *Provider) ID() string { return p.id }

func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Connected: p.connected,
		Queued:    p.queue.Len(),
		Dropped:   p.queue.Dropped(),
		Batched:   len(p.batch),
	}
}

func (p *Provider) onUpdate(ev crdt.UpdateEvent) {
	if ev.Origin.IsProvider(p.id) || ev.Origin.Kind == crdt.OriginStore {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if !p.connected {
		p.enqueue(ev.Update)
		return
	}
	p.batch = append(p.batch, ev.Update)
	if !p.batchTimer.Pending() {
		p.batchTimer.Start(p.cfg.BatchWindow, p.flushBatch)
	}
}

// enqueue must be called with mu held.
func (p *Provider) enqueue(update []byte) {
	if err := p.queue.Push(update); errors.Is(err, ErrQueueOverflow) {
		p.unsent = true
		p.log.Warnw("Pending queue full, dropping newest update; it will be repaired by resync",
			"capacity", p.cfg.QueueCapacity, "dropped", p.queue.Dropped())
	}
}

func (p *Provider) flushBatch() {
	p.mu.Lock()
	batch := p.batch
	p.batch = nil
	if p.destroyed || len(batch) == 0 {
		p.mu.Unlock()
		return
	}
	if !p.connected {
		for _, u := range batch {
			p.enqueue(u)
		}
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	merged, err := p.publishBatch(batch)
	if err == nil {
		return
	}
	if merged == nil {
		p.log.Errorf("Failed to publish batch: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if !p.connected {
		p.enqueue(merged)
		return
	}
	// the update is in the replica, so a state-vector exchange delivers it
	p.unsent = true
	p.repair.Start(p.cfg.BatchWindow, p.Resync)
	p.log.Warnf("Failed to publish update, resyncing in %s: %v", p.cfg.BatchWindow, err)
}

// publishBatch merges batch into one doc-update and publishes it. merged is
// nil when the batch could not be merged.
func (p *Provider) publishBatch(batch [][]byte) (merged []byte, err error) {
	merged, err = p.engine.MergeUpdates(batch)
	if err != nil {
		return nil, fmt.Errorf("merge %d updates: %w", len(batch), err)
	}
	return merged, p.publish(transport.EventDocUpdate, "", merged)
}

// OnConnected flushes the pending queue as one update, requests catch-up
// from the other replicas and starts the periodic resync.
func (p *Provider) OnConnected() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.connected = true
	pending := p.queue.Drain()
	presence := p.presence
	p.presence = nil
	unsent := p.unsent
	p.resync.Start(p.cfg.ResyncInterval, p.periodicResync)
	p.mu.Unlock()

	if len(pending) > 0 {
		if _, err := p.publishBatch(pending); err != nil {
			p.log.Errorf("Failed to flush %d queued updates: %v", len(pending), err)
			unsent = true
		} else {
			p.log.Infof("Flushed %d queued updates", len(pending))
		}
	}
	p.publish(transport.EventSyncRequest, "", nil)
	if unsent {
		p.publishStateVector()
	}

	if presence != nil && p.awareness.LocalState() == nil {
		if _, err := p.awareness.SetLocalState(presence); err != nil {
			p.log.Warnf("Failed to restore presence: %v", err)
		}
	}
	if p.awareness.LocalState() != nil {
		if update, err := p.awareness.EncodeUpdate(p.clientID); err == nil {
			p.publish(transport.EventAwareness, "", update)
		}
	}
}

// OnDisconnecting publishes the open batch and withdraws presence before an
// intentional disconnect.
func (p *Provider) OnDisconnecting() {
	p.mu.Lock()
	if p.destroyed || !p.connected {
		p.mu.Unlock()
		return
	}
	p.batchTimer.Cancel()
	batch := p.batch
	p.batch = nil
	if local := p.awareness.LocalState(); local != nil {
		p.presence = local
	}
	p.mu.Unlock()

	if len(batch) > 0 {
		merged, err := p.publishBatch(batch)
		switch {
		case err == nil:
		case merged == nil:
			p.log.Errorf("Failed to publish batch: %v", err)
		default:
			p.mu.Lock()
			p.enqueue(merged)
			p.mu.Unlock()
		}
	}
	p.withdrawPresence()
}

// withdrawPresence clears the local awareness entry and tells the peers.
func (p *Provider) withdrawPresence() {
	update, err := p.awareness.ClearLocal()
	if err != nil {
		p.log.Warnf("Failed to clear presence: %v", err)
		return
	}
	p.publish(transport.EventAwareness, "", update)
}

// OnDisconnected moves the open batch into the pending queue, stops the
// periodic resync and clears presence, since peers get no signal that we left.
func (p *Provider) OnDisconnected() {
	p.mu.Lock()
	if p.destroyed || !p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = false
	p.batchTimer.Cancel()
	for _, u := range p.batch {
		p.enqueue(u)
	}
	p.batch = nil
	p.resync.Cancel()
	p.repair.Cancel()
	if local := p.awareness.LocalState(); local != nil {
		p.presence = local
	}
	p.mu.Unlock()

	if _, err := p.awareness.ClearLocal(); err != nil {
		p.log.Warnf("Failed to clear presence: %v", err)
	}
	var remote []string
	for id := range p.awareness.States() {
		remote = append(remote, id)
	}
	p.awareness.RemoveStates(remote...)
}

// OnMessage handles one envelope from the channel. Bad payloads are logged and dropped.
func (p *Provider) OnMessage(env transport.Envelope) {
	if env.Sender == p.clientID {
		return
	}
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return
	}

	var err error
	switch env.Event {
	case transport.EventDocUpdate:
		err = p.apply(env.Payload)
	case transport.EventSyncRequest:
		err = p.answerSyncRequest(env.Sender)
	case transport.EventSyncResponse:
		if env.Target == p.clientID {
			err = p.apply(env.Payload)
		}
	case transport.EventStateVector:
		if env.Target == "" || env.Target == p.clientID {
			err = p.answerStateVector(env.Sender, env.Payload)
		}
	case transport.EventAwareness:
		err = p.awareness.ApplyUpdate(env.Payload)
	}
	if err != nil {
		p.log.Warnw("Dropping bad message", "event", env.Event, "sender", env.Sender, "error", err)
	}
}

func (p *Provider) apply(update []byte) error {
	return p.engine.ApplyUpdate(update, crdt.ProviderOrigin(p.id))
}

func (p *Provider) answerSyncRequest(requester string) error {
	state, err := p.engine.EncodeStateAsUpdate()
	if err != nil {
		return err
	}
	p.publish(transport.EventSyncResponse, requester, state)
	return nil
}

// answerStateVector sends the peer what it is missing and, when the peer
// holds updates we lack, asks for them with a state vector of our own.
func (p *Provider) answerStateVector(peer string, remote []byte) error {
	diff, err := p.engine.EncodeDiff(remote)
	if err != nil {
		return err
	}
	if len(diff) > p.cfg.MinDiffSize {
		p.publish(transport.EventSyncResponse, peer, diff)
	}

	local, err := p.engine.EncodeStateVector()
	if err != nil {
		return err
	}
	ahead, err := vectorAhead(remote, local)
	if err != nil {
		return err
	}
	if ahead {
		p.publish(transport.EventStateVector, peer, local)
	}
	return nil
}

// vectorAhead reports whether remote has seen any operation local has not.
func vectorAhead(remote, local []byte) (bool, error) {
	r, err := crdt.DecodeStateVector(remote)
	if err != nil {
		return false, err
	}
	l, err := crdt.DecodeStateVector(local)
	if err != nil {
		return false, err
	}
	for peer, next := range r {
		if next > l[peer] {
			return true, nil
		}
	}
	return false, nil
}

// SetVisible records whether the editor is in the foreground. Becoming
// visible again triggers one state-vector exchange.
func (p *Provider) SetVisible(visible bool) {
	p.mu.Lock()
	resume := visible && !p.visible && p.connected && !p.destroyed
	p.visible = visible
	p.mu.Unlock()
	if resume {
		p.publishStateVector()
	}
}

// Resync broadcasts the local state vector now.
func (p *Provider) Resync() {
	p.mu.Lock()
	up := p.connected && !p.destroyed
	p.mu.Unlock()
	if up {
		p.publishStateVector()
	}
}

func (p *Provider) periodicResync() {
	p.publishStateVector()
	if update, err := p.awareness.Renew(); err != nil {
		p.log.Warnf("Failed to renew presence: %v", err)
	} else if update != nil {
		p.publish(transport.EventAwareness, "", update)
	}
	if stale := p.awareness.Expire(p.cfg.AwarenessTimeout); len(stale) > 0 {
		p.log.Debugf("Expired presence of %v", stale)
	}
}

func (p *Provider) publishStateVector() {
	sv, err := p.engine.EncodeStateVector()
	if err != nil {
		p.log.Errorf("Failed to encode state vector: %v", err)
		return
	}
	if err := p.publish(transport.EventStateVector, "", sv); err == nil {
		p.mu.Lock()
		p.unsent = false
		p.mu.Unlock()
	}
}

// SetPresence sets one local awareness field and publishes it immediately when connected.
func (p *Provider) SetPresence(key string, value any) error {
	update, err := p.awareness.SetLocalField(key, value)
	if err != nil {
		return err
	}
	p.mu.Lock()
	up := p.connected && !p.destroyed
	p.mu.Unlock()
	if up {
		p.publish(transport.EventAwareness, "", update)
	}
	return nil
}

func (p *Provider) publish(event transport.Event, target string, payload []byte) error {
	err := p.link.Publish(p.ctx, transport.Envelope{
		Event:   event,
		Sender:  p.clientID,
		Target:  target,
		Payload: payload,
	})
	if err != nil {
		p.log.Debugw("Publish failed", "event", event, "error", err)
		return err
	}
	p.log.Debugw("Published", "event", event, "target", target, "bytes", len(payload))
	return nil
}

// Destroy stops every timer, publishes the open batch, withdraws presence
// and drops the pending queue. Safe to call repeatedly.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	wasConnected := p.connected
	p.connected = false
	p.batchTimer.Cancel()
	p.resync.Cancel()
	p.repair.Cancel()
	batch := p.batch
	p.batch = nil
	p.queue.Clear()
	p.mu.Unlock()

	p.stopObserve()
	if wasConnected {
		if len(batch) > 0 {
			if _, err := p.publishBatch(batch); err != nil {
				p.log.Warnf("Failed to publish %d updates on close: %v", len(batch), err)
			}
		}
		p.withdrawPresence()
	}
	p.cancel()
}
