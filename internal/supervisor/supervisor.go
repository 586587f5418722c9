// Package supervisor owns the lifecycle of a document's transport connection:
// connect, intentional disconnect, automatic reconnect with bounded backoff,
// and terminal destroy. It is the single source of truth for whether a
// session is connected.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"collabtext/internal/retry"
	"collabtext/internal/timer"
	"collabtext/internal/transport"
)

var (
	ErrDestroyed    = errors.New("supervisor destroyed")
	ErrNotConnected = errors.New("not connected")
)

// State is the connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Failed       State = "failed"
)

const (
	eventConnect     = "connect"
	eventEstablished = "established"
	eventLost        = "lost"
	eventGiveUp      = "give_up"
	eventDisconnect  = "disconnect"
)

// Handler receives the supervised connection's lifecycle and traffic.
// OnDisconnecting runs before an intentional disconnect or destroy, while
// Publish still reaches the channel.
type Handler interface {
	OnConnected()
	OnDisconnecting()
	OnDisconnected()
	OnMessage(env transport.Envelope)
}

// StatusFunc observes state changes. err is set for losses and failures.
type StatusFunc func(state State, err error)

// Config holds the reconnect behaviour.
type Config struct {
	Reconnect retry.Policy
	// StableAfter is how long a connection must stay up before the attempt counter resets.
	StableAfter    time.Duration
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Reconnect: retry.Policy{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  10,
		},
		StableAfter:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

type Option func(*Supervisor)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Supervisor) { s.log = log }
}

func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) { s.clock = clk }
}

type Supervisor struct {
	mu        sync.Mutex
	cfg       Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	transport transport.Transport
	channel   string

	fsm       *fsm.FSM
	backoff   *retry.Backoff
	reconnect *timer.Timer
	stable    *timer.Timer

	conn transport.Conn
	// gen invalidates callbacks of connections that were replaced or torn down
	gen uint64

	handler    Handler
	listeners  map[int]StatusFunc
	listenerID int

	destroyed bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a disconnected supervisor for channel.
func New(tr transport.Transport, channel string, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		log:       zap.NewNop().Sugar(),
		clock:     clock.New(),
		transport: tr,
		channel:   channel,
		listeners: make(map[int]StatusFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.backoff = retry.New(cfg.Reconnect, s.clock)
	s.reconnect = timer.New(s.clock)
	s.stable = timer.New(s.clock)

	s.fsm = fsm.NewFSM(
		string(Disconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(Disconnected), string(Reconnecting), string(Failed)}, Dst: string(Connecting)},
			{Name: eventEstablished, Src: []string{string(Connecting)}, Dst: string(Connected)},
			{Name: eventLost, Src: []string{string(Connecting), string(Connected)}, Dst: string(Reconnecting)},
			{Name: eventGiveUp, Src: []string{string(Connecting), string(Connected), string(Reconnecting)}, Dst: string(Failed)},
			{Name: eventDisconnect, Src: []string{string(Connecting), string(Connected), string(Reconnecting), string(Failed)}, Dst: string(Disconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugf("Connection %s: %s -> %s", s.channel, e.Src, e.Dst)
			},
		},
	)
	return s
}

// Attach sets the handler receiving lifecycle events and messages.
func (s *Supervisor) Attach(h Handler) (detach func()) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.handler == h {
			s.handler = nil
		}
		s.mu.Unlock()
	}
}

// OnStatus registers fn for state changes and returns its unsubscribe func.
func (s *Supervisor) OnStatus(fn StatusFunc) (unsubscribe func()) {
	s.mu.Lock()
	id := s.listenerID
	s.listenerID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

func (s *Supervisor) Connected() bool {
	return s.State() == Connected
}

// Attempts is the number of reconnect attempts since the last reset.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff.Attempts()
}

// Connect opens the channel. It is a no-op while connected or connecting.
// An explicit Connect resets the backoff, including after Failed. A failed
// dial is returned and retried in the background.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	switch s.current() {
	case Connected, Connecting:
		s.mu.Unlock()
		return nil
	}
	s.reconnect.Cancel()
	s.backoff.Reset()
	s.fire(eventConnect)
	gen := s.nextGen()
	s.mu.Unlock()

	s.emit(Connecting, nil)
	return s.dial(ctx, gen)
}

// Disconnect tears the connection down on purpose and cancels any scheduled reconnect.
func (s *Supervisor) Disconnect() {
	s.farewell()

	s.mu.Lock()
	if s.destroyed || s.current() == Disconnected {
		s.mu.Unlock()
		return
	}
	s.reconnect.Cancel()
	s.stable.Cancel()
	conn := s.conn
	s.conn = nil
	s.nextGen()
	s.fire(eventDisconnect)
	h := s.handler
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.log.Infof("Disconnected from %s", s.channel)
	if h != nil {
		h.OnDisconnected()
	}
	s.emit(Disconnected, nil)
}

// Destroy releases everything regardless of state. Safe to call repeatedly.
func (s *Supervisor) Destroy() {
	s.farewell()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.reconnect.Cancel()
	s.stable.Cancel()
	conn := s.conn
	s.conn = nil
	s.nextGen()
	wasConnected := s.current() == Connected
	wasUp := s.current() != Disconnected
	if wasUp {
		s.fire(eventDisconnect)
	}
	h := s.handler
	s.handler = nil
	listeners := s.snapshotListeners()
	s.listeners = make(map[int]StatusFunc)
	s.cancel()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !wasUp {
		return
	}
	if h != nil && wasConnected {
		h.OnDisconnected()
	}
	for _, fn := range listeners {
		fn(Disconnected, nil)
	}
}

// farewell gives the handler a last chance to publish on a live connection.
func (s *Supervisor) farewell() {
	s.mu.Lock()
	h := s.handler
	up := !s.destroyed && s.current() == Connected
	s.mu.Unlock()
	if up && h != nil {
		h.OnDisconnecting()
	}
}

// Publish sends env on the current connection.
func (s *Supervisor) Publish(ctx context.Context, env transport.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	up := s.current() == Connected
	s.mu.Unlock()
	if !up || conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(ctx, env)
}

func (s *Supervisor) dial(ctx context.Context, gen uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.transport.Open(dialCtx, s.channel, transport.Handlers{
		OnMessage:   func(env transport.Envelope) { s.handleMessage(gen, env) },
		OnMalformed: s.handleMalformed,
		OnStatus:    func(st transport.Status, err error) { s.handleLoss(gen, st, err) },
	})

	s.mu.Lock()
	if s.gen != gen || s.destroyed {
		// disconnected or destroyed while dialing
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		state := s.lost()
		s.mu.Unlock()
		s.log.Warnf("Failed to connect to %s (attempt %d): %v", s.channel, s.backoff.Attempts(), err)
		s.emit(state, err)
		return fmt.Errorf("connect %s: %w", s.channel, err)
	}
	s.conn = conn
	s.fire(eventEstablished)
	s.stable.Start(s.cfg.StableAfter, func() { s.markStable(gen) })
	h := s.handler
	s.mu.Unlock()

	s.log.Infof("Connected to %s", s.channel)
	s.emit(Connected, nil)
	if h != nil {
		h.OnConnected()
	}
	return nil
}

func (s *Supervisor) handleMessage(gen uint64, env transport.Envelope) {
	s.mu.Lock()
	h := s.handler
	stale := gen != s.gen
	s.mu.Unlock()
	if stale || h == nil {
		return
	}
	h.OnMessage(env)
}

func (s *Supervisor) handleMalformed(raw []byte, err error) {
	s.log.Warnf("Dropping malformed message on %s (%d bytes): %v", s.channel, len(raw), err)
}

func (s *Supervisor) handleLoss(gen uint64, status transport.Status, err error) {
	s.mu.Lock()
	if gen != s.gen || s.destroyed || s.current() != Connected {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stable.Cancel()
	s.nextGen()
	state := s.lost()
	h := s.handler
	s.mu.Unlock()

	s.log.Warnf("Connection to %s lost (%s): %v", s.channel, status, err)
	if h != nil {
		h.OnDisconnected()
	}
	s.emit(state, err)
}

func (s *Supervisor) redial() {
	s.mu.Lock()
	if s.destroyed || s.current() != Reconnecting {
		s.mu.Unlock()
		return
	}
	s.fire(eventConnect)
	gen := s.nextGen()
	ctx := s.ctx
	s.mu.Unlock()

	s.emit(Connecting, nil)
	if err := s.dial(ctx, gen); err != nil {
		s.log.Debugf("Reconnect to %s failed: %v", s.channel, err)
	}
}

func (s *Supervisor) markStable(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.current() != Connected {
		return
	}
	s.backoff.Reset()
	s.log.Debugf("Connection to %s stable, reconnect attempts reset", s.channel)
}

// lost schedules the next reconnect or gives up. Must be called with mu held.
func (s *Supervisor) lost() State {
	delay, ok := s.backoff.Next()
	if !ok {
		s.fire(eventGiveUp)
		s.log.Errorf("Giving up on %s after %d reconnect attempts", s.channel, s.backoff.Attempts())
		return Failed
	}
	s.fire(eventLost)
	s.reconnect.Start(delay, s.redial)
	s.log.Infof("Reconnecting to %s in %s (attempt %d)", s.channel, delay, s.backoff.Attempts())
	return Reconnecting
}

// current must be called with mu held.
func (s *Supervisor) current() State {
	return State(s.fsm.Current())
}

// fire must be called with mu held.
func (s *Supervisor) fire(event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		s.log.Debugf("Connection %s: transition %q from %s rejected: %v", s.channel, event, s.fsm.Current(), err)
	}
}

// nextGen must be called with mu held.
func (s *Supervisor) nextGen() uint64 {
	s.gen++
	return s.gen
}

func (s *Supervisor) snapshotListeners() []StatusFunc {
	fns := make([]StatusFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (s *Supervisor) emit(state State, err error) {
	s.mu.Lock()
	fns := s.snapshotListeners()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state, err)
	}
}
