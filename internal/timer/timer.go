// Package timer wraps clock timers in small state machines with an explicit
// start/cancel contract. A callback never runs after Cancel returned, even if
// the underlying clock already fired it.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State of a timer.
type State int

const (
	Idle State = iota
	Armed
	Fired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Timer is a single-shot, restartable timer.
type Timer struct {
	mu    sync.Mutex
	clock clock.Clock
	t     *clock.Timer
	gen   uint64
	state State
}

// New creates an idle timer. A nil clk uses the system clock.
func New(clk clock.Clock) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clock: clk}
}

// Start arms the timer to run fn after d, replacing any pending run.
func (t *Timer) Start(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.state = Armed
	t.t = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen || t.state != Armed {
			t.mu.Unlock()
			return
		}
		t.state = Fired
		t.t = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel disarms the timer and reports whether a run was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := t.state == Armed
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	if pending {
		t.state = Cancelled
	}
	return pending
}

// Pending reports whether the timer is armed.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Armed
}

func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Interval runs fn every period until cancelled. It is a Timer re-armed at
// the start of each run.
type Interval struct {
	timer  *Timer
	mu     sync.Mutex
	period time.Duration
	fn     func()
	active bool
}

func NewInterval(clk clock.Clock) *Interval {
	return &Interval{timer: New(clk)}
}

// Start begins ticking, replacing any previous schedule.
func (i *Interval) Start(period time.Duration, fn func()) {
	i.mu.Lock()
	i.period = period
	i.fn = fn
	i.active = true
	i.mu.Unlock()
	i.timer.Start(period, i.tick)
}

func (i *Interval) tick() {
	i.mu.Lock()
	if !i.active {
		i.mu.Unlock()
		return
	}
	fn, period := i.fn, i.period
	i.timer.Start(period, i.tick)
	i.mu.Unlock()

	fn()
}

// Cancel stops ticking and reports whether the interval was active.
func (i *Interval) Cancel() bool {
	i.mu.Lock()
	was := i.active
	i.active = false
	i.mu.Unlock()
	i.timer.Cancel()
	return was
}

func (i *Interval) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}
