// Package awareness keeps the ephemeral per-client presence record (cursor,
// user name, custom metadata) that travels next to a document but is never
// persisted.
package awareness

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
)

// Fields is one client's presence state.
type Fields map[string]any

// State is a client's entry in the record.
type State struct {
	Clock     uint64
	Fields    Fields
	UpdatedAt time.Time
}

// wireEntry is the encoded form of one client's state. A nil Fields removes the client.
type wireEntry struct {
	ClientID string `json:"clientId"`
	Clock    uint64 `json:"clock"`
	Fields   Fields `json:"fields"`
}

// Change lists the clients touched by an applied update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Awareness is the record of all known clients' presence, keyed by client id.
type Awareness struct {
	mu       sync.Mutex
	clientID string
	clock    clock.Clock
	states   map[string]State
	// clocks survive removal so a stale update cannot resurrect a client
	clocks map[string]uint64

	observers  map[int]func(Change)
	observerID int
}

// New creates a record for the local clientID. A nil clk uses the system clock.
func New(clientID string, clk clock.Clock) *Awareness {
	if clk == nil {
		clk = clock.New()
	}
	return &Awareness{
		clientID:  clientID,
		clock:     clk,
		states:    make(map[string]State),
		clocks:    make(map[string]uint64),
		observers: make(map[int]func(Change)),
	}
}

func (a *Awareness) ClientID() string { return a.clientID }

// SetLocalField sets one field of the local state and returns the encoded update to publish.
func (a *Awareness) SetLocalField(key string, value any) ([]byte, error) {
	a.mu.Lock()
	fields := Fields{}
	if cur, ok := a.states[a.clientID]; ok {
		for k, v := range cur.Fields {
			fields[k] = v
		}
	}
	fields[key] = value
	change := a.setLocalLocked(fields)
	update, err := a.encodeLocked([]string{a.clientID})
	a.mu.Unlock()

	a.notify(change)
	return update, err
}

// SetLocalState replaces the local state. A nil fields clears it.
func (a *Awareness) SetLocalState(fields Fields) ([]byte, error) {
	a.mu.Lock()
	change := a.setLocalLocked(fields)
	update, err := a.encodeLocked([]string{a.clientID})
	a.mu.Unlock()

	a.notify(change)
	return update, err
}

// ClearLocal removes the local state and returns the removal update.
func (a *Awareness) ClearLocal() ([]byte, error) {
	return a.SetLocalState(nil)
}

// Renew re-announces the unchanged local state under a new clock so remote
// records do not expire it. It returns nil when there is no local state.
func (a *Awareness) Renew() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[a.clientID]
	if !ok {
		return nil, nil
	}
	a.clocks[a.clientID]++
	st.Clock = a.clocks[a.clientID]
	st.UpdatedAt = a.clock.Now()
	a.states[a.clientID] = st
	return a.encodeLocked([]string{a.clientID})
}

// LocalState returns the local fields, or nil when cleared.
func (a *Awareness) LocalState() Fields {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[a.clientID]; ok {
		return copyFields(st.Fields)
	}
	return nil
}

// States returns a copy of every known client's state.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]State, len(a.states))
	for id, st := range a.states {
		st.Fields = copyFields(st.Fields)
		out[id] = st
	}
	return out
}

// EncodeUpdate encodes the given clients' states, or every state when none are named.
func (a *Awareness) EncodeUpdate(clients ...string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(clients) == 0 {
		for id := range a.states {
			clients = append(clients, id)
		}
		sort.Strings(clients)
	}
	return a.encodeLocked(clients)
}

// ApplyUpdate merges a remote update. Entries with a clock not newer than the
// known one are ignored; the local entry is never overwritten from outside.
func (a *Awareness) ApplyUpdate(data []byte) error {
	var entries []wireEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}

	a.mu.Lock()
	now := a.clock.Now()
	var change Change
	for _, e := range entries {
		if e.ClientID == "" || e.ClientID == a.clientID {
			continue
		}
		known, seen := a.clocks[e.ClientID]
		if seen && e.Clock <= known {
			continue
		}
		a.clocks[e.ClientID] = e.Clock
		_, present := a.states[e.ClientID]
		switch {
		case e.Fields == nil:
			if present {
				delete(a.states, e.ClientID)
				change.Removed = append(change.Removed, e.ClientID)
			}
		case present:
			a.states[e.ClientID] = State{Clock: e.Clock, Fields: e.Fields, UpdatedAt: now}
			change.Updated = append(change.Updated, e.ClientID)
		default:
			a.states[e.ClientID] = State{Clock: e.Clock, Fields: e.Fields, UpdatedAt: now}
			change.Added = append(change.Added, e.ClientID)
		}
	}
	a.mu.Unlock()

	a.notify(change)
	return nil
}

// RemoveStates drops remote clients locally without publishing anything.
func (a *Awareness) RemoveStates(clients ...string) {
	a.mu.Lock()
	var change Change
	for _, id := range clients {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		}
	}
	a.mu.Unlock()
	a.notify(change)
}

// Expire removes remote states not refreshed within timeout and returns their ids.
func (a *Awareness) Expire(timeout time.Duration) []string {
	a.mu.Lock()
	now := a.clock.Now()
	var stale []string
	for id, st := range a.states {
		if id != a.clientID && now.Sub(st.UpdatedAt) >= timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	sort.Strings(stale)
	a.RemoveStates(stale...)
	return stale
}

// Observe registers fn for changes and returns its cancel func.
func (a *Awareness) Observe(fn func(Change)) func() {
	a.mu.Lock()
	id := a.observerID
	a.observerID++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

func (a *Awareness) setLocalLocked(fields Fields) Change {
	a.clocks[a.clientID]++
	_, present := a.states[a.clientID]
	if fields == nil {
		delete(a.states, a.clientID)
		if present {
			return Change{Removed: []string{a.clientID}}
		}
		return Change{}
	}
	a.states[a.clientID] = State{Clock: a.clocks[a.clientID], Fields: fields, UpdatedAt: a.clock.Now()}
	if present {
		return Change{Updated: []string{a.clientID}}
	}
	return Change{Added: []string{a.clientID}}
}

func (a *Awareness) encodeLocked(clients []string) ([]byte, error) {
	entries := make([]wireEntry, 0, len(clients))
	for _, id := range clients {
		e := wireEntry{ClientID: id, Clock: a.clocks[id]}
		if st, ok := a.states[id]; ok {
			e.Fields = st.Fields
		}
		entries = append(entries, e)
	}
	return json.Marshal(entries)
}

func (a *Awareness) notify(change Change) {
	if change.empty() {
		return
	}
	a.mu.Lock()
	fns := make([]func(Change), 0, len(a.observers))
	for _, fn := range a.observers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func copyFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
