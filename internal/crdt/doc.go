package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Doc is an RGA text replica. Its state is a grow-only set of operations, so
// merging is set union: applying updates in any order, any number of times,
// yields the same set and therefore the same text and the same encoding.
type Doc struct {
	mu sync.RWMutex

	clientID string
	clock    uint64
	lamport  uint64

	ops      map[charKey]Op
	next     map[string]uint64
	children map[charKey][]charKey
	deleted  map[charKey]struct{}

	// visible is the cached document order of live characters.
	visible []charKey
	dirty   bool

	observers  map[int]func(UpdateEvent)
	observerID int
}

var _ Engine = (*Doc)(nil)

// NewDoc creates an empty replica owned by clientID.
func NewDoc(clientID string) *Doc {
	return &Doc{
		clientID:  clientID,
		ops:       make(map[charKey]Op),
		next:      make(map[string]uint64),
		children:  make(map[charKey][]charKey),
		deleted:   make(map[charKey]struct{}),
		observers: make(map[int]func(UpdateEvent)),
	}
}

func (d *Doc) ClientID() string {
	return d.clientID
}

// ApplyUpdate merges an encoded update. The replica is left untouched when
// the update cannot be decoded.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	fresh := make([]Op, 0, len(ops))
	for _, op := range ops {
		if d.integrate(op) {
			fresh = append(fresh, op)
		}
	}
	d.mu.Unlock()

	return d.emit(fresh, origin)
}

// Insert adds text at the given character index as a local edit.
func (d *Doc) Insert(index int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	visible := d.order()
	if index < 0 || index > len(visible) {
		d.mu.Unlock()
		return fmt.Errorf("insert index %d out of range [0,%d]", index, len(visible))
	}
	var left CharID
	if index > 0 {
		left = d.ops[visible[index-1]].ID
	}
	ops := make([]Op, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		op := Op{
			ID:      d.nextID(),
			Kind:    OpInsert,
			Lamport: d.lamport + 1,
			Left:    left,
			Value:   string(r),
		}
		d.integrate(op)
		ops = append(ops, op)
		left = op.ID
	}
	d.mu.Unlock()

	return d.emit(ops, LocalOrigin())
}

// Delete removes length characters starting at index as a local edit.
func (d *Doc) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}
	d.mu.Lock()
	visible := d.order()
	if index < 0 || index+length > len(visible) {
		d.mu.Unlock()
		return fmt.Errorf("delete range [%d,%d) out of range [0,%d]", index, index+length, len(visible))
	}
	targets := append([]charKey(nil), visible[index:index+length]...)
	ops := make([]Op, 0, length)
	for _, k := range targets {
		op := Op{
			ID:      d.nextID(),
			Kind:    OpDelete,
			Lamport: d.lamport + 1,
			Target:  d.ops[k].ID,
		}
		d.integrate(op)
		ops = append(ops, op)
	}
	d.mu.Unlock()

	return d.emit(ops, LocalOrigin())
}

func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.RLock()
	ops := make([]Op, 0, len(d.ops))
	for _, op := range d.ops {
		ops = append(ops, op)
	}
	d.mu.RUnlock()
	return encodeOps(ops)
}

func (d *Doc) EncodeStateVector() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeStateVector(d.next)
}

// EncodeDiff returns every operation the holder of stateVector has not seen.
func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	var ops []Op
	for _, op := range d.ops {
		if op.ID.Clock >= sv[op.ID.PeerID] {
			ops = append(ops, op)
		}
	}
	d.mu.RUnlock()
	return encodeOps(ops)
}

// MergeUpdates combines several updates into one without touching the replica.
func (d *Doc) MergeUpdates(updates [][]byte) ([]byte, error) {
	merged := make(map[charKey]Op)
	for _, u := range updates {
		ops, err := decodeOps(u)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			merged[op.ID.key()] = op
		}
	}
	ops := make([]Op, 0, len(merged))
	for _, op := range merged {
		ops = append(ops, op)
	}
	return encodeOps(ops)
}

func (d *Doc) Observe(fn func(UpdateEvent)) func() {
	d.mu.Lock()
	id := d.observerID
	d.observerID++
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}

func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	for _, k := range d.order() {
		sb.WriteString(d.ops[k].Value)
	}
	return sb.String()
}

func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order())
}

// nextID must be called with mu held.
func (d *Doc) nextID() CharID {
	id := CharID{Clock: d.clock, PeerID: d.clientID}
	d.clock++
	return id
}

// integrate adds op to the set and reports whether it was new. Must be called with mu held.
func (d *Doc) integrate(op Op) bool {
	k := op.ID.key()
	if _, ok := d.ops[k]; ok {
		return false
	}
	d.ops[k] = op
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	peer := op.ID.PeerID
	for {
		if _, ok := d.ops[charKey{clock: d.next[peer], peer: peer}]; !ok {
			break
		}
		d.next[peer]++
	}
	if peer == d.clientID && d.next[peer] > d.clock {
		d.clock = d.next[peer]
	}

	switch op.Kind {
	case OpInsert:
		d.children[op.Left.key()] = append(d.children[op.Left.key()], k)
	case OpDelete:
		d.deleted[op.Target.key()] = struct{}{}
	}
	d.dirty = true
	return true
}

// order returns the visible characters in document order, rebuilding the
// cache if needed. Siblings sharing a left neighbour are ordered by
// descending Lamport stamp, ties broken by descending peer id. Inserts whose
// left neighbour has not arrived yet stay hidden until it does.
// Must be called with the write lock held.
func (d *Doc) order() []charKey {
	if !d.dirty && d.visible != nil {
		return d.visible
	}
	visible := make([]charKey, 0, len(d.ops))
	stack := []charKey{{}}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if k != (charKey{}) {
			if _, gone := d.deleted[k]; !gone {
				visible = append(visible, k)
			}
		}
		kids := append([]charKey(nil), d.children[k]...)
		sort.Slice(kids, func(i, j int) bool {
			a, b := d.ops[kids[i]], d.ops[kids[j]]
			if a.Lamport != b.Lamport {
				return a.Lamport > b.Lamport
			}
			return a.ID.PeerID > b.ID.PeerID
		})
		// push in reverse so the first sibling is visited first
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	d.visible = visible
	d.dirty = false
	return visible
}

func (d *Doc) emit(ops []Op, origin Origin) error {
	if len(ops) == 0 {
		return nil
	}
	update, err := encodeOps(ops)
	if err != nil {
		return err
	}
	d.mu.RLock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(UpdateEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.mu.RUnlock()

	ev := UpdateEvent{Update: update, Origin: origin}
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}
