package crdt

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// svEntry is one peer's entry of an encoded state vector: the next clock the
// replica expects from that peer.
type svEntry struct {
	_msgpack struct{} `msgpack:",as_array"`
	PeerID   string   `msgpack:"p"`
	Next     uint64   `msgpack:"n"`
}

// encodeOps serialises ops in (peer, clock) order so that equal op sets
// always produce identical bytes.
func encodeOps(ops []Op) ([]byte, error) {
	sortOps(ops)
	if ops == nil {
		ops = []Op{}
	}
	b, err := msgpack.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return b, nil
}

func decodeOps(data []byte) ([]Op, error) {
	var ops []Op
	if err := msgpack.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("%w: decode update: %v", ErrCorruptData, err)
	}
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
	}
	return ops, nil
}

func encodeStateVector(next map[string]uint64) ([]byte, error) {
	entries := make([]svEntry, 0, len(next))
	for peer, n := range next {
		if n == 0 {
			continue
		}
		entries = append(entries, svEntry{PeerID: peer, Next: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PeerID < entries[j].PeerID })
	b, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return b, nil
}

// DecodeStateVector parses an encoded state vector into peer -> next clock.
func DecodeStateVector(data []byte) (map[string]uint64, error) {
	var entries []svEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode state vector: %v", ErrCorruptData, err)
	}
	sv := make(map[string]uint64, len(entries))
	for _, e := range entries {
		if e.PeerID == "" {
			return nil, fmt.Errorf("%w: state vector entry without peer", ErrCorruptData)
		}
		sv[e.PeerID] = e.Next
	}
	return sv, nil
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.PeerID != ops[j].ID.PeerID {
			return ops[i].ID.PeerID < ops[j].ID.PeerID
		}
		return ops[i].ID.Clock < ops[j].ID.Clock
	})
}
