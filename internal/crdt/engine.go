package crdt

import "errors"

// ErrCorruptData is wrapped by every decode failure of updates and state vectors.
var ErrCorruptData = errors.New("corrupt crdt data")

// UpdateEvent is delivered to observers after an apply changed the replica.
// Update holds only the operations that were new to this replica.
type UpdateEvent struct {
	Update []byte
	Origin Origin
}

// Engine is the replica surface the sync provider and the persistence
// manager depend on. Merging is commutative, associative and idempotent.
type Engine interface {
	ClientID() string
	ApplyUpdate(update []byte, origin Origin) error
	EncodeStateAsUpdate() ([]byte, error)
	EncodeStateVector() ([]byte, error)
	EncodeDiff(stateVector []byte) ([]byte, error)
	MergeUpdates(updates [][]byte) ([]byte, error)
	// Observe registers fn for update notifications and returns its cancel func.
	Observe(fn func(UpdateEvent)) (cancel func())
	// Text is the plain-text projection of the replica.
	Text() string
	// Len is the length of the text projection in characters.
	Len() int
}
