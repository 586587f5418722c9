package crdt

import "fmt"

// CharID is a globally unique identifier for an operation, combining a per-peer
// logical clock and the ID of the peer that created it. Clocks of one peer are
// contiguous from zero, which is what lets a state vector summarise them.
type CharID struct {
	_msgpack struct{} `msgpack:",as_array"`
	Clock    uint64   `msgpack:"c"`
	PeerID   string   `msgpack:"p"`
}

// IsZero reports whether id is the document-start sentinel.
func (id CharID) IsZero() bool {
	return id.PeerID == "" && id.Clock == 0
}

func (id CharID) String() string {
	if id.IsZero() {
		return "<start>"
	}
	return fmt.Sprintf("%s@%d", id.PeerID, id.Clock)
}

func (id CharID) key() charKey {
	return charKey{clock: id.Clock, peer: id.PeerID}
}

// charKey is the comparable form of CharID used as a map key.
type charKey struct {
	clock uint64
	peer  string
}

// OpKind distinguishes inserts from deletions.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

// Op is a single entry of the replica's operation set. Inserts place one
// character to the right of Left; deletions tombstone Target.
type Op struct {
	_msgpack struct{} `msgpack:",as_array"`
	ID       CharID   `msgpack:"id"`
	Kind     OpKind   `msgpack:"k"`
	Lamport  uint64   `msgpack:"l"`
	Left     CharID   `msgpack:"o"`
	Value    string   `msgpack:"v"`
	Target   CharID   `msgpack:"t"`
}

func (op Op) validate() error {
	if op.ID.PeerID == "" {
		return fmt.Errorf("op without peer id")
	}
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return fmt.Errorf("insert %s has no value", op.ID)
		}
	case OpDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("delete %s has no target", op.ID)
		}
	default:
		return fmt.Errorf("op %s has unknown kind %d", op.ID, op.Kind)
	}
	return nil
}

// OriginKind tags who caused a mutation of the replica.
type OriginKind uint8

const (
	// OriginLocal is an edit made by this process (editor input).
	OriginLocal OriginKind = iota
	// OriginProvider is an update received from the network by a sync provider.
	OriginProvider
	// OriginStore is state loaded from the backing store.
	OriginStore
)

// Origin is attached to every mutation so that the sync provider never echoes
// remote updates and the persistence layer only saves local work. The zero
// value is a local origin.
type Origin struct {
	Kind     OriginKind
	Instance string
}

func LocalOrigin() Origin { return Origin{Kind: OriginLocal} }

func ProviderOrigin(instance string) Origin {
	return Origin{Kind: OriginProvider, Instance: instance}
}

func StoreOrigin() Origin { return Origin{Kind: OriginStore} }

func (o Origin) IsLocal() bool { return o.Kind == OriginLocal }

// IsProvider reports whether the update was applied by the provider with the given instance id.
func (o Origin) IsProvider(instance string) bool {
	return o.Kind == OriginProvider && o.Instance == instance
}

func (o Origin) String() string {
	switch o.Kind {
	case OriginLocal:
		return "local"
	case OriginProvider:
		return "provider:" + o.Instance
	case OriginStore:
		return "store"
	default:
		return fmt.Sprintf("origin(%d)", o.Kind)
	}
}
