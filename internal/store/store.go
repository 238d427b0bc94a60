package store

import (
	"context"
	"errors"
)

// ErrNotInteger is returned by Incr when the stored value is not an integer.
var ErrNotInteger = errors.New("value is not an integer")

// Reader is the read half of the state store.
type Reader interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set membership
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int, error)
	// SRandMember returns an arbitrary member of the set, or false if it is empty.
	SRandMember(ctx context.Context, key string) (string, bool, error)
}

// ReadWriter is what scheduling operations need from a store. Both a Store
// and a Tx satisfy it.
type ReadWriter interface {
	Reader

	// Incr atomically increments the integer at key (missing keys start at 0)
	// and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Apply executes every operation of the batch as one unit. On error none
	// of the operations take effect.
	Apply(ctx context.Context, b *Batch) error
}

// Store is a key-value and set store with an all-or-nothing batch primitive.
// Callers are expected to serialize their own read-modify-write sequences;
// the store only guarantees that a single Apply is indivisible.
type Store interface {
	ReadWriter

	// Ping checks the connection to the backend.
	Ping(ctx context.Context) error
	Close() error
	// Name identifies the backend in logs and health output.
	Name() string
}

// OpKind identifies a batched write.
type OpKind int

const (
	OpSet OpKind = iota
	OpDel
	OpSAdd
	OpSRem
	OpSMove
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpDel:
		return "del"
	case OpSAdd:
		return "sadd"
	case OpSRem:
		return "srem"
	case OpSMove:
		return "smove"
	}
	return "unknown"
}

// Op is one write in a Batch. Dest is only used by OpSMove; Value holds the
// value for OpSet and the member for set operations.
type Op struct {
	Kind  OpKind
	Key   string
	Dest  string
	Value string
}

// Batch collects writes to be applied together. Operations run in the order
// they were added.
type Batch struct {
	Ops []Op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set writes value at key.
func (b *Batch) Set(key, value string) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpSet, Key: key, Value: value})
	return b
}

// Del removes key, whether it holds a value or a set.
func (b *Batch) Del(key string) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpDel, Key: key})
	return b
}

// SAdd adds member to the set at key.
func (b *Batch) SAdd(key, member string) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpSAdd, Key: key, Value: member})
	return b
}

// SRem removes member from the set at key.
func (b *Batch) SRem(key, member string) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpSRem, Key: key, Value: member})
	return b
}

// SMove moves member from src to dst. It is a no-op when member is not in src.
func (b *Batch) SMove(src, dst, member string) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpSMove, Key: src, Dest: dst, Value: member})
	return b
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.Ops)
}

// Merge appends the operations of other to b.
func (b *Batch) Merge(other *Batch) *Batch {
	if other != nil {
		b.Ops = append(b.Ops, other.Ops...)
	}
	return b
}
