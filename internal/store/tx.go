package store

import (
	"context"
	"math/rand/v2"
)

// Tx stages batches over a Store without writing them. Reads through the Tx
// see the staged writes; Commit hands everything to the store as a single
// Apply. Dropping a Tx without committing discards its writes.
//
// Incr is not staged: counters advance even if the Tx is discarded.
type Tx struct {
	base   Store
	staged *Batch
	values map[string]stagedValue
	sets   map[string]map[string]struct{}
}

type stagedValue struct {
	value string
	ok    bool
}

// NewTx starts a Tx over base.
func NewTx(base Store) *Tx {
	return &Tx{
		base:   base,
		staged: NewBatch(),
		values: make(map[string]stagedValue),
		sets:   make(map[string]map[string]struct{}),
	}
}

// Pending returns the number of staged operations.
func (t *Tx) Pending() int { return t.staged.Len() }

func (t *Tx) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok := t.values[key]; ok {
		return v.value, v.ok, nil
	}
	return t.base.Get(ctx, key)
}

func (t *Tx) SIsMember(ctx context.Context, key, member string) (bool, error) {
	if set, ok := t.sets[key]; ok {
		_, found := set[member]
		return found, nil
	}
	return t.base.SIsMember(ctx, key, member)
}

func (t *Tx) SMembers(ctx context.Context, key string) ([]string, error) {
	set, ok := t.sets[key]
	if !ok {
		return t.base.SMembers(ctx, key)
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

func (t *Tx) SCard(ctx context.Context, key string) (int, error) {
	if set, ok := t.sets[key]; ok {
		return len(set), nil
	}
	return t.base.SCard(ctx, key)
}

func (t *Tx) SRandMember(ctx context.Context, key string) (string, bool, error) {
	set, ok := t.sets[key]
	if !ok {
		return t.base.SRandMember(ctx, key)
	}
	if len(set) == 0 {
		return "", false, nil
	}
	i := rand.IntN(len(set))
	for m := range set {
		if i == 0 {
			return m, true, nil
		}
		i--
	}
	return "", false, nil
}

// Incr goes straight to the store.
func (t *Tx) Incr(ctx context.Context, key string) (int64, error) {
	return t.base.Incr(ctx, key)
}

// Apply stages b. Set keys touched by b are read from the store once so
// later reads through the Tx reflect the batch.
func (t *Tx) Apply(ctx context.Context, b *Batch) error {
	for _, op := range b.Ops {
		switch op.Kind {
		case OpSet:
			t.values[op.Key] = stagedValue{value: op.Value, ok: true}
		case OpDel:
			t.values[op.Key] = stagedValue{}
			t.sets[op.Key] = map[string]struct{}{}
		case OpSAdd:
			set, err := t.load(ctx, op.Key)
			if err != nil {
				return err
			}
			set[op.Value] = struct{}{}
		case OpSRem:
			set, err := t.load(ctx, op.Key)
			if err != nil {
				return err
			}
			delete(set, op.Value)
		case OpSMove:
			src, err := t.load(ctx, op.Key)
			if err != nil {
				return err
			}
			dst, err := t.load(ctx, op.Dest)
			if err != nil {
				return err
			}
			if _, ok := src[op.Value]; ok {
				delete(src, op.Value)
				dst[op.Value] = struct{}{}
			}
		}
	}
	t.staged.Merge(b)
	return nil
}

func (t *Tx) load(ctx context.Context, key string) (map[string]struct{}, error) {
	if set, ok := t.sets[key]; ok {
		return set, nil
	}
	members, err := t.base.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	t.sets[key] = set
	return set, nil
}

// Commit applies every staged operation in one Apply and resets the Tx.
func (t *Tx) Commit(ctx context.Context) error {
	if t.staged.Len() == 0 {
		return nil
	}
	b := t.staged
	t.staged = NewBatch()
	t.values = make(map[string]stagedValue)
	t.sets = make(map[string]map[string]struct{})
	return t.base.Apply(ctx, b)
}
