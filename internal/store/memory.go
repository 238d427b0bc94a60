package store

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
)

// MemoryStore implements Store with in-process maps.
type MemoryStore struct {
	mu     sync.Mutex
	kv     map[string]string
	sets   map[string]map[string]struct{}
	logger *slog.Logger
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
		logger: logger.With("component", "store", "backend", "memory"),
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if v, ok := m.kv[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		n = parsed
	}
	n++
	m.kv[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryStore) SCard(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[key]), nil
}

func (m *MemoryStore) SRandMember(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	if len(set) == 0 {
		return "", false, nil
	}
	i := rand.IntN(len(set))
	for member := range set {
		if i == 0 {
			return member, true, nil
		}
		i--
	}
	return "", false, nil
}

func (m *MemoryStore) Apply(_ context.Context, b *Batch) error {
	m.logger.Debug("apply", "ops", b.Len())
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range b.Ops {
		switch op.Kind {
		case OpSet:
			m.kv[op.Key] = op.Value
		case OpDel:
			delete(m.kv, op.Key)
			delete(m.sets, op.Key)
		case OpSAdd:
			m.sadd(op.Key, op.Value)
		case OpSRem:
			m.srem(op.Key, op.Value)
		case OpSMove:
			if _, ok := m.sets[op.Key][op.Value]; ok {
				m.srem(op.Key, op.Value)
				m.sadd(op.Dest, op.Value)
			}
		}
	}
	return nil
}

func (m *MemoryStore) sadd(key, member string) {
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
}

func (m *MemoryStore) srem(key, member string) {
	set, ok := m.sets[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.sets, key)
	}
}
