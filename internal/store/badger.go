package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// key prefixes
const (
	badgerValuePrefix = "v/"
	badgerSetPrefix   = "s/"
)

// BadgerStore implements Store on an embedded BadgerDB. Point values live
// under v/<key>; each set member is its own entry under s/<set>\x00<member>
// so that membership, listing and cardinality are prefix scans.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens a BadgerDB at dir. An empty dir opens an in-memory
// database (useful in tests).
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = badgerLogger{logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "store", "backend", "badger"),
	}, nil
}

func (s *BadgerStore) Name() string { return "badger" }

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// badgerLogger routes BadgerDB's own messages into slog. Its info chatter
// (compactions, flushes) is logged at debug.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, args ...any)   { b.l.Error(strings.TrimSpace(fmt.Sprintf(f, args...))) }
func (b badgerLogger) Warningf(f string, args ...any) { b.l.Warn(strings.TrimSpace(fmt.Sprintf(f, args...))) }
func (b badgerLogger) Infof(f string, args ...any)    { b.l.Debug(strings.TrimSpace(fmt.Sprintf(f, args...))) }
func (b badgerLogger) Debugf(f string, args ...any)   { b.l.Debug(strings.TrimSpace(fmt.Sprintf(f, args...))) }

func valueKey(key string) []byte {
	return []byte(badgerValuePrefix + key)
}

func setPrefix(key string) []byte {
	return []byte(badgerSetPrefix + key + "\x00")
}

func memberKey(key, member string) []byte {
	return append(setPrefix(key), member...)
}

// retryUpdate retries an update on transaction conflicts.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

func (s *BadgerStore) Get(_ context.Context, key string) (string, bool, error) {
	s.logger.Debug("badger", "op", "get", "key", key)
	var (
		v     string
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, found, err = txnGet(txn, valueKey(key))
		return err
	})
	return v, found, err
}

func txnGet(txn *badger.Txn, k []byte) (string, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	b, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (s *BadgerStore) Incr(ctx context.Context, key string) (int64, error) {
	s.logger.Debug("badger", "op", "incr", "key", key)
	var n int64
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		v, ok, err := txnGet(txn, valueKey(key))
		if err != nil {
			return err
		}
		n = 0
		if ok {
			n, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrNotInteger
			}
		}
		n++
		return txn.Set(valueKey(key), []byte(strconv.FormatInt(n, 10)))
	})
	return n, err
}

func (s *BadgerStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(key, member))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// scanMembers returns every member of the set at key as seen by txn,
// including writes still pending in txn.
func scanMembers(txn *badger.Txn, key string) []string {
	prefix := setPrefix(key)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().KeyCopy(nil)
		out = append(out, string(k[len(prefix):]))
	}
	return out
}

func (s *BadgerStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.logger.Debug("badger", "op", "smembers", "set", key)
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		out = scanMembers(txn, key)
		return nil
	})
	return out, err
}

func (s *BadgerStore) SCard(ctx context.Context, key string) (int, error) {
	members, err := s.SMembers(ctx, key)
	return len(members), err
}

func (s *BadgerStore) SRandMember(ctx context.Context, key string) (string, bool, error) {
	members, err := s.SMembers(ctx, key)
	if err != nil || len(members) == 0 {
		return "", false, err
	}
	return members[rand.IntN(len(members))], true, nil
}

// Apply runs the whole batch in a single read-write transaction.
func (s *BadgerStore) Apply(ctx context.Context, b *Batch) error {
	s.logger.Debug("badger", "op", "apply", "ops", b.Len())
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		for _, op := range b.Ops {
			if err := applyBadgerOp(txn, op); err != nil {
				return fmt.Errorf("%s %s: %w", op.Kind, op.Key, err)
			}
		}
		return nil
	})
}

func applyBadgerOp(txn *badger.Txn, op Op) error {
	switch op.Kind {
	case OpSet:
		return txn.Set(valueKey(op.Key), []byte(op.Value))
	case OpDel:
		if err := txn.Delete(valueKey(op.Key)); err != nil {
			return err
		}
		for _, m := range scanMembers(txn, op.Key) {
			if err := txn.Delete(memberKey(op.Key, m)); err != nil {
				return err
			}
		}
		return nil
	case OpSAdd:
		return txn.Set(memberKey(op.Key, op.Value), nil)
	case OpSRem:
		return txn.Delete(memberKey(op.Key, op.Value))
	case OpSMove:
		_, err := txn.Get(memberKey(op.Key, op.Value))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(memberKey(op.Key, op.Value)); err != nil {
			return err
		}
		return txn.Set(memberKey(op.Dest, op.Value), nil)
	}
	return fmt.Errorf("unknown op %d", op.Kind)
}
