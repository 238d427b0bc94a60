package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// backends returns a constructor per backend that can run without external
// services. Postgres is added when KESTREL_POSTGRES_DSN is set.
func backends() map[string]func(t *testing.T) Store {
	m := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(testLogger())
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			st, err := NewSQLiteStore(":memory:", testLogger())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			if err := st.Migrate(context.Background()); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		},
		"badger": func(t *testing.T) Store {
			t.Helper()
			st, err := NewBadgerStore("", testLogger())
			if err != nil {
				t.Fatalf("open badger: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		},
		"redis": func(t *testing.T) Store {
			t.Helper()
			mr := miniredis.RunT(t)
			st, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "test:"}, testLogger())
			if err != nil {
				t.Fatalf("open redis: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		},
	}
	if dsn := os.Getenv("KESTREL_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) Store {
			t.Helper()
			ctx := context.Background()
			st, err := NewPostgresStore(ctx, dsn, testLogger())
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			if err := st.Migrate(ctx); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			// Isolate runs sharing one database.
			st.db.ExecContext(ctx, `DELETE FROM kv`)
			st.db.ExecContext(ctx, `DELETE FROM members`)
			t.Cleanup(func() { st.Close() })
			return st
		}
	}
	return m
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStore_GetSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
			t.Fatalf("Get(missing) = ok=%v err=%v, want not found", ok, err)
		}
		if err := st.Apply(ctx, NewBatch().Set("job:1", `{"id":1}`)); err != nil {
			t.Fatalf("Set: %v", err)
		}
		v, ok, err := st.Get(ctx, "job:1")
		if err != nil || !ok || v != `{"id":1}` {
			t.Fatalf("Get = (%q, %v, %v)", v, ok, err)
		}
		if err := st.Apply(ctx, NewBatch().Set("job:1", "overwritten")); err != nil {
			t.Fatalf("Set overwrite: %v", err)
		}
		v, _, _ = st.Get(ctx, "job:1")
		if v != "overwritten" {
			t.Errorf("Get after overwrite = %q", v)
		}
	})
}

func TestStore_Incr(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			got, err := st.Incr(ctx, "jobs:next_id")
			if err != nil {
				t.Fatalf("Incr: %v", err)
			}
			if got != want {
				t.Errorf("Incr = %d, want %d", got, want)
			}
		}

		st.Apply(ctx, NewBatch().Set("text", "abc"))
		if _, err := st.Incr(ctx, "text"); !errors.Is(err, ErrNotInteger) {
			t.Errorf("Incr(text) err = %v, want ErrNotInteger", err)
		}
	})
}

func TestStore_Sets(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		b := NewBatch().SAdd("workers:online", "a").SAdd("workers:online", "b").SAdd("workers:online", "a")
		if err := st.Apply(ctx, b); err != nil {
			t.Fatalf("Apply: %v", err)
		}

		members, err := st.SMembers(ctx, "workers:online")
		if err != nil {
			t.Fatalf("SMembers: %v", err)
		}
		if got := sorted(members); !equalStrings(got, []string{"a", "b"}) {
			t.Errorf("SMembers = %v, want [a b]", got)
		}
		if n, _ := st.SCard(ctx, "workers:online"); n != 2 {
			t.Errorf("SCard = %d, want 2", n)
		}
		if ok, _ := st.SIsMember(ctx, "workers:online", "b"); !ok {
			t.Error("SIsMember(b) = false, want true")
		}
		if ok, _ := st.SIsMember(ctx, "workers:online", "c"); ok {
			t.Error("SIsMember(c) = true, want false")
		}

		m, ok, err := st.SRandMember(ctx, "workers:online")
		if err != nil || !ok || (m != "a" && m != "b") {
			t.Errorf("SRandMember = (%q, %v, %v)", m, ok, err)
		}
		if _, ok, _ := st.SRandMember(ctx, "empty"); ok {
			t.Error("SRandMember(empty) returned a member")
		}
		if n, _ := st.SCard(ctx, "empty"); n != 0 {
			t.Errorf("SCard(empty) = %d, want 0", n)
		}

		if err := st.Apply(ctx, NewBatch().SRem("workers:online", "a")); err != nil {
			t.Fatalf("Apply srem: %v", err)
		}
		members, _ = st.SMembers(ctx, "workers:online")
		if !equalStrings(members, []string{"b"}) {
			t.Errorf("after SRem: %v, want [b]", members)
		}
	})
}

func TestStore_SMove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		st.Apply(ctx, NewBatch().SAdd("job:1:tasks:queued", "0").SAdd("job:1:tasks:queued", "1"))

		b := NewBatch().
			SMove("job:1:tasks:queued", "job:1:tasks:pending", "0").
			SMove("job:1:tasks:queued", "job:1:tasks:pending", "7") // absent: no-op
		if err := st.Apply(ctx, b); err != nil {
			t.Fatalf("Apply: %v", err)
		}

		queued, _ := st.SMembers(ctx, "job:1:tasks:queued")
		pending, _ := st.SMembers(ctx, "job:1:tasks:pending")
		if !equalStrings(queued, []string{"1"}) {
			t.Errorf("queued = %v, want [1]", queued)
		}
		if !equalStrings(pending, []string{"0"}) {
			t.Errorf("pending = %v, want [0]", pending)
		}
	})
}

func TestStore_Del(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		st.Apply(ctx, NewBatch().Set("worker:w1", "{}").SAdd("worker:w1:tasks", "1,0"))

		if err := st.Apply(ctx, NewBatch().Del("worker:w1").Del("worker:w1:tasks").Del("never-existed")); err != nil {
			t.Fatalf("Apply del: %v", err)
		}
		if _, ok, _ := st.Get(ctx, "worker:w1"); ok {
			t.Error("value survived Del")
		}
		if n, _ := st.SCard(ctx, "worker:w1:tasks"); n != 0 {
			t.Errorf("set survived Del: %d members", n)
		}
	})
}

func TestStore_ApplyOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		b := NewBatch().
			Set("k", "first").
			Set("k", "second").
			SAdd("s", "x").
			SMove("s", "t", "x")
		if err := st.Apply(ctx, b); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if v, _, _ := st.Get(ctx, "k"); v != "second" {
			t.Errorf("k = %q, want second", v)
		}
		if ok, _ := st.SIsMember(ctx, "t", "x"); !ok {
			t.Error("member added then moved in one batch was not moved")
		}
	})
}

func TestStore_ApplyContextCancelled(t *testing.T) {
	st, err := NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	if err := st.Apply(ctx, NewBatch().Set("a", "1").Set("b", "2")); err == nil {
		t.Fatal("Apply with expired context should fail")
	}
	for _, k := range []string{"a", "b"} {
		if _, ok, _ := st.Get(context.Background(), k); ok {
			t.Errorf("key %s written by failed batch", k)
		}
	}
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"", "memory", "sqlite", "badger"} {
		st, err := Open(ctx, Config{Backend: backend}, testLogger())
		if err != nil {
			t.Fatalf("Open(%q): %v", backend, err)
		}
		if err := st.Ping(ctx); err != nil {
			t.Errorf("Ping(%q): %v", backend, err)
		}
		st.Close()
	}
	if _, err := Open(ctx, Config{Backend: "etcd"}, testLogger()); err == nil {
		t.Error("Open(etcd) should fail")
	}
}

func TestSQLStore_PostgresPlaceholders(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	got := s.q(`SELECT 1 FROM members WHERE s = ? AND m = ?`)
	want := `SELECT 1 FROM members WHERE s = $1 AND m = $2`
	if got != want {
		t.Errorf("q() = %q, want %q", got, want)
	}
	s.dialect = DialectSQLite
	if got := s.q("k = ?"); got != "k = ?" {
		t.Errorf("sqlite q() = %q, want unchanged", got)
	}
}
