package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor of an SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on a relational database using a kv table for
// point values and a members table for sets.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// A single connection keeps ":memory:" databases shared and matches the
	// single-writer discipline of the scheduler.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLStore{
		db:      db,
		dialect: DialectSQLite,
		logger:  logger.With("component", "store", "backend", "sqlite"),
	}, nil
}

// NewPostgresStore connects to PostgreSQL using a lib/pq DSN.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQLStore{
		db:      db,
		dialect: DialectPostgres,
		logger:  logger.With("component", "store", "backend", "postgres"),
	}, nil
}

func (s *SQLStore) Name() string { return string(s.dialect) }

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates all required tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// q rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.logger.Debug("sql", "op", "select", "table", "kv", "key", key)
	return s.get(ctx, s.db, key)
}

func (s *SQLStore) get(ctx context.Context, q querier, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, s.q(`SELECT v FROM kv WHERE k = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLStore) set(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx,
		s.q(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`),
		key, value)
	return err
}

func (s *SQLStore) Incr(ctx context.Context, key string) (int64, error) {
	s.logger.Debug("sql", "op", "incr", "table", "kv", "key", key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	v, ok, err := s.get(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
	}
	n++
	if err := s.set(ctx, tx, key, strconv.FormatInt(n, 10)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (s *SQLStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.logger.Debug("sql", "op", "select", "table", "members", "set", key)
	var one int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM members WHERE s = ? AND m = ?`), key, member).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.logger.Debug("sql", "op", "list", "table", "members", "set", key)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT m FROM members WHERE s = ?`), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) SCard(ctx context.Context, key string) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "members", "set", key)
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM members WHERE s = ?`), key).Scan(&n)
	return n, err
}

func (s *SQLStore) SRandMember(ctx context.Context, key string) (string, bool, error) {
	s.logger.Debug("sql", "op", "random", "table", "members", "set", key)
	var m string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT m FROM members WHERE s = ? ORDER BY RANDOM() LIMIT 1`), key).Scan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m, true, nil
}

// Apply runs the batch inside one transaction.
func (s *SQLStore) Apply(ctx context.Context, b *Batch) error {
	s.logger.Debug("sql", "op", "apply", "ops", b.Len())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range b.Ops {
		if err := s.applyOp(ctx, tx, op); err != nil {
			return fmt.Errorf("%s %s: %w", op.Kind, op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) applyOp(ctx context.Context, tx *sql.Tx, op Op) error {
	switch op.Kind {
	case OpSet:
		return s.set(ctx, tx, op.Key, op.Value)
	case OpDel:
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM kv WHERE k = ?`), op.Key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM members WHERE s = ?`), op.Key)
		return err
	case OpSAdd:
		return s.sadd(ctx, tx, op.Key, op.Value)
	case OpSRem:
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM members WHERE s = ? AND m = ?`), op.Key, op.Value)
		return err
	case OpSMove:
		result, err := tx.ExecContext(ctx, s.q(`DELETE FROM members WHERE s = ? AND m = ?`), op.Key, op.Value)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return s.sadd(ctx, tx, op.Dest, op.Value)
	}
	return fmt.Errorf("unknown op %d", op.Kind)
}

func (s *SQLStore) sadd(ctx context.Context, tx *sql.Tx, key, member string) error {
	_, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO members (s, m) VALUES (?, ?) ON CONFLICT (s, m) DO NOTHING`), key, member)
	return err
}
