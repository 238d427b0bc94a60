package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces every key, e.g. "kestrel:".
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisStore implements Store on Redis. Batches are applied as MULTI/EXEC
// transactions.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		logger: logger.With("component", "store", "backend", "redis"),
	}, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) k(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.logger.Debug("redis", "op", "get", "key", key)
	v, err := s.client.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	s.logger.Debug("redis", "op", "incr", "key", key)
	n, err := s.client.Incr(ctx, s.k(key)).Result()
	if err != nil && strings.Contains(err.Error(), "not an integer") {
		return 0, ErrNotInteger
	}
	return n, err
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, s.k(key), member).Result()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.logger.Debug("redis", "op", "smembers", "set", key)
	return s.client.SMembers(ctx, s.k(key)).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int, error) {
	n, err := s.client.SCard(ctx, s.k(key)).Result()
	return int(n), err
}

func (s *RedisStore) SRandMember(ctx context.Context, key string) (string, bool, error) {
	m, err := s.client.SRandMember(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m, true, nil
}

// Apply queues the batch in a MULTI/EXEC pipeline.
func (s *RedisStore) Apply(ctx context.Context, b *Batch) error {
	s.logger.Debug("redis", "op", "apply", "ops", b.Len())
	if b.Len() == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range b.Ops {
			switch op.Kind {
			case OpSet:
				pipe.Set(ctx, s.k(op.Key), op.Value, 0)
			case OpDel:
				pipe.Del(ctx, s.k(op.Key))
			case OpSAdd:
				pipe.SAdd(ctx, s.k(op.Key), op.Value)
			case OpSRem:
				pipe.SRem(ctx, s.k(op.Key), op.Value)
			case OpSMove:
				pipe.SMove(ctx, s.k(op.Key), s.k(op.Dest), op.Value)
			default:
				return fmt.Errorf("unknown op %d", op.Kind)
			}
		}
		return nil
	})
	return err
}
