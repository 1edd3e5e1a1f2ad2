package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/internal/tlsutil"
	"github.com/BaSui01/cardflow/types"
)

// =============================================================================
// 🗄️ Redis 共享状态存储
// =============================================================================

const (
	fieldValue   = "value"
	fieldVersion = "version"
	fieldUpdated = "updated_at"
)

// RedisStateStore is the infra shared-state store. Each key is a hash
// holding value/version/updated_at; Put runs a WATCH/MULTI transaction so a
// concurrent writer invalidates the compare-and-set.
type RedisStateStore struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
	logger    *zap.Logger
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisClient builds a client from cfg. TLS uses the hardened defaults.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		TLSConfig:    tlsutil.ForRedis(cfg.TLS, cfg.Addr),
	}
	return redis.NewClient(opts)
}

// OpenRedisStateStore connects to Redis and verifies the connection.
func OpenRedisStateStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisStateStore, error) {
	client := NewRedisClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Addr, err)
	}
	s := NewRedisStateStore(client, cfg.KeyPrefix, logger)
	s.owned = true
	s.logger.Info("redis state store connected", zap.String("addr", cfg.Addr))
	return s, nil
}

// NewRedisStateStore wraps an existing client. The caller keeps ownership
// of client.
func NewRedisStateStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "cardflow:"
	}
	return &RedisStateStore{
		client:    client,
		keyPrefix: keyPrefix + "state:",
		logger:    logger.With(zap.String("component", "redis_state_store")),
	}
}

func (s *RedisStateStore) key(ns, key string) string {
	return s.keyPrefix + ns + ":" + key
}

// Get returns the current entry for key.
func (s *RedisStateStore) Get(ctx context.Context, ns, key string) (StateEntry, error) {
	vals, err := s.client.HGetAll(ctx, s.key(ns, key)).Result()
	if err != nil {
		return StateEntry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decodeEntry(key, vals)
}

func decodeEntry(key string, vals map[string]string) (StateEntry, error) {
	e := StateEntry{Key: key}
	if len(vals) == 0 {
		return e, nil
	}
	v, err := strconv.ParseInt(vals[fieldVersion], 10, 64)
	if err != nil {
		return e, fmt.Errorf("corrupt version for %s: %w", key, err)
	}
	e.Version = v
	if raw, ok := vals[fieldValue]; ok {
		e.Value = []byte(raw)
	}
	if ts, ok := vals[fieldUpdated]; ok {
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return e, nil
}

// Put performs an optimistic compare-and-set.
func (s *RedisStateStore) Put(ctx context.Context, ns, key string, value []byte, expected int64) (int64, error) {
	rk := s.key(ns, key)
	var next int64
	var conflict error

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		cur, err := decodeEntry(key, vals)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			conflict = types.NewVersionConflict(key, expected, cur.Version)
			return conflict
		}
		next = cur.Version + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rk,
				fieldValue, value,
				fieldVersion, next,
				fieldUpdated, time.Now().UTC().Format(time.RFC3339Nano))
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, rk)
	switch {
	case err == nil:
		return next, nil
	case conflict != nil:
		return 0, conflict
	case errors.Is(err, redis.TxFailedErr):
		// Another writer committed between WATCH and EXEC.
		cur, gerr := s.Get(ctx, ns, key)
		if gerr != nil {
			return 0, gerr
		}
		s.logger.Debug("state write lost race", zap.String("key", key), zap.Int64("expected", expected))
		return 0, types.NewVersionConflict(key, expected, cur.Version)
	default:
		return 0, fmt.Errorf("redis put %s: %w", key, err)
	}
}

// Ping checks the connection.
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store opened it.
func (s *RedisStateStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
