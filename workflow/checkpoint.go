package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/types"
)

// Checkpoint is the state of an interrupted run, enough to re-enter the
// interrupted nodes with the same RequestContext.
type Checkpoint struct {
	// Tokens lists every resume token that points at this checkpoint.
	Tokens    []string                    `json:"tokens"`
	FlowID    string                      `json:"flow_id,omitempty"`
	NodeID    string                      `json:"node_id,omitempty"`
	ProfileID string                      `json:"profile_id"`
	Context   types.RequestContextOptions `json:"context"`
	Payload   string                      `json:"payload,omitempty"`
	// Overrides applied to a single-node run.
	ProviderOverride string `json:"provider_override,omitempty"`
	ModelOverride    string `json:"model_override,omitempty"`
	// Completed holds the results carried into the resumed run.
	Completed map[string]*NodeRunResult `json:"completed,omitempty"`
	// Interrupted maps resume token to node id.
	Interrupted map[string]string `json:"interrupted"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewResumeToken returns a token naming the run and node it re-enters.
func NewResumeToken(runID, nodeID string) string {
	return fmt.Sprintf("rt_%s_%s_%s", runID, nodeID, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// InterruptStore persists checkpoints by resume token.
type InterruptStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns a NOT_FOUND error for an unknown token.
	Load(ctx context.Context, token string) (*Checkpoint, error)
	// Delete removes every token of cp.
	Delete(ctx context.Context, cp *Checkpoint) error
}

func notFoundToken(token string) error {
	return types.NewError(types.ErrNotFound, "no checkpoint for resume token").WithRef(token)
}

// ====== 内存实现 ======

// MemoryInterruptStore keeps checkpoints in process.
type MemoryInterruptStore struct {
	mu  sync.RWMutex
	cps map[string]*Checkpoint
}

// NewMemoryInterruptStore 创建内存检查点存储
func NewMemoryInterruptStore() *MemoryInterruptStore {
	return &MemoryInterruptStore{cps: make(map[string]*Checkpoint)}
}

func (s *MemoryInterruptStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range cp.Tokens {
		s.cps[t] = cp
	}
	return nil
}

func (s *MemoryInterruptStore) Load(_ context.Context, token string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[token]
	if !ok {
		return nil, notFoundToken(token)
	}
	return cp, nil
}

func (s *MemoryInterruptStore) Delete(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range cp.Tokens {
		delete(s.cps, t)
	}
	return nil
}

// ====== 文件实现 ======

// FileInterruptStore writes one JSON file per token under dir.
type FileInterruptStore struct {
	dir string
}

// NewFileInterruptStore 创建文件检查点存储
func NewFileInterruptStore(dir string) (*FileInterruptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileInterruptStore{dir: dir}, nil
}

func (s *FileInterruptStore) path(token string) string {
	return filepath.Join(s.dir, filepath.Base(token)+".json")
}

func (s *FileInterruptStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	for _, t := range cp.Tokens {
		tmp, err := os.CreateTemp(s.dir, ".tmp-*")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		if err := os.Rename(tmp.Name(), s.path(t)); err != nil {
			os.Remove(tmp.Name())
			return err
		}
	}
	return nil
}

func (s *FileInterruptStore) Load(_ context.Context, token string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(token))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFoundToken(token)
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *FileInterruptStore) Delete(_ context.Context, cp *Checkpoint) error {
	var errs []error
	for _, t := range cp.Tokens {
		if err := os.Remove(s.path(t)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ====== Redis 实现 ======

// RedisInterruptStore stores checkpoints as JSON strings with a TTL.
type RedisInterruptStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisInterruptStore 创建 Redis 检查点存储。ttl <= 0 表示不过期
func NewRedisInterruptStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisInterruptStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "cardflow:"
	}
	return &RedisInterruptStore{
		client: client,
		prefix: prefix + "checkpoint:",
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

func (s *RedisInterruptStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, t := range cp.Tokens {
		pipe.Set(ctx, s.prefix+t, data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.logger.Debug("checkpoint saved to redis",
		zap.String("run_id", cp.Context.RunID),
		zap.Int("tokens", len(cp.Tokens)),
	)
	return nil
}

func (s *RedisInterruptStore) Load(ctx context.Context, token string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFoundToken(token)
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisInterruptStore) Delete(ctx context.Context, cp *Checkpoint) error {
	keys := make([]string, 0, len(cp.Tokens))
	for _, t := range cp.Tokens {
		keys = append(keys, s.prefix+t)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
