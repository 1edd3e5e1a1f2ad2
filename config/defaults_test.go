package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, RegistryConfig{}, cfg.Registry)
	assert.NotEqual(t, ExecutorConfig{}, cfg.Executor)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, MongoConfig{}, cfg.Mongo)
	assert.NotEqual(t, PIIConfig{}, cfg.PII)
	assert.NotEqual(t, RetrievalConfig{}, cfg.Retrieval)
	assert.NotEqual(t, StorageConfig{}, cfg.Storage)
	assert.NotEqual(t, LedgerConfig{}, cfg.Ledger)
	assert.NotEqual(t, AuditConfig{}, cfg.Audit)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
}

// --- Individual Default*Config functions ---

func TestDefaultExecutorConfig(t *testing.T) {
	cfg := DefaultExecutorConfig()
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.DefaultTimeout)
	assert.Equal(t, 10*time.Second, cfg.ReadinessTimeout)
	assert.Equal(t, 2*time.Second, cfg.StreamGrace)
	assert.False(t, cfg.AllowRegression)
	assert.Equal(t, "file", cfg.CheckpointStore)
	assert.Equal(t, 24*time.Hour, cfg.CheckpointTTL)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, "cardflow:", cfg.KeyPrefix)
	assert.False(t, cfg.TLS)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultMongoConfig(t *testing.T) {
	cfg := DefaultMongoConfig()
	assert.Equal(t, "mongodb://localhost:27017", cfg.URI)
	assert.Equal(t, "knowledge", cfg.Collection)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
}

func TestDefaultAuditConfig(t *testing.T) {
	cfg := DefaultAuditConfig()
	assert.Equal(t, 1024, cfg.BufferSize)
	assert.Equal(t, "log", cfg.Sink)
	assert.NotEmpty(t, cfg.Path)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "cardflow", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
