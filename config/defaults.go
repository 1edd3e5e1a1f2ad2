// =============================================================================
// 📦 cardflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Registry:  DefaultRegistryConfig(),
		Executor:  DefaultExecutorConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Mongo:     DefaultMongoConfig(),
		PII:       DefaultPIIConfig(),
		Retrieval: DefaultRetrievalConfig(),
		Storage:   DefaultStorageConfig(),
		Ledger:    DefaultLedgerConfig(),
		Audit:     DefaultAuditConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Root:        "cards",
		OverlayRoot: ".cardflow/overlay",
	}
}

// DefaultExecutorConfig 返回默认执行引擎配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency:   4,
		DefaultTimeout:   2 * time.Minute,
		ReadinessTimeout: 10 * time.Second,
		StreamGrace:      2 * time.Second,
		AllowRegression:  false,
		CheckpointStore:  "file",
		CheckpointDir:    ".cardflow/checkpoints",
		CheckpointTTL:    24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "cardflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "cardflow",
		Password:            "",
		Name:                "cardflow",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		HealthCheckInterval: 0,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "cardflow",
		Collection:     "knowledge",
		ConnectTimeout: 5 * time.Second,
	}
}

// DefaultPIIConfig 返回默认脱敏服务配置
func DefaultPIIConfig() PIIConfig {
	return PIIConfig{
		Endpoint:  "",
		APIKeyEnv: "CARDFLOW_PII_API_KEY",
		Timeout:   5 * time.Second,
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		LocalDir: "knowledge",
		TopK:     3,
	}
}

// DefaultStorageConfig 返回默认制品存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		LocalDir: ".cardflow/artifacts",
	}
}

// DefaultLedgerConfig 返回默认台账配置
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Path: ".cardflow/ledger.json",
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		BufferSize: 1024,
		Sink:       "log",
		Path:       ".cardflow/audit",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cardflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "cardflow",
		Addr:      "",
	}
}
