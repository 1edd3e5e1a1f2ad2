// =============================================================================
// 📦 cardflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CARDFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 cardflow 的完整配置结构
type Config struct {
	// Registry 卡片注册表配置
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Executor 执行引擎配置
	Executor ExecutorConfig `yaml:"executor" env:"EXECUTOR"`

	// Redis 共享状态存储（infra 策略）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 制品与审计存储（infra 策略）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo 检索存储（infra 策略）
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// PII 托管脱敏服务（infra 策略）
	PII PIIConfig `yaml:"pii" env:"PII"`

	// Retrieval 本地检索配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Storage 本地制品存储配置
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Ledger 连通性台账配置
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Audit 审计流配置
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// RegistryConfig 卡片注册表配置
type RegistryConfig struct {
	// 基线卡片根目录
	Root string `yaml:"root" env:"ROOT"`
	// 工作区覆盖层根目录（为空时仅保存在内存中）
	OverlayRoot string `yaml:"overlay_root" env:"OVERLAY_ROOT"`
}

// ExecutorConfig 执行引擎配置
type ExecutorConfig struct {
	// 并发执行的最大节点数
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 节点未声明 limits.timeout 时的默认墙钟预算
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 就绪检查超时
	ReadinessTimeout time.Duration `yaml:"readiness_timeout" env:"READINESS_TIMEOUT"`
	// 流取消后的最长等待时间
	StreamGrace time.Duration `yaml:"stream_grace" env:"STREAM_GRACE"`
	// 允许连通性回归（回归将作为警告记录）
	AllowRegression bool `yaml:"allow_regression" env:"ALLOW_REGRESSION"`
	// 中断检查点存储: file, redis
	CheckpointStore string `yaml:"checkpoint_store" env:"CHECKPOINT_STORE"`
	// file 检查点目录
	CheckpointDir string `yaml:"checkpoint_dir" env:"CHECKPOINT_DIR"`
	// redis 检查点过期时间
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl" env:"CHECKPOINT_TTL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 健康检查间隔（0 表示关闭）
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// MongoConfig MongoDB 检索存储配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 文档集合（需要建立 text 索引）
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// PIIConfig 托管脱敏服务配置
type PIIConfig struct {
	// 服务端点
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// API Key 所在环境变量名
	APIKeyEnv string `yaml:"api_key_env" env:"API_KEY_ENV"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RetrievalConfig 本地检索配置
type RetrievalConfig struct {
	// 知识文档目录
	LocalDir string `yaml:"local_dir" env:"LOCAL_DIR"`
	// 每个查询返回的片段数
	TopK int `yaml:"top_k" env:"TOP_K"`
}

// StorageConfig 本地制品存储配置
type StorageConfig struct {
	// 制品目录
	LocalDir string `yaml:"local_dir" env:"LOCAL_DIR"`
}

// LedgerConfig 连通性台账配置
type LedgerConfig struct {
	// 台账文件路径（为空时仅保存在内存中）
	Path string `yaml:"path" env:"PATH"`
}

// AuditConfig 审计流配置
type AuditConfig struct {
	// 缓冲区大小，满时丢弃并计数
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// 输出: log, file, database
	Sink string `yaml:"sink" env:"SINK"`
	// file 输出目录
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// /metrics 监听地址（为空时不启动）
	Addr string `yaml:"addr" env:"ADDR"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CARDFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Executor.MaxConcurrency <= 0 {
		errs = append(errs, "executor.max_concurrency must be positive")
	}
	if c.Executor.ReadinessTimeout <= 0 {
		errs = append(errs, "executor.readiness_timeout must be positive")
	}
	if c.Executor.DefaultTimeout < 0 || c.Executor.StreamGrace < 0 {
		errs = append(errs, "executor timeouts must not be negative")
	}
	switch c.Executor.CheckpointStore {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported checkpoint store %q (supported: file, redis)", c.Executor.CheckpointStore))
	}
	if c.Executor.CheckpointStore == "file" && c.Executor.CheckpointDir == "" {
		errs = append(errs, "executor.checkpoint_dir is required for the file checkpoint store")
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q (supported: postgres, mysql, sqlite)", c.Database.Driver))
	}
	switch c.Audit.Sink {
	case "log", "file", "database":
	default:
		errs = append(errs, fmt.Sprintf("unsupported audit sink %q (supported: log, file, database)", c.Audit.Sink))
	}
	if c.Audit.Sink == "file" && c.Audit.Path == "" {
		errs = append(errs, "audit.path is required for the file sink")
	}
	if c.Audit.BufferSize <= 0 {
		errs = append(errs, "audit.buffer_size must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval.top_k must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
