// Package config loads and validates the YAML configuration consumed by
// cmd/velocityd. The struct layout and yaml/validate tag style follow the
// teacher's pkg/config/config.go; unlike the teacher, LoadFile actually
// runs the validator instead of only declaring the tags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config is the root configuration document for a velocityd node.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"server" validate:"required"`
	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth" validate:"required"`
	RateLimit RateLimitConfig `yaml:"rate_limit" validate:"required"`
	Engine    EngineConfig    `yaml:"engine" validate:"required"`
}

// LoggerConfig controls slog output.
type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig controls the binary protocol listener.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required"`
	AdminAddress    string        `yaml:"admin_address" validate:"required"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"required"`
	RequestDeadline time.Duration `yaml:"request_deadline" validate:"required"`
	MaxFrameBytes   int           `yaml:"max_frame_bytes" validate:"required,min=1024"`
}

// TLSConfig controls the optional TLS listener used to derive the server
// fingerprint (spec.md §4.2).
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	AutoGenerate bool   `yaml:"auto_generate"`
}

// AuthConfig points at the credentials table (username -> Argon2id hash).
type AuthConfig struct {
	CredentialsFile string `yaml:"credentials_file" validate:"required"`
}

// RateLimitConfig configures the per-connection and optional per-user token
// buckets (spec.md §4.2).
type RateLimitConfig struct {
	ConnOpsPerSecond float64 `yaml:"conn_ops_per_second" validate:"required,gt=0"`
	ConnBurst        int     `yaml:"conn_burst" validate:"required,min=1"`
	PerUserEnabled   bool    `yaml:"per_user_enabled"`
	UserOpsPerSecond float64 `yaml:"user_ops_per_second" validate:"omitempty,gt=0"`
	UserBurst        int     `yaml:"user_burst" validate:"omitempty,min=1"`
}

// EngineConfig enumerates the options from spec.md §4.9.
type EngineConfig struct {
	DataDir                string  `yaml:"data_dir" validate:"required"`
	MaxMemtableSize        int64   `yaml:"max_memtable_size" validate:"required,min=1"`
	CacheSize              int     `yaml:"cache_size" validate:"required,min=1"`
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate" validate:"required,gt=0,lt=1"`
	CompactionThreshold    int     `yaml:"compaction_threshold" validate:"required,min=1"`
	EnableCompression      bool    `yaml:"enable_compression"`
	WALMode                string  `yaml:"wal_mode" validate:"required,oneof=per-record adaptive off"`
	EnableMetrics          bool    `yaml:"enable_metrics"`
	MetricsIntervalSeconds int     `yaml:"metrics_interval_s" validate:"omitempty,min=1"`
	// FlushQueueSoftLimit is Q_flush_max (spec.md §5): once the sealed-but-
	// unflushed queue reaches this depth, writes block cooperatively until a
	// flush drains it below the limit again. It must stay below
	// FlushQueueDepthMax, the hard cap past which writes are rejected with
	// SERVER_OVERLOADED instead of waiting.
	FlushQueueSoftLimit int `yaml:"flush_queue_soft_limit" validate:"required,min=1"`
	FlushQueueDepthMax  int `yaml:"flush_queue_depth_max" validate:"required,min=1,gtfield=FlushQueueSoftLimit"`
}

// Default returns a baseline single-node development configuration.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO"},
		Server: ServerConfig{
			ListenAddress:   "127.0.0.1:5433",
			AdminAddress:    "127.0.0.1:5434",
			IdleTimeout:     300 * time.Second,
			RequestDeadline: 30 * time.Second,
			MaxFrameBytes:   32 * 1024 * 1024,
		},
		Auth: AuthConfig{CredentialsFile: "./data/credentials.yaml"},
		RateLimit: RateLimitConfig{
			ConnOpsPerSecond: 1000,
			ConnBurst:        200,
		},
		Engine: EngineConfig{
			DataDir:                "./data",
			MaxMemtableSize:        4 * 1024 * 1024,
			CacheSize:              10000,
			BloomFalsePositiveRate: 0.01,
			CompactionThreshold:    4,
			WALMode:                "adaptive",
			FlushQueueSoftLimit:    4,
			FlushQueueDepthMax:     8,
		},
	}
}

var validate = validator.New()

// LoadFile reads and validates a YAML config file. Missing files fall back
// to Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, validate.Struct(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
