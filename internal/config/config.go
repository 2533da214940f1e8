// Package config loads runtime configuration from the environment, with an
// optional YAML overlay for file-based deployments.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Economy   EconomyConfig   `yaml:"economy"`
	Audit     AuditConfig     `yaml:"audit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `yaml:"port" env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
}

type DatabaseConfig struct {
	// DSN empty means the in-memory store; set a postgres:// URL for
	// durable deployments.
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
}

type RedisConfig struct {
	// Addr empty keeps idempotency keys in process memory.
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB,default=0"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL,default=24h"`
}

type EconomyConfig struct {
	// CostPerMonth defaults to the one-token-per-month economy.
	CostPerMonth       int64  `yaml:"cost_per_month" env:"ECONOMY_COST_PER_MONTH,default=1"`
	ResubmissionPolicy string `yaml:"resubmission_policy" env:"ECONOMY_RESUBMISSION_POLICY,default=new-record"`
	ReconcilerSchedule string `yaml:"reconciler_schedule" env:"ECONOMY_RECONCILER_SCHEDULE,default=@hourly"`
}

type AuditConfig struct {
	Max  int    `yaml:"max" env:"AUDIT_MAX,default=500"`
	Path string `yaml:"path" env:"AUDIT_PATH"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS,default=25"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST,default=50"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format     string `yaml:"format" env:"LOG_FORMAT,default=json"`
	Output     string `yaml:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Load reads configuration from the environment. When CONFIG_FILE points at a
// YAML file, the keys present in that file override the environment; pointing
// at a file is an explicit choice, so it wins.
func Load() (*Config, error) {
	var cfg Config

	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	switch c.Economy.ResubmissionPolicy {
	case "new-record", "reopen":
	default:
		return fmt.Errorf("unknown resubmission policy %q", c.Economy.ResubmissionPolicy)
	}
	if c.Economy.CostPerMonth <= 0 {
		return fmt.Errorf("cost per month must be positive, got %d", c.Economy.CostPerMonth)
	}
	return nil
}
