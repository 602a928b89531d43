package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	Security   SecurityConfig   `koanf:"security"`
	Audit      AuditConfig      `koanf:"audit"`
	Evaluation EvaluationConfig `koanf:"evaluation"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type SecurityConfig struct {
	JWTSecret   string          `koanf:"jwt_secret"`
	TokenExpiry time.Duration   `koanf:"token_expiry"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

type AuditConfig struct {
	MaxAppendRetries int           `koanf:"max_append_retries"`
	RetryBackoff     time.Duration `koanf:"retry_backoff"`

	BulkAccessThreshold int           `koanf:"bulk_access_threshold"`
	BulkAccessWindow    time.Duration `koanf:"bulk_access_window"`
	OffHoursStart       int           `koanf:"off_hours_start"`
	OffHoursEnd         int           `koanf:"off_hours_end"`
	OffHoursRecordFloor int           `koanf:"off_hours_record_floor"`
	Timezone            string        `koanf:"timezone"`

	AlertCooldown         time.Duration `koanf:"alert_cooldown"`
	VerificationBatchSize int           `koanf:"verification_batch_size"`
}

type EvaluationConfig struct {
	VerdictTTL time.Duration `koanf:"verdict_ttl"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate"`
	Enabled      bool    `koanf:"enabled"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB: 0,
		},
		Security: SecurityConfig{
			TokenExpiry: 8 * time.Hour,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Audit: AuditConfig{
			MaxAppendRetries:      3,
			RetryBackoff:          100 * time.Millisecond,
			BulkAccessThreshold:   100,
			BulkAccessWindow:      60 * time.Minute,
			OffHoursStart:         2,
			OffHoursEnd:           5,
			OffHoursRecordFloor:   5,
			Timezone:              "America/Sao_Paulo",
			AlertCooldown:         5 * time.Minute,
			VerificationBatchSize: 1000,
		},
		Evaluation: EvaluationConfig{
			VerdictTTL: 15 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			SampleRate: 0.1,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional
	if err := k.Load(file.Provider("configs/config.yaml"), yaml.Parser()); err != nil {
		_ = err
	}

	// Environment variables win: CLINSAFE_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("CLINSAFE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CLINSAFE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings a production deployment cannot run without
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Environment == "production" && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required in production")
	}
	if c.Audit.OffHoursStart < 0 || c.Audit.OffHoursStart > 23 ||
		c.Audit.OffHoursEnd < 0 || c.Audit.OffHoursEnd > 23 {
		return fmt.Errorf("audit off-hours window must use hours 0-23")
	}
	if _, err := time.LoadLocation(c.Audit.Timezone); err != nil {
		return fmt.Errorf("audit.timezone: %w", err)
	}
	return nil
}
