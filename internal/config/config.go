package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix     = "WILLESCROW"
	configFileEnv = "WILLESCROW_CONFIG"
)

// Idempotency store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// AppConfig ties together the service, chain and retry sections.
type AppConfig struct {
	Service ServiceConfig
	Chain   ChainConfig
	Retry   RetryConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyBackend   string
	IdempotencyStorePath string
	PostgresDSN          string
	RedisURL             string
	DLQPath              string
	LogLevel             string
	PrettyLogs           bool
}

type ChainConfig struct {
	Network       string
	BlockfrostURL string
	ProjectID     string
	SignerURL     string
	EscrowAddress string
	ChangeAddress string
	RPCTimeout    time.Duration
}

// UsesBlockfrost reports whether a live ledger is configured. Without a
// project id the server runs against the in-memory ledger.
func (c ChainConfig) UsesBlockfrost() bool { return c.ProjectID != "" }

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.hmac_secret", "")
	v.SetDefault("service.hmac_clock_skew", "60s")
	v.SetDefault("service.idempotency_window", "24h")
	v.SetDefault("service.idempotency_backend", BackendFile)
	v.SetDefault("service.idempotency_store_path", filepath.Join(os.TempDir(), "willescrow-idem.json"))
	v.SetDefault("service.postgres_dsn", "")
	v.SetDefault("service.redis_url", "")
	v.SetDefault("service.dlq_path", filepath.Join(os.TempDir(), "willescrow-dlq"))
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.pretty_logs", false)

	v.SetDefault("chain.network", "preprod")
	v.SetDefault("chain.blockfrost_url", "https://cardano-preprod.blockfrost.io/api/v0")
	v.SetDefault("chain.project_id", "")
	v.SetDefault("chain.signer_url", "http://localhost:8090")
	v.SetDefault("chain.escrow_address", "")
	v.SetDefault("chain.change_address", "")
	v.SetDefault("chain.rpc_timeout", "10s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "5s")
	v.SetDefault("retry.backoff_multiplier", 2.0)
}

// Load aggregates configuration from an optional file and the environment.
// Environment variables take the form WILLESCROW_SECTION_KEY.
func Load() (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(configFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:             v.GetInt("service.http_port"),
			HMACSecret:           v.GetString("service.hmac_secret"),
			HMACClockSkew:        v.GetDuration("service.hmac_clock_skew"),
			IdempotencyWindow:    v.GetDuration("service.idempotency_window"),
			IdempotencyBackend:   strings.ToLower(v.GetString("service.idempotency_backend")),
			IdempotencyStorePath: v.GetString("service.idempotency_store_path"),
			PostgresDSN:          v.GetString("service.postgres_dsn"),
			RedisURL:             v.GetString("service.redis_url"),
			DLQPath:              v.GetString("service.dlq_path"),
			LogLevel:             v.GetString("service.log_level"),
			PrettyLogs:           v.GetBool("service.pretty_logs"),
		},
		Chain: ChainConfig{
			Network:       v.GetString("chain.network"),
			BlockfrostURL: v.GetString("chain.blockfrost_url"),
			ProjectID:     v.GetString("chain.project_id"),
			SignerURL:     v.GetString("chain.signer_url"),
			EscrowAddress: v.GetString("chain.escrow_address"),
			ChangeAddress: v.GetString("chain.change_address"),
			RPCTimeout:    v.GetDuration("chain.rpc_timeout"),
		},
		Retry: RetryConfig{
			MaxAttempts:       v.GetInt("retry.max_attempts"),
			InitialBackoff:    v.GetDuration("retry.initial_backoff"),
			MaxBackoff:        v.GetDuration("retry.max_backoff"),
			BackoffMultiplier: v.GetFloat64("retry.backoff_multiplier"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	switch c.Service.IdempotencyBackend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.Service.PostgresDSN == "" {
			return errors.New("config: postgres backend requires service.postgres_dsn")
		}
	case BackendRedis:
		if c.Service.RedisURL == "" {
			return errors.New("config: redis backend requires service.redis_url")
		}
	default:
		return fmt.Errorf("config: unknown idempotency backend %q", c.Service.IdempotencyBackend)
	}
	if c.Chain.EscrowAddress == "" {
		return errors.New("config: chain.escrow_address is required")
	}
	if c.Chain.UsesBlockfrost() && c.Chain.ChangeAddress == "" {
		return errors.New("config: chain.change_address is required with a blockfrost project id")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}
