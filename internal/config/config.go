package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	VaultEncryptionKey string   `mapstructure:"VAULT_ENCRYPTION_KEY"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`
	SyncIntervalHours  int      `mapstructure:"SYNC_INTERVAL_HOURS"`
	SchedulerTickSecs  int      `mapstructure:"SCHEDULER_TICK_SECS"`
	OutboundTimeoutSec int      `mapstructure:"OUTBOUND_TIMEOUT_SECS"`
	PreserveFields     []string `mapstructure:"CONFLICT_PRESERVE_FIELDS"`
	ProvidersFile      string   `mapstructure:"PROVIDERS_FILE"`
	OAuthRedirectURI   string   `mapstructure:"OAUTH_REDIRECT_URI"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SYNC_INTERVAL_HOURS", 24)
	v.SetDefault("SCHEDULER_TICK_SECS", 60)
	v.SetDefault("OUTBOUND_TIMEOUT_SECS", 30)
	v.SetDefault("PROVIDERS_FILE", "providers.yaml")
	v.SetDefault("OAUTH_REDIRECT_URI", "http://localhost:3000/callback")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("VAULT_ENCRYPTION_KEY")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("SYNC_INTERVAL_HOURS")
	v.BindEnv("SCHEDULER_TICK_SECS")
	v.BindEnv("OUTBOUND_TIMEOUT_SECS")
	v.BindEnv("CONFLICT_PRESERVE_FIELDS")
	v.BindEnv("PROVIDERS_FILE")
	v.BindEnv("OAUTH_REDIRECT_URI")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.PreserveFields == nil {
		fields := v.GetString("CONFLICT_PRESERVE_FIELDS")
		if fields != "" {
			cfg.PreserveFields = strings.Split(fields, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// credential vault key is required; whenever set, it must be a valid
// 64-character hex string (32 bytes decoded) so AES-256-GCM can use it.
func (c *Config) Validate() error {
	if c.IsProduction() && c.VaultEncryptionKey == "" {
		return fmt.Errorf("VAULT_ENCRYPTION_KEY is required in production")
	}
	if c.VaultEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.VaultEncryptionKey)
		if err != nil {
			return fmt.Errorf("VAULT_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("VAULT_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.SyncIntervalHours <= 0 {
		return fmt.Errorf("SYNC_INTERVAL_HOURS must be positive, got %d", c.SyncIntervalHours)
	}
	if c.SchedulerTickSecs <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_SECS must be positive, got %d", c.SchedulerTickSecs)
	}
	if c.OutboundTimeoutSec <= 0 {
		return fmt.Errorf("OUTBOUND_TIMEOUT_SECS must be positive, got %d", c.OutboundTimeoutSec)
	}

	return nil
}
