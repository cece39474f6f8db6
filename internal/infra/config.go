// Package infra holds the kernel's ambient concerns: configuration
// (this file), Redis key namespacing (rediskeys.go) and RS256 bearer
// validation (auth/).
package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// Config is the root configuration of the kernel process, loaded by viper
// from an optional config file layered under AutomaticEnv with a "." ->
// "_" key replacer, so every field below is also settable by an
// environment variable of the same name (e.g. database.url <->
// DATABASE_URL).
type Config struct {
	Server           ServerConfig           `mapstructure:"server"`
	Database         DatabaseConfig         `mapstructure:"database"`
	Redis            RedisConfig            `mapstructure:"redis"`
	Auth             AuthConfig             `mapstructure:"auth"`
	Registry         RegistryConfig         `mapstructure:"registry"`
	Audit            AuditConfig            `mapstructure:"audit"`
	Snapshot         SnapshotConfig         `mapstructure:"snapshot"`
	MaterializedView MaterializedViewConfig `mapstructure:"mv"`
	Tenant           TenantConfig           `mapstructure:"tenant"`
	RateLimit        RateLimitConfig        `mapstructure:"rate_limit"`
	Approval         ApprovalConfig         `mapstructure:"approval"`
	Logger           LoggerConfig           `mapstructure:"logger"`
}

// ServerConfig describes the HTTP server's listen address and timeouts.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig selects and configures the persistence backend (
// USE_POSTGRES, DATABASE_URL). UsePostgres=false keeps the in-process
// memstore, meant for tests and single-node demos.
type DatabaseConfig struct {
	UsePostgres bool   `mapstructure:"use_postgres"`
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
}

// RedisConfig configures the connection the RateLimiter pipelines
// INCR/EXPIRE through.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig carries the RS256 public key used to validate bearer tokens
// and access_token query params; the kernel never issues tokens itself.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// RegistryConfig points at the layered registry documents.
type RegistryConfig struct {
	Path      string `mapstructure:"path"`
	LayersDir string `mapstructure:"layers_dir"`
}

// AuditConfig sources the HMAC key ring HashChain signs events with.
// AuditKeysJSON is the preferred source of truth (a JSON array of
// {kid, secret, active}); AuditSecret is a single-key fallback under
// kid "k0" for simple single-key deployments.
type AuditConfig struct {
	KeysJSON string `mapstructure:"keys_json"`
	Secret   string `mapstructure:"secret"`
}

// SnapshotConfig controls how often the Store materializes a run snapshot.
type SnapshotConfig struct {
	Every int `mapstructure:"every"`
}

// MaterializedViewConfig controls the SQL backend's run-projection
// refresh cadence and its exponential backoff on repeated failure.
type MaterializedViewConfig struct {
	RefreshEvery int           `mapstructure:"refresh_every"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// TenantConfig bounds per-tenant concurrent job execution.
type TenantConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// RateLimitConfig sizes the RateLimiter's fixed window.
type RateLimitConfig struct {
	WindowS int `mapstructure:"window_s"`
}

// ApprovalConfig bounds how long GateApproval waits before failing a run;
// 0 means wait indefinitely.
type ApprovalConfig struct {
	TimeoutS int `mapstructure:"timeout_s"`
}

// LoggerConfig configures the zap logger's level and encoding.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig builds Config from a config file (if present) layered under
// environment variables and hardcoded defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Unmarshal only consults the environment for keys viper already knows,
	// so keys without a default are bound explicitly, and the env names that
	// do not follow the "." -> "_" rule are bound as aliases.
	for _, key := range []string{
		"server.host", "server.write_timeout", "database.url",
		"redis.addr", "redis.password", "redis.db", "auth.public_key_path",
		"audit.keys_json", "audit.secret", "logger.format",
	} {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("database.use_postgres", "USE_POSTGRES", "DATABASE_USE_POSTGRES")
	_ = v.BindEnv("mv.refresh_every", "REFRESH_MV_EVERY", "MV_REFRESH_EVERY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("infra: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("infra: decode config: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("registry.path", "registry/base.json")
	v.SetDefault("registry.layers_dir", "registry/layers")
	v.SetDefault("snapshot.every", 25)
	v.SetDefault("mv.refresh_every", 50)
	v.SetDefault("mv.interval", 60*time.Second)
	v.SetDefault("mv.max_backoff", 600*time.Second)
	v.SetDefault("tenant.max_concurrency", 2)
	v.SetDefault("rate_limit.window_s", 60)
	v.SetDefault("approval.timeout_s", 0)
	v.SetDefault("logger.level", "info")
}

// loadKeyResource reads a PEM-encoded key, preferring the raw value from an
// environment variable (for container/k8s secrets) over the file at path.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
	}
	return nil
}

// auditKeyEntry is one element of AUDIT_KEYS_JSON.
type auditKeyEntry struct {
	KID    string `json:"kid"`
	Secret string `json:"secret"`
	Active bool   `json:"active"`
}

// LoadAuditKeys parses cfg.Audit into the kernel's HMAC key ring: prefers
// AuditKeysJSON (a JSON array of {kid, secret, active}), falling back to a
// single key under kid "k0" sourced from AuditSecret.
func (c *Config) LoadAuditKeys() ([]domain.AuditKey, error) {
	if c.Audit.KeysJSON != "" {
		var entries []auditKeyEntry
		if err := json.Unmarshal([]byte(c.Audit.KeysJSON), &entries); err != nil {
			return nil, fmt.Errorf("infra: parse audit.keys_json: %w", err)
		}
		keys := make([]domain.AuditKey, 0, len(entries))
		for _, e := range entries {
			keys = append(keys, domain.AuditKey{KID: e.KID, Secret: []byte(e.Secret), Active: e.Active})
		}
		return keys, nil
	}
	if c.Audit.Secret != "" {
		return []domain.AuditKey{{KID: "k0", Secret: []byte(c.Audit.Secret), Active: true}}, nil
	}
	return nil, fmt.Errorf("infra: no audit key configured (set audit.keys_json or audit.secret)")
}
