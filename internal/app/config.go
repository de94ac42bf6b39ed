package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"

	"github.com/licensekit/licensectl/internal/apiclient"
	"github.com/licensekit/licensectl/internal/credstore"
	"github.com/licensekit/licensectl/internal/observability"
)

// EnvPrefix prefixes every configuration environment variable.
// Nested keys use a double underscore: LICENSECTL_API__BASE_URL.
const EnvPrefix = "LICENSECTL_"

// CredentialStorageType selects the credential store backend.
type CredentialStorageType string

const (
	CredentialStorageFile    CredentialStorageType = "file"
	CredentialStorageKeyring CredentialStorageType = "keyring"
	CredentialStorageRedis   CredentialStorageType = "redis"
	CredentialStorageEnv     CredentialStorageType = "env"
	CredentialStorageMemory  CredentialStorageType = "memory"
)

// Config is the complete application configuration.
type Config struct {
	API   APIConfig   `koanf:"api"`
	Auth  AuthConfig  `koanf:"auth"`
	Proxy ProxyConfig `koanf:"proxy"`
	Log   LogConfig   `koanf:"log"`
}

// APIConfig describes the license server API.
type APIConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	Timeout        time.Duration `koanf:"timeout" validate:"gte=0"`
	RefreshTimeout time.Duration `koanf:"refresh_timeout" validate:"gt=0"`
	UserAgent      string        `koanf:"user_agent"`
}

// AuthConfig selects where credentials are kept.
type AuthConfig struct {
	Storage        CredentialStorageType `koanf:"storage" validate:"required,oneof=file keyring redis env memory"`
	File           string                `koanf:"file" validate:"required_if=Storage file"`
	KeyringService string                `koanf:"keyring_service" validate:"required_if=Storage keyring"`
	Redis          RedisConfig           `koanf:"redis"`
}

// RedisConfig is used when Storage is "redis".
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"omitempty,hostname_port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	Key      string `koanf:"key"`
}

// ProxyConfig configures `licensectl proxy start`.
type ProxyConfig struct {
	Listen          string `koanf:"listen" validate:"required,hostname_port"`
	MaxRequestBytes int64  `koanf:"max_request_bytes" validate:"gt=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `koanf:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format   string `koanf:"format" validate:"required,oneof=text json"`
	Exporter string `koanf:"exporter" validate:"omitempty,oneof=stdout otlp-grpc otlp-http"`
}

// defaultCredentialFile returns ~/.config/licensectl/credentials.json (or the
// platform equivalent), falling back to the working directory.
func defaultCredentialFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "licensectl-credentials.json"
	}
	return filepath.Join(dir, "licensectl", "credentials.json")
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"api.base_url":            "http://localhost:8080/api",
		"api.timeout":             apiclient.DefaultTimeout.String(),
		"api.refresh_timeout":     apiclient.DefaultRefreshTimeout.String(),
		"api.user_agent":          "licensectl",
		"auth.storage":            string(CredentialStorageFile),
		"auth.file":               defaultCredentialFile(),
		"auth.keyring_service":    "licensectl",
		"auth.redis.addr":         "localhost:6379",
		"auth.redis.key":          credstore.DefaultRedisKey,
		"proxy.listen":            "127.0.0.1:4000",
		"proxy.max_request_bytes": 10 << 20,
		"log.level":               "info",
		"log.format":              "text",
		"log.exporter":            "",
	}
}

// LoadConfig merges, lowest precedence first: Defaults, the TOML file at path
// (skipped when path is empty), environment variables from environ, and
// overrides (typically explicitly set CLI flags, keyed like "api.base_url").
func LoadConfig(path string, environ func() []string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if environ != nil {
		envProvider := env.Provider(".", env.Opt{
			Prefix:        EnvPrefix,
			EnvironFunc:   environ,
			TransformFunc: transformEnv,
		})
		if err := k.Load(envProvider, nil); err != nil {
			return nil, fmt.Errorf("loading environment: %w", err)
		}
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("loading overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// transformEnv maps LICENSECTL_API__BASE_URL to api.base_url. The credential
// seed variables of the env store are not configuration and are skipped.
func transformEnv(key, value string) (string, any) {
	if key == credstore.EnvAccessToken || key == credstore.EnvRefreshToken {
		return "", nil
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", "."), value
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Storage == CredentialStorageRedis && c.Auth.Redis.Addr == "" {
		return errors.New("invalid config: auth.redis.addr is required for redis storage")
	}
	if err := observability.ValidateExporter(c.Log.Exporter); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// NewCredentialStore builds the configured credential store backend.
func (a AuthConfig) NewCredentialStore() (credstore.Store, error) {
	switch a.Storage {
	case CredentialStorageFile:
		return credstore.NewFileStore(a.File)
	case CredentialStorageKeyring:
		return credstore.NewKeyringStore(a.KeyringService)
	case CredentialStorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.Redis.Addr,
			Password: a.Redis.Password,
			DB:       a.Redis.DB,
		})
		return credstore.NewRedisStore(client, a.Redis.Key)
	case CredentialStorageEnv:
		return credstore.NewEnvStore(nil), nil
	case CredentialStorageMemory:
		return credstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported credential storage %q", a.Storage)
	}
}

// Persistent reports whether login/logout outlive the current process.
func (a AuthConfig) Persistent() bool {
	return a.Storage != CredentialStorageEnv && a.Storage != CredentialStorageMemory
}

// NewClient builds an API client on top of store.
func (c *Config) NewClient(store credstore.Store, opts ...apiclient.Option) (*apiclient.Client, error) {
	base := []apiclient.Option{
		apiclient.WithTimeout(c.API.Timeout),
		apiclient.WithRefreshTimeout(c.API.RefreshTimeout),
		apiclient.WithUserAgent(c.API.UserAgent),
	}
	return apiclient.New(c.API.BaseURL, store, append(base, opts...)...)
}
