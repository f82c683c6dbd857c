package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration. Values come from
// TIDEMAIL_* environment variables, with an optional YAML file underneath.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `mapstructure:"listen_addr"`

	// DatabasePath is the SQLite database file location.
	DatabasePath string `mapstructure:"database_path"`

	// JWTSecret signs session tokens. Required.
	JWTSecret string `mapstructure:"jwt_secret"`

	// TokenLifetime is how long issued tokens stay valid.
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`

	// EncryptionSecret seals stored mail passwords. Required.
	EncryptionSecret string `mapstructure:"encryption_secret"`

	// RetiredSecrets holds previous encryption secrets, comma separated
	// in the environment. Old blobs are still decryptable with them and
	// get re-sealed with the current secret on the next login.
	RetiredSecrets []string `mapstructure:"retired_secrets"`

	// CORSOrigin is the allowed browser origin.
	CORSOrigin string `mapstructure:"cors_origin"`

	// RateLimitWindow and RateLimitMax bound unauthenticated request
	// rates per client IP.
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`

	// DiscoveryTimeout applies to each individual autoconfig probe.
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`

	// DefaultIMAPPort and DefaultSMTPPort are used when a login request
	// supplies a host without a port.
	DefaultIMAPPort int `mapstructure:"default_imap_port"`
	DefaultSMTPPort int `mapstructure:"default_smtp_port"`

	// FolderCacheTTL bounds how long a cached mailbox listing may be
	// consulted before a fresh listing is forced.
	FolderCacheTTL time.Duration `mapstructure:"folder_cache_ttl"`

	// Debug enables verbose logging and unredacted error messages.
	Debug bool `mapstructure:"debug"`
}

// Load reads configuration from the environment and, if path is non-empty
// or a default config file exists, from a YAML file. Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("TIDEMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_path", "tidemail.db")
	v.SetDefault("token_lifetime", 7*24*time.Hour)
	v.SetDefault("cors_origin", "*")
	v.SetDefault("rate_limit_window", 15*time.Minute)
	v.SetDefault("rate_limit_max", 200)
	v.SetDefault("discovery_timeout", 5*time.Second)
	v.SetDefault("default_imap_port", 993)
	v.SetDefault("default_smtp_port", 465)
	v.SetDefault("folder_cache_ttl", 5*time.Minute)
	v.SetDefault("debug", false)

	// These have no usable defaults but must be visible to AutomaticEnv.
	v.SetDefault("jwt_secret", "")
	v.SetDefault("encryption_secret", "")
	v.SetDefault("retired_secrets", "")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, fmt.Errorf("reading config %s: %w", path, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Comma-separated in the environment; viper only splits file lists.
	if len(cfg.RetiredSecrets) == 1 && strings.Contains(cfg.RetiredSecrets[0], ",") {
		cfg.RetiredSecrets = strings.Split(cfg.RetiredSecrets[0], ",")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("TIDEMAIL_JWT_SECRET must be set")
	}
	if cfg.EncryptionSecret == "" {
		return nil, fmt.Errorf("TIDEMAIL_ENCRYPTION_SECRET must be set")
	}

	return cfg, nil
}
