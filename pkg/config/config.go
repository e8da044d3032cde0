// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the application config structure
// and logic required to load and update it.
//
// Settings resolve in three layers: built-in defaults, the YAML config file,
// and CYFR_* environment variables, with the environment winning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Environment variable keys observed by the core. All are prefixed with CYFR_
// when read from the environment (e.g. CYFR_BASE_PATH).
const (
	KeyBasePath         = "base_path"
	KeyDBPath           = "db_path"
	KeyDBPoolSize       = "db_pool_size"
	KeyHost             = "host"
	KeyPort             = "port"
	KeyEnvironment      = "environment"
	KeySecretKeyBase    = "secret_key_base"
	KeyPBKDF2Iterations = "pbkdf2_iterations"
	KeySessionTTLHours  = "session_ttl_hours"
	KeyJWTSigningKey    = "jwt_signing_key"
	KeyJWTClockSkew     = "jwt_clock_skew_seconds"
)

// MinPBKDF2Iterations is the lowest iteration count accepted for secret key
// derivation.
const MinPBKDF2Iterations = 100_000

// Recognized environment values.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config represents the configuration of the application.
type Config struct {
	// BasePath is the root of the on-disk layout (storage/, logs/, cyfr.db).
	BasePath string `yaml:"base_path" mapstructure:"base_path"`

	// DBPath overrides the SQLite database location. Empty means
	// <base_path>/cyfr.db.
	DBPath string `yaml:"db_path,omitempty" mapstructure:"db_path"`

	// DBPoolSize is the maximum number of open SQLite connections.
	DBPoolSize int `yaml:"db_pool_size" mapstructure:"db_pool_size"`

	// Host and Port are the HTTP listen address.
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`

	// Environment is "development" or "production". Production refuses to
	// start without a configured secret key base.
	Environment string `yaml:"environment" mapstructure:"environment"`

	// SecretKeyBase seeds the key derivation for the secrets vault.
	// Required outside development.
	SecretKeyBase string `yaml:"-" mapstructure:"secret_key_base"`

	// PBKDF2Iterations is the iteration count for key derivation.
	PBKDF2Iterations int `yaml:"pbkdf2_iterations" mapstructure:"pbkdf2_iterations"`

	// SessionTTLHours is the sliding lifetime of MCP sessions.
	SessionTTLHours int `yaml:"session_ttl_hours" mapstructure:"session_ttl_hours"`

	// JWTSigningKey enables bearer JWT validation when set.
	JWTSigningKey string `yaml:"-" mapstructure:"jwt_signing_key"`

	// JWTClockSkewSeconds is the leeway applied to JWT time claims.
	JWTClockSkewSeconds int `yaml:"jwt_clock_skew_seconds" mapstructure:"jwt_clock_skew_seconds"`

	// Registry holds component registry settings.
	Registry RegistryConfig `yaml:"registry,omitempty" mapstructure:"registry"`

	// OTEL holds the OpenTelemetry export settings.
	OTEL OpenTelemetryConfig `yaml:"otel,omitempty" mapstructure:"otel"`
}

// RegistryConfig contains the settings for the component registry.
type RegistryConfig struct {
	// IndexIntervalSeconds is how often the auto-indexer rescans the
	// storage tree. Zero disables the periodic scan.
	IndexIntervalSeconds int `yaml:"index_interval_seconds,omitempty" mapstructure:"index_interval_seconds"`

	// TrustRoots are the ed25519 public keys (hex) accepted when verifying
	// published artifacts, keyed by publisher name.
	TrustRoots map[string]string `yaml:"trust_roots,omitempty" mapstructure:"trust_roots"`
}

// OpenTelemetryConfig contains the settings for OpenTelemetry configuration.
type OpenTelemetryConfig struct {
	Endpoint     string  `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	SamplingRate float64 `yaml:"sampling-rate,omitempty" mapstructure:"sampling-rate"`

	// EnablePrometheusMetricsPath serves /metrics on the main listener.
	EnablePrometheusMetricsPath bool `yaml:"enable-prometheus-metrics-path,omitempty" mapstructure:"enable-prometheus-metrics-path"`
}

// defaultPathGenerator generates the default config path using xdg
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("cyfr/config.yaml")
}

// getConfigPath is the current path generator, can be replaced in tests
var getConfigPath = defaultPathGenerator

func defaultBasePath() string {
	return xdg.DataHome + "/cyfr"
}

// setDefaults registers the built-in defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyBasePath, defaultBasePath())
	v.SetDefault(KeyDBPath, "")
	v.SetDefault(KeyDBPoolSize, 1)
	v.SetDefault(KeyEnvironment, EnvDevelopment)
	v.SetDefault(KeyHost, "127.0.0.1")
	v.SetDefault(KeyPort, 8090)
	v.SetDefault(KeyPBKDF2Iterations, 600_000)
	v.SetDefault(KeySessionTTLHours, 24)
	v.SetDefault(KeyJWTClockSkew, 60)
	v.SetDefault("registry.index_interval_seconds", 300)
	v.SetDefault("otel.sampling-rate", 0.05)
	v.SetDefault("otel.enable-prometheus-metrics-path", false)
}

// Load resolves the effective configuration from defaults, the config file
// (when present), and CYFR_* environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath resolves configuration using an explicit config file path.
// An empty path means the default XDG location; a missing file is not an
// error.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CYFR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		var err error
		configPath, err = getConfigPath()
		if err != nil {
			return nil, fmt.Errorf("unable to fetch config path: %w", err)
		}
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// The config file is optional; everything can come from the
		// environment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = cfg.BasePath + "/cyfr.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be in 1..65535", c.Port)
	}
	if c.DBPoolSize < 1 {
		return fmt.Errorf("invalid db pool size %d: must be at least 1", c.DBPoolSize)
	}
	if c.PBKDF2Iterations < MinPBKDF2Iterations {
		return fmt.Errorf("pbkdf2 iterations %d below minimum %d", c.PBKDF2Iterations, MinPBKDF2Iterations)
	}
	if c.SessionTTLHours < 1 {
		return fmt.Errorf("invalid session ttl %d hours: must be at least 1", c.SessionTTLHours)
	}
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q: must be %q or %q", c.Environment, EnvDevelopment, EnvProduction)
	}
	if c.Environment == EnvProduction && c.SecretKeyBase == "" {
		return fmt.Errorf("secret key base is required in %s", EnvProduction)
	}
	if c.SecretKeyBase != "" && len(c.SecretKeyBase) < 32 {
		return fmt.Errorf("secret key base too short: need at least 32 bytes, got %d", len(c.SecretKeyBase))
	}
	return nil
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// JWTClockSkew returns the JWT leeway as a duration.
func (c *Config) JWTClockSkew() time.Duration {
	return time.Duration(c.JWTClockSkewSeconds) * time.Second
}

// IndexInterval returns the auto-indexer rescan cadence; zero disables it.
func (c *Config) IndexInterval() time.Duration {
	return time.Duration(c.Registry.IndexIntervalSeconds) * time.Second
}

func isNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file")
}
