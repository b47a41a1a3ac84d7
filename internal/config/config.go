// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultEndpoint is the upstream PageSpeed Insights v5 endpoint.
const DefaultEndpoint = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	PageSpeed PageSpeedConfig `mapstructure:"pagespeed"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the shared secret gating job creation.
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
}

// PageSpeedConfig configures the upstream analysis API client.
type PageSpeedConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CacheConfig governs how long a stored report is served without re-running.
type CacheConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// JobsConfig controls stuck-record detection and the recovery sweep.
type JobsConfig struct {
	StuckAfter    time.Duration `mapstructure:"stuck_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Provider  string        `mapstructure:"provider"`
	GCSBucket string        `mapstructure:"gcs_bucket"`
	Prefix    string        `mapstructure:"prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// DBConfig selects and configures the record store.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for terminal-status notifications. Both fields
// empty disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// AdminConfig holds defaults for administrative operations.
type AdminConfig struct {
	DeleteDefaultDays int `mapstructure:"delete_default_days"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PSIPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pagespeed.endpoint", DefaultEndpoint)
	v.SetDefault("pagespeed.timeout_seconds", 60)
	v.SetDefault("cache.window", time.Hour)
	v.SetDefault("jobs.stuck_after", 3*time.Minute)
	v.SetDefault("jobs.sweep_interval", time.Minute)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.retention", 72*time.Hour)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("admin.delete_default_days", 10)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret must be set")
	}
	if c.PageSpeed.APIKey == "" {
		return fmt.Errorf("pagespeed.api_key must be set")
	}
	if c.PageSpeed.TimeoutSeconds <= 0 {
		return fmt.Errorf("pagespeed.timeout_seconds must be > 0")
	}
	if c.Cache.Window <= 0 {
		return fmt.Errorf("cache.window must be > 0")
	}
	if c.Jobs.StuckAfter <= 0 {
		return fmt.Errorf("jobs.stuck_after must be > 0")
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// UpstreamTimeout converts the configured timeout into a duration.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.PageSpeed.TimeoutSeconds) * time.Second
}
