package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cogos-system/athena/internal/classifier"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Boundary BoundaryConfig `yaml:"boundary" mapstructure:"boundary"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// BoundaryConfig configures the decision engine and its middleware.
type BoundaryConfig struct {
	// CacheTTLSecs is how long the active rule snapshot is served before
	// a refresh.
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	// ExcludedPaths are path prefixes never routed through enforcement,
	// such as health checks and the governance API itself.
	ExcludedPaths []string `yaml:"excluded_paths" mapstructure:"excluded_paths"`
	// Mappings optionally replaces the built-in action category table.
	Mappings []classifier.MappingSpec `yaml:"mappings" mapstructure:"mappings"`
}

// SyncConfig configures external document reconciliation.
type SyncConfig struct {
	// ConflictWindowSecs is the width of the concurrent-edit window.
	ConflictWindowSecs int `yaml:"conflict_window_secs" mapstructure:"conflict_window_secs"`
	// WebhookRatePerMin caps inbound sync webhook calls.
	WebhookRatePerMin int `yaml:"webhook_rate_per_min" mapstructure:"webhook_rate_per_min"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATHENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "athena.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("boundary.cache_ttl_secs", 60)
	// The governance API must never be blocked by its own rules.
	v.SetDefault("boundary.excluded_paths", []string{"/health", "/api/v1/boundaries", "/api/v1/evolution", "/api/v1/sync"})
	v.SetDefault("sync.conflict_window_secs", 60)
	v.SetDefault("sync.webhook_rate_per_min", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// ClassifierTable compiles the configured action category table, or the
// built-in table when none is configured.
func (c *Config) ClassifierTable() ([]classifier.Mapping, error) {
	if len(c.Boundary.Mappings) == 0 {
		return classifier.Default(), nil
	}
	return classifier.Compile(c.Boundary.Mappings)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
