// Package config loads the engine's configuration from environment
// variables, an optional config file, and defaults, following the same
// viper wiring the rest of this corpus uses.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the engine needs.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig holds the store's connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite3" or "pgx"
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS event bus configuration. An empty URL selects the
// in-memory bus instead, matching the teacher's "empty NATS URL -> in-
// memory bus" default.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DispatchConfig bounds dispatcher concurrency and polling, per spec §6's
// enumerated configuration options.
type DispatchConfig struct {
	MaxConcurrentActivities     int           `mapstructure:"maxConcurrentActivities"`
	MaxConcurrentOrchestrations int           `mapstructure:"maxConcurrentOrchestrations"`
	ReceiveTimeout              time.Duration `mapstructure:"receiveTimeout"`
	ProcessInterval             time.Duration `mapstructure:"processInterval"`
	TimerTickCap                time.Duration `mapstructure:"timerTickCap"`
	ArchiveRetention            time.Duration `mapstructure:"archiveRetention"`
	ReaperInitialDelay          time.Duration `mapstructure:"reaperInitialDelay"`
	ReaperSuccessInterval       time.Duration `mapstructure:"reaperSuccessInterval"`
	ReaperFailureInterval       time.Duration `mapstructure:"reaperFailureInterval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from environment variables (prefix ORCH_),
// an optional config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath in addition to
// the default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./orchestrd.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchestrd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("dispatch.maxConcurrentActivities", 10)
	v.SetDefault("dispatch.maxConcurrentOrchestrations", 1)
	v.SetDefault("dispatch.receiveTimeout", 5*time.Second)
	v.SetDefault("dispatch.processInterval", 5*time.Second)
	v.SetDefault("dispatch.timerTickCap", time.Second)
	v.SetDefault("dispatch.archiveRetention", 24*time.Hour)
	v.SetDefault("dispatch.reaperInitialDelay", 5*time.Minute)
	v.SetDefault("dispatch.reaperSuccessInterval", time.Hour)
	v.SetDefault("dispatch.reaperFailureInterval", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver != "sqlite3" && cfg.Database.Driver != "pgx" {
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}
	if cfg.Dispatch.MaxConcurrentActivities <= 0 {
		errs = append(errs, "dispatch.maxConcurrentActivities must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
