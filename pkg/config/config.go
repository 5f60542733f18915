// Package config loads and validates the process configuration.
//
// Sources, in order of precedence: environment variables (VERSO_*), the
// YAML configuration file, then defaults. No command-line flag is bound
// to a configuration key.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Index configures the auxiliary index store
	Index IndexConfig `mapstructure:"index" yaml:"index"`

	// Storage configures the versioned storage backend
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Lock configures advisory lock behavior
	Lock LockConfig `mapstructure:"lock" yaml:"lock"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig mirrors internal/logger.Config.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json"
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// IndexConfig configures the auxiliary index.
type IndexConfig struct {
	// Dir is the BadgerDB directory holding the page maps and pending
	// logs. Created if missing.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`
}

// StorageConfig configures the versioned storage backend.
type StorageConfig struct {
	// Durability is full, normal, or relaxed
	Durability string `mapstructure:"durability" validate:"oneof=full normal relaxed" yaml:"durability"`

	// FlushInterval finalizes pending transactions every N commits
	// under normal durability
	FlushInterval uint64 `mapstructure:"flush_interval" validate:"gt=0" yaml:"flush_interval"`

	// SectorSize reported to the engine before the page size is known
	SectorSize int `mapstructure:"sector_size" validate:"gt=0" yaml:"sector_size"`

	// DataDir roots relative database paths
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`
}

// LockConfig configures the advisory locking layer.
type LockConfig struct {
	// Timeout bounds blocking lock acquisitions; zero waits forever
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Enabled turns metric collection on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress is the address for a /metrics endpoint. No command in
	// this module starts a listener on it.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// Load reads the configuration from path (empty means defaults plus
// environment only) and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VERSO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid configuration: field %s fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings and numbers to time.Duration, so
// config files can say "750ms" or "1m30s".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
