package config

import "github.com/spf13/viper"

// Default values. Kept in one place so the sample config, the defaults
// and the docs cannot drift apart.
const (
	DefaultLogLevel      = "INFO"
	DefaultLogFormat     = "text"
	DefaultLogOutput     = "stderr"
	DefaultIndexDir      = "./verso-index"
	DefaultDataDir       = "."
	DefaultDurability    = "normal"
	DefaultFlushInterval = 64
	DefaultSectorSize    = 4096
	DefaultMetricsAddr   = "127.0.0.1:9464"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.output", DefaultLogOutput)

	v.SetDefault("index.dir", DefaultIndexDir)

	v.SetDefault("storage.durability", DefaultDurability)
	v.SetDefault("storage.flush_interval", DefaultFlushInterval)
	v.SetDefault("storage.sector_size", DefaultSectorSize)
	v.SetDefault("storage.data_dir", DefaultDataDir)

	v.SetDefault("lock.timeout", "0s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", DefaultMetricsAddr)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Output: DefaultLogOutput,
		},
		Index: IndexConfig{Dir: DefaultIndexDir},
		Storage: StorageConfig{
			Durability:    DefaultDurability,
			FlushInterval: DefaultFlushInterval,
			SectorSize:    DefaultSectorSize,
			DataDir:       DefaultDataDir,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: DefaultMetricsAddr,
		},
	}
}
