package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPort            = 8088
	defaultDataDir         = "./data"
	defaultRetention       = 168 * time.Hour
	defaultCleanInterval   = time.Hour
	defaultSegmentMaxSize  = 64 * 1024 * 1024
	defaultSegmentMaxAge   = 24 * time.Hour
	defaultRateInterval    = time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// appConfig is the runtime configuration, loadable from environment
// variables (LOGVAULT_*) and an optional YAML file.
type appConfig struct {
	Port           int           `mapstructure:"port"`
	DataDir        string        `mapstructure:"data-dir"`
	Retention      time.Duration `mapstructure:"retention"`
	CleanInterval  time.Duration `mapstructure:"clean-interval"`
	SegmentMaxSize int64         `mapstructure:"segment-max-size"`
	SegmentMaxAge  time.Duration `mapstructure:"segment-max-age"`
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix("LOGVAULT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("port", defaultPort)
	v.SetDefault("data-dir", defaultDataDir)
	v.SetDefault("retention", defaultRetention)
	v.SetDefault("clean-interval", defaultCleanInterval)
	v.SetDefault("segment-max-size", defaultSegmentMaxSize)
	v.SetDefault("segment-max-age", defaultSegmentMaxAge)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return cfg, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.DataDir == "" {
		return cfg, fmt.Errorf("data-dir must not be empty")
	}
	if cfg.SegmentMaxSize <= 0 {
		return cfg, fmt.Errorf("invalid segment-max-size: %d", cfg.SegmentMaxSize)
	}
	return cfg, nil
}
