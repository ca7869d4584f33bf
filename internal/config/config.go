// Package config loads ocflsync settings from flags, OCFLSYNC_* environment
// variables and $XDG_CONFIG_HOME/ocflsync/config.yaml, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appName   = "ocflsync"
	envPrefix = "OCFLSYNC"
)

type Config struct {
	ServerURL         string        `mapstructure:"server_url"`
	Token             string        `mapstructure:"token"`
	TokenFile         string        `mapstructure:"token_file"`
	H2C               bool          `mapstructure:"h2c"`
	Algorithm         string        `mapstructure:"algorithm"`
	Concurrency       int           `mapstructure:"concurrency"`
	DigestConcurrency int           `mapstructure:"digest_concurrency"`
	CacheDir          string        `mapstructure:"cache_dir"`
	CacheSize         int           `mapstructure:"cache_size"`
	NoCache           bool          `mapstructure:"no_cache"`
	HistoryDB         string        `mapstructure:"history_db"`
	SkipHidden        bool          `mapstructure:"skip_hidden"`
	Retries           int           `mapstructure:"retries"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

var Default = Config{
	ServerURL:   "http://127.0.0.1:8080",
	Algorithm:   "sha512",
	Concurrency: 4,
	CacheSize:   128,
	Retries:     3,
	Timeout:     30 * time.Second,
}

// Init points v at the config file and the environment and registers the
// defaults. An explicit file overrides the XDG lookup.
func Init(v *viper.Viper, file string) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", Default.ServerURL)
	v.SetDefault("token", "")
	v.SetDefault("token_file", "")
	v.SetDefault("h2c", false)
	v.SetDefault("algorithm", Default.Algorithm)
	v.SetDefault("concurrency", Default.Concurrency)
	v.SetDefault("digest_concurrency", 0)
	v.SetDefault("cache_dir", filepath.Join(DataDir(), "cache"))
	v.SetDefault("cache_size", Default.CacheSize)
	v.SetDefault("no_cache", false)
	v.SetDefault("history_db", filepath.Join(DataDir(), "history.db"))
	v.SetDefault("skip_hidden", false)
	v.SetDefault("retries", Default.Retries)
	v.SetDefault("timeout", Default.Timeout)
}

// Load reads the config file, if any, and decodes v.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	return &cfg, nil
}

// Dir returns the directory holding config.yaml.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", appName)
	}
	return "." + appName
}

// DataDir returns the directory for the state cache and pull history.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", appName)
	}
	return "." + appName
}
