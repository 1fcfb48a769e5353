// Package config loads the mirror configuration from config files and
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the global application configuration.
type Config struct {
	CacheDir string `mapstructure:"cache_dir"`
	Prefix   string `mapstructure:"prefix"`

	NVD  NvdConfig  `mapstructure:"nvd"`
	GHSA GhsaConfig `mapstructure:"ghsa"`
	KEV  KevConfig  `mapstructure:"kev"`
	EPSS EpssConfig `mapstructure:"epss"`
	DB   DbConfig   `mapstructure:"db"`
}

type NvdConfig struct {
	ApiKey         string `mapstructure:"api_key"`
	URL            string `mapstructure:"url"`
	DelayMs        int    `mapstructure:"delay_ms"`
	Threads        int    `mapstructure:"threads"`
	ResultsPerPage int    `mapstructure:"results_per_page"`
	MaxPages       int    `mapstructure:"max_pages"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

type GhsaConfig struct {
	Token           string `mapstructure:"token"`
	URL             string `mapstructure:"url"`
	Classifications string `mapstructure:"classifications"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

type KevConfig struct {
	URL string `mapstructure:"url"`
}

type EpssConfig struct {
	URL      string `mapstructure:"url"`
	PageSize int    `mapstructure:"page_size"`
}

type DbConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DatabaseURL string `mapstructure:"database_url"`
}

// Load reads configuration from config files and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Default values
	v.SetDefault("cache_dir", "cache")
	v.SetDefault("nvd.threads", 1)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("Config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vulnmirror/")
		v.AddConfigPath("$HOME/.vulnmirror")
	}

	// Environment variable override
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// It's okay if config file is not found, we rely on defaults/env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.NVD.ApiKey == "" {
		cfg.NVD.ApiKey = secretFromEnv("NVD_API_KEY")
	}
	if cfg.GHSA.Token == "" {
		cfg.GHSA.Token = secretFromEnv("GITHUB_TOKEN")
	}
	return &cfg, nil
}

// secretFromEnv reads a credential from the environment. A value still in
// op:// form is an unexpanded secret-manager reference and is not usable.
func secretFromEnv(name string) string {
	value := os.Getenv(name)
	if strings.HasPrefix(value, "op://") {
		slog.Warn("Environment variable holds an unexpanded op:// secret reference; ignoring", "variable", name)
		return ""
	}
	return value
}

// Delay converts the configured per-worker delay to a duration; zero selects
// the iterator's documented default.
func (c *NvdConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}
