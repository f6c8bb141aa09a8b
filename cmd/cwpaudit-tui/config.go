package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

const (
	defaultLimit   = model.DefaultAuditLimit
	defaultTimeout = model.DefaultFetchTimeout
)

// cliConfig holds only TUI-relevant configuration.
type cliConfig struct {
	BaseURL            string        `mapstructure:"base-url"`
	Identity           string        `mapstructure:"identity"`
	Secret             string        `mapstructure:"secret"`
	InsecureSkipVerify bool          `mapstructure:"insecure-skip-verify"`
	Limit              int           `mapstructure:"limit"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Input              string        `mapstructure:"input"`
	Keys               []string      `mapstructure:"keys"`
	StoreEnabled       bool          `mapstructure:"store-enabled"`
	DBPath             string        `mapstructure:"db-path"`
	LogLevel           string        `mapstructure:"log-level"`
	LogFile            string        `mapstructure:"log-file"`
}

func loadCLIConfig(configPath, inputPath string) (cliConfig, error) {
	var cfg cliConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CWPAUDIT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	_ = v.BindEnv("base-url", "CWPAUDIT_BASE_URL", "TL_URL")
	_ = v.BindEnv("identity", "CWPAUDIT_IDENTITY", "PC_IDENTITY")
	_ = v.BindEnv("secret", "CWPAUDIT_SECRET", "PC_SECRET")

	v.SetDefault("limit", defaultLimit)
	v.SetDefault("timeout", defaultTimeout)
	v.SetDefault("keys", model.DefaultAggregationKeys)
	v.SetDefault("store-enabled", false)
	v.SetDefault("db-path", filepath.Join(home, ".local", "share", "cwpaudit", "cwpaudit.duckdb"))
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", filepath.Join(home, ".local", "state", "cwpaudit", "cwpaudit-tui.log"))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "cwpaudit", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if inputPath != "" {
		v.Set("input", inputPath)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	var keys []string
	for _, k := range cfg.Keys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				keys = append(keys, part)
			}
		}
	}
	cfg.Keys = keys
	if err := model.AuditSchema.ValidateKeys(cfg.Keys); err != nil {
		return cfg, fmt.Errorf("keys: %w", err)
	}
	if cfg.Input == "" && (cfg.BaseURL == "" || cfg.Identity == "" || cfg.Secret == "") {
		return cfg, fmt.Errorf("base-url, identity and secret are required (TL_URL, PC_IDENTITY, PC_SECRET)")
	}
	// The screen belongs to the TUI; logs always go to a file.
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(home, ".local", "state", "cwpaudit", "cwpaudit-tui.log")
	}
	return cfg, nil
}
