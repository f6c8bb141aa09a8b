package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/cwpaudit/internal/logging"
	"github.com/tinytelemetry/cwpaudit/internal/model"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// envAliases are the environment names the audit service tooling already
// uses for the connection settings.
var envAliases = map[string]string{
	"base-url": "TL_URL",
	"identity": "PC_IDENTITY",
	"secret":   "PC_SECRET",
}

func main() {
	var configPath string
	var showVersion bool

	fs := newFlagSet(&configPath, &showVersion)
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("cwpaudit - Runtime Audit Reporter\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath, flagOverrides(fs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, flush, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, os.Stdout); err != nil {
		logger.Sugar().Errorw("run failed", "error", err)
		flush()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flush()
}

func newFlagSet(configPath *string, showVersion *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("cwpaudit", flag.ExitOnError)
	fs.StringVar(configPath, "config", "", "config file (default is $HOME/.config/cwpaudit/config.yml)")
	fs.BoolVar(showVersion, "version", false, "print version information")
	fs.String("mode", defaultMode, "last pipeline stage: fetch, parse, count or chart")
	fs.Int("limit", defaultLimit, "number of audits to download")
	fs.String("input", "", "read a saved CSV payload instead of calling the API (- for stdin)")
	fs.String("output", defaultOutput, "count output: text, json, yaml or chart")
	fs.String("record-format", defaultRecordFormat, "parse mode output: jsonl, json, yaml or csv")
	fs.String("keys", "", "comma separated fields to count")
	fs.Bool("serve", false, "keep serving the HTTP API after the run")
	fs.String("log-level", defaultLogLevel, "log level: debug, info, warn or error")
	return fs
}

// flagOverrides returns the config keys explicitly set on the command line.
func flagOverrides(fs *flag.FlagSet) map[string]string {
	out := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "version":
		case "serve":
			out["api-enabled"] = f.Value.String()
		default:
			out[f.Name] = f.Value.String()
		}
	})
	return out
}

func loadConfig(configPath string, overrides map[string]string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CWPAUDIT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for key, env := range envAliases {
		if err := v.BindEnv(key, "CWPAUDIT_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env); err != nil {
			return cfg, err
		}
	}

	v.SetDefault("mode", defaultMode)
	v.SetDefault("limit", defaultLimit)
	v.SetDefault("timeout", defaultTimeout)
	v.SetDefault("keys", model.DefaultAggregationKeys)
	v.SetDefault("output", defaultOutput)
	v.SetDefault("output-limit", 0)
	v.SetDefault("record-format", defaultRecordFormat)
	v.SetDefault("chart-width", defaultChartWidth)
	v.SetDefault("chart-height", defaultChartHeight)
	v.SetDefault("insecure-skip-verify", false)
	v.SetDefault("store-enabled", false)
	v.SetDefault("db-path", filepath.Join(home, ".local", "share", "cwpaudit", "cwpaudit.duckdb"))
	v.SetDefault("store-retention-days", defaultRetentionDays)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("archive-keep-last", defaultArchiveKeepLast)
	v.SetDefault("archive-snapshot-db", false)
	v.SetDefault("archive-s3-use-ssl", true)
	v.SetDefault("api-enabled", false)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("api-refresh-interval", defaultAPIRefreshInterval)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-file", filepath.Join(home, ".local", "state", "cwpaudit", "cwpaudit.log"))

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

	for key, val := range overrides {
		v.Set(key, val)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	// Expand ~ in paths
	cfg.DBPath = expandHome(cfg.DBPath, home)
	cfg.ArchiveDir = expandHome(cfg.ArchiveDir, home)
	cfg.LogFile = expandHome(cfg.LogFile, home)
	if cfg.Input != "-" {
		cfg.Input = expandHome(cfg.Input, home)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
