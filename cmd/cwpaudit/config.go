package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tinytelemetry/cwpaudit/internal/model"
	"github.com/tinytelemetry/cwpaudit/internal/pipeline"
	"github.com/tinytelemetry/cwpaudit/internal/present"
)

const (
	defaultMode               = string(pipeline.StageCount)
	defaultOutput             = present.FormatText
	defaultRecordFormat       = present.RecordsJSONL
	defaultLimit              = model.DefaultAuditLimit
	defaultTimeout            = model.DefaultFetchTimeout
	defaultAPIAddr            = "127.0.0.1:3000"
	defaultAPIRefreshInterval = 0 // refresh only on demand
	defaultQueryTimeout       = 30 * time.Second
	defaultRetentionDays      = 0 // keep everything
	defaultArchiveKeepLast    = 24
	defaultChartWidth         = 100
	defaultChartHeight        = 12
	defaultLogLevel           = "info"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	BaseURL            string        `mapstructure:"base-url"`
	Identity           string        `mapstructure:"identity"`
	Secret             string        `mapstructure:"secret"`
	InsecureSkipVerify bool          `mapstructure:"insecure-skip-verify"`
	Limit              int           `mapstructure:"limit"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Input              string        `mapstructure:"input"`

	Mode         string   `mapstructure:"mode"`
	Keys         []string `mapstructure:"keys"`
	Output       string   `mapstructure:"output"`
	OutputLimit  int      `mapstructure:"output-limit"`
	RecordFormat string   `mapstructure:"record-format"`
	ChartWidth   int      `mapstructure:"chart-width"`
	ChartHeight  int      `mapstructure:"chart-height"`

	StoreEnabled       bool          `mapstructure:"store-enabled"`
	DBPath             string        `mapstructure:"db-path"`
	StoreRetentionDays int           `mapstructure:"store-retention-days"`
	QueryTimeout       time.Duration `mapstructure:"query-timeout"`

	ArchiveDir            string `mapstructure:"archive-dir"`
	ArchiveKeepLast       int    `mapstructure:"archive-keep-last"`
	ArchiveSnapshotDB     bool   `mapstructure:"archive-snapshot-db"`
	ArchiveBucketURL      string `mapstructure:"archive-bucket-url"`
	ArchiveS3Endpoint     string `mapstructure:"archive-s3-endpoint"`
	ArchiveS3Region       string `mapstructure:"archive-s3-region"`
	ArchiveS3AccessKey    string `mapstructure:"archive-s3-access-key"`
	ArchiveS3SecretKey    string `mapstructure:"archive-s3-secret-key"`
	ArchiveS3SessionToken string `mapstructure:"archive-s3-session-token"`
	ArchiveS3UseSSL       bool   `mapstructure:"archive-s3-use-ssl"`

	APIEnabled         bool          `mapstructure:"api-enabled"`
	APIAddr            string        `mapstructure:"api-addr"`
	APIRefreshInterval time.Duration `mapstructure:"api-refresh-interval"`

	LogLevel string `mapstructure:"log-level"`
	LogFile  string `mapstructure:"log-file"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

// validate checks the loaded configuration before anything is started.
func (c *appConfig) validate() error {
	stage, err := pipeline.ParseStage(c.Mode)
	if err != nil {
		return err
	}
	c.Mode = string(stage)

	c.Keys = normalizeKeys(c.Keys)
	if len(c.Keys) == 0 {
		return fmt.Errorf("keys: at least one aggregation field is required")
	}
	if err := model.AuditSchema.ValidateKeys(c.Keys); err != nil {
		return fmt.Errorf("keys: %w", err)
	}

	switch strings.ToLower(c.Output) {
	case present.FormatText, present.FormatJSON, present.FormatYAML, present.FormatChart:
		c.Output = strings.ToLower(c.Output)
	default:
		return fmt.Errorf("unknown output %q (want text, json, yaml or chart)", c.Output)
	}
	if stage == pipeline.StageChart {
		c.Output = present.FormatChart
	}

	switch strings.ToLower(c.RecordFormat) {
	case present.RecordsJSONL, present.RecordsJSON, present.RecordsYAML, present.RecordsCSV:
		c.RecordFormat = strings.ToLower(c.RecordFormat)
	default:
		return fmt.Errorf("unknown record-format %q (want jsonl, json, yaml or csv)", c.RecordFormat)
	}

	if c.Limit <= 0 {
		return fmt.Errorf("invalid limit: %d", c.Limit)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	if c.Input == "" {
		if c.BaseURL == "" {
			return fmt.Errorf("base-url is required (or set TL_URL, or read a saved payload with -input)")
		}
		if c.Identity == "" || c.Secret == "" {
			return fmt.Errorf("identity and secret are required (PC_IDENTITY, PC_SECRET)")
		}
	}

	if c.StoreRetentionDays < 0 {
		return fmt.Errorf("invalid store-retention-days: %d", c.StoreRetentionDays)
	}
	if c.ArchiveSnapshotDB && (!c.StoreEnabled || c.DBPath == "") {
		return fmt.Errorf("archive-snapshot-db needs store-enabled and a db-path")
	}

	if c.APIEnabled {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			return fmt.Errorf("invalid api-addr %q: %w", c.APIAddr, err)
		}
		if !stage.Aggregates() {
			return fmt.Errorf("api needs mode count or chart, got %s", stage)
		}
		if c.APIRefreshInterval < 0 {
			return fmt.Errorf("invalid api-refresh-interval: %s", c.APIRefreshInterval)
		}
	}
	return nil
}

// normalizeKeys accepts both list values and a single comma separated
// string from the environment.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
