package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/auditclient"
	"github.com/tinytelemetry/cwpaudit/internal/duckdb"
	"github.com/tinytelemetry/cwpaudit/internal/logging"
	"github.com/tinytelemetry/cwpaudit/internal/model"
	"github.com/tinytelemetry/cwpaudit/internal/pipeline"
	"github.com/tinytelemetry/cwpaudit/internal/source"
	"github.com/tinytelemetry/cwpaudit/internal/tui"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var inputPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/cwpaudit/config.yml)")
	flag.StringVar(&inputPath, "input", "", "browse a saved CSV payload instead of calling the API")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("cwpaudit TUI - Audit Chart Browser\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadCLIConfig(configPath, inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runTUI(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTUI(cfg cliConfig) error {
	logger, flush, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer flush()

	var src source.PayloadSource
	if cfg.Input != "" {
		src = source.NewFileSource(cfg.Input)
	} else {
		client, err := auditclient.New(auditclient.Config{
			BaseURL:            cfg.BaseURL,
			Identity:           cfg.Identity,
			Secret:             cfg.Secret,
			Limit:              cfg.Limit,
			Timeout:            cfg.Timeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}, logger)
		if err != nil {
			return err
		}
		src = source.NewAPISource(client)
	}

	pcfg := pipeline.Config{
		Stage:  pipeline.StageCount,
		Schema: model.AuditSchema,
		Keys:   cfg.Keys,
		Source: src,
		Logger: logger,
		Quiet:  true,
	}
	if cfg.StoreEnabled {
		store, err := duckdb.NewStore(cfg.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		defer store.Close()
		pcfg.Store = store
	}

	runner, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}

	load := func(ctx context.Context) (*pipeline.Result, error) {
		res, err := runner.Run(ctx)
		if err != nil {
			logger.Warn("load failed", zap.Error(err))
		}
		return res, err
	}

	if err := tui.Run(load, tui.Options{Keys: cfg.Keys}); err != nil {
		if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
			return fmt.Errorf("TUI requires a real terminal")
		}
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
