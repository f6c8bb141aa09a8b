package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/cwpaudit/internal/archive"
	"github.com/tinytelemetry/cwpaudit/internal/auditclient"
	"github.com/tinytelemetry/cwpaudit/internal/duckdb"
	"github.com/tinytelemetry/cwpaudit/internal/httpserver"
	"github.com/tinytelemetry/cwpaudit/internal/metrics"
	"github.com/tinytelemetry/cwpaudit/internal/model"
	"github.com/tinytelemetry/cwpaudit/internal/pipeline"
	"github.com/tinytelemetry/cwpaudit/internal/present"
	"github.com/tinytelemetry/cwpaudit/internal/source"
)

// components is everything built from appConfig for one process.
type components struct {
	source  source.PayloadSource
	store   *duckdb.Store
	archive *archive.Manager
	metrics *metrics.Pipeline
	runner  *pipeline.Runner
	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildSource(cfg appConfig, logger *zap.Logger) (source.PayloadSource, error) {
	if cfg.Input != "" {
		return source.NewFileSource(cfg.Input), nil
	}
	client, err := auditclient.New(auditclient.Config{
		BaseURL:            cfg.BaseURL,
		Identity:           cfg.Identity,
		Secret:             cfg.Secret,
		Limit:              cfg.Limit,
		Timeout:            cfg.Timeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return nil, err
	}
	return source.NewAPISource(client), nil
}

// buildComponents wires source, store, archive, metrics and the pipeline.
// quiet suppresses pipeline output for callers that publish results
// themselves.
func buildComponents(cfg appConfig, logger *zap.Logger, out io.Writer, quiet bool) (*components, error) {
	c := &components{metrics: metrics.New()}

	src, err := buildSource(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure source: %w", err)
	}
	c.source = src

	if cfg.StoreEnabled {
		store, err := duckdb.NewStore(cfg.DBPath, logger, cfg.QueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
		}
		c.store = store
		c.closers = append(c.closers, func() { _ = store.Close() })

		// Start retention cleaner for automatic audit expiry
		cleaner := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
			RetentionDays: cfg.StoreRetentionDays,
		})
		if cleaner != nil {
			c.closers = append(c.closers, cleaner.Stop)
		}
	}

	var snapshotter archive.Snapshotter
	if c.store != nil {
		snapshotter = c.store
	}
	manager, err := archive.NewManager(archive.Config{
		Dir:            cfg.ArchiveDir,
		KeepLast:       cfg.ArchiveKeepLast,
		SnapshotDB:     cfg.ArchiveSnapshotDB,
		BucketURL:      cfg.ArchiveBucketURL,
		S3Endpoint:     cfg.ArchiveS3Endpoint,
		S3Region:       cfg.ArchiveS3Region,
		S3AccessKey:    cfg.ArchiveS3AccessKey,
		S3SecretKey:    cfg.ArchiveS3SecretKey,
		S3SessionToken: cfg.ArchiveS3SessionToken,
		S3UseSSL:       cfg.ArchiveS3UseSSL,
	}, snapshotter, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}
	c.archive = manager

	sink, err := present.NewSink(cfg.Output, out, present.Options{
		Limit: cfg.OutputLimit,
		Chart: present.ChartOptions{Width: cfg.ChartWidth, Height: cfg.ChartHeight},
	}, logger)
	if err != nil {
		c.close()
		return nil, err
	}

	pcfg := pipeline.Config{
		Stage:        pipeline.Stage(cfg.Mode),
		Schema:       model.AuditSchema,
		Keys:         cfg.Keys,
		RecordFormat: cfg.RecordFormat,
		Source:       c.source,
		Sink:         sink,
		Metrics:      c.metrics,
		Logger:       logger,
		Out:          out,
		Quiet:        quiet,
	}
	// Nil pointers must not reach the interface fields.
	if c.store != nil {
		pcfg.Store = c.store
	}
	if c.archive != nil {
		pcfg.Archiver = c.archive
	}

	runner, err := pipeline.New(pcfg)
	if err != nil {
		c.close()
		return nil, err
	}
	c.runner = runner
	return c, nil
}

// run executes one pipeline pass, or keeps the API up when it is enabled,
// until SIGINT or SIGTERM.
func run(cfg appConfig, logger *zap.Logger, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runContext(ctx, cfg, logger, out)
}

func runContext(ctx context.Context, cfg appConfig, logger *zap.Logger, out io.Writer) error {
	comps, err := buildComponents(cfg, logger, out, cfg.APIEnabled)
	if err != nil {
		return err
	}
	defer comps.close()

	if !cfg.APIEnabled {
		_, err := comps.runner.Run(ctx)
		return err
	}
	return serve(ctx, cfg, comps, logger, out)
}

func snapshotOf(res *pipeline.Result) httpserver.Snapshot {
	return httpserver.Snapshot{
		FetchID:   res.FetchID,
		FetchedAt: res.FetchedAt,
		Records:   len(res.Records),
		Table:     res.Table,
	}
}

// serve runs the pipeline once, publishes the result over HTTP and keeps
// refreshing until ctx is cancelled.
func serve(ctx context.Context, cfg appConfig, comps *components, logger *zap.Logger, out io.Writer) error {
	refresh := func(ctx context.Context) (httpserver.Snapshot, error) {
		res, err := comps.runner.Run(ctx)
		if err != nil {
			return httpserver.Snapshot{}, err
		}
		return snapshotOf(res), nil
	}

	first, err := refresh(ctx)
	if err != nil {
		return err
	}

	srvCfg := httpserver.Config{
		Addr:    cfg.APIAddr,
		Schema:  model.AuditSchema,
		Metrics: comps.metrics.Handler(),
		Refresh: refresh,
		Logger:  logger,
	}
	if comps.store != nil {
		srvCfg.Store = comps.store
	}
	api := httpserver.NewServer(srvCfg)
	api.Publish(first)
	if err := api.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		if err := api.Stop(); err != nil {
			logger.Warn("api shutdown", zap.Error(err))
		}
	}()

	printStartupBanner(out, cfg, api.Addr(), comps.source.Name(), first)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.APIRefreshInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.APIRefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					// A failed run keeps the previous snapshot published.
					if _, err := api.Refresh(gctx); err != nil {
						logger.Warn("scheduled refresh failed", zap.Error(err))
					}
				}
			}
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	fmt.Fprintln(out, "\nShutting down...")
	return err
}

func printStartupBanner(out io.Writer, cfg appConfig, addr, sourceName string, first httpserver.Snapshot) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	status := func(label string, enabled bool, value string) string {
		if !enabled {
			return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
		}
		return fmt.Sprintf("    %s  %-14s %s", check, label, value)
	}

	separator := dim.Render("    ─────────────────────────────────")

	var lines []string
	lines = append(lines, "")
	lines = append(lines, "    "+cyan.Bold(true).Render("cwpaudit")+"  "+dim.Render("v"+version))
	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	lines = append(lines, status("HTTP API", true, cyan.Render("http://"+addr)))
	lines = append(lines, status("Metrics", true, cyan.Render("http://"+addr+"/metrics")))
	refresh := "on demand (POST /api/refresh)"
	if cfg.APIRefreshInterval > 0 {
		refresh = "every " + cfg.APIRefreshInterval.String()
	}
	lines = append(lines, status("Refresh", true, dim.Render(refresh)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Audits"))
	lines = append(lines, "")
	src := sourceName
	if sourceName == "api" {
		src = cfg.BaseURL
	}
	lines = append(lines, status("Source", true, dim.Render(src)))
	lines = append(lines, status("Last fetch", true, dim.Render(fmt.Sprintf("%d records at %s", first.Records, first.FetchedAt.Local().Format(time.RFC3339)))))
	lines = append(lines, status("Fields", true, dim.Render(strings.Join(cfg.Keys, ", "))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")
	lines = append(lines, status("Storage", cfg.StoreEnabled, dim.Render(shortenPath(cfg.DBPath))))
	lines = append(lines, status("Archive", cfg.ArchiveDir != "", dim.Render(shortenPath(cfg.ArchiveDir))))
	lines = append(lines, status("Bucket", cfg.ArchiveBucketURL != "", dim.Render(cfg.ArchiveBucketURL)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, status("Config File", true, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Fprintln(out, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
