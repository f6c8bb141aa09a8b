// Package pipeline runs one fetch -> parse -> aggregate -> present pass.
// The terminal stage decides how far a run goes; every stage runs strictly
// after the previous one succeeded.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/aggregate"
	"github.com/tinytelemetry/cwpaudit/internal/auditparse"
	"github.com/tinytelemetry/cwpaudit/internal/metrics"
	"github.com/tinytelemetry/cwpaudit/internal/model"
	"github.com/tinytelemetry/cwpaudit/internal/present"
	"github.com/tinytelemetry/cwpaudit/internal/source"
)

// Stage names the last step of a run.
type Stage string

const (
	StageFetch Stage = "fetch" // print the raw payload
	StageParse Stage = "parse" // print parsed records
	StageCount Stage = "count" // aggregate and present counts
	StageChart Stage = "chart" // aggregate and draw charts
)

// Stages lists the valid stages in pipeline order.
var Stages = []Stage{StageFetch, StageParse, StageCount, StageChart}

// ParseStage validates a stage name from configuration.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Stages {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q (want fetch, parse, count or chart)", s)
}

// Aggregates reports whether the stage counts records.
func (s Stage) Aggregates() bool { return s == StageCount || s == StageChart }

// Archiver keeps a copy of each raw payload.
type Archiver interface {
	Archive(ctx context.Context, payload string, fetchedAt time.Time) (string, error)
}

// Config wires a Runner. Source is required; Sink is required for the count
// and chart stages. Store, Archiver and Metrics are optional.
type Config struct {
	Stage        Stage
	Schema       model.Schema
	Keys         []string
	RecordFormat string // parse stage output, see present.WriteRecords

	Source   source.PayloadSource
	Sink     present.Sink
	Store    model.AuditWriter
	Archiver Archiver
	Metrics  *metrics.Pipeline
	Logger   *zap.Logger
	Out      io.Writer // fetch and parse stage output, default os.Stdout

	// Quiet suppresses fetch/parse/present output; used by callers that
	// render the Result themselves.
	Quiet bool
}

// Result is what one run produced. Fields past the terminal stage stay zero.
type Result struct {
	FetchID      string
	Stage        Stage
	FetchedAt    time.Time
	PayloadBytes int
	Records      []model.Record
	Table        model.CountTable
	Elapsed      time.Duration
}

// Runner executes pipeline runs with a fixed configuration.
type Runner struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New validates cfg and returns a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pipeline: source is required")
	}
	if cfg.Stage == "" {
		cfg.Stage = StageCount
	}
	st, err := ParseStage(string(cfg.Stage))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	cfg.Stage = st
	if cfg.Schema.Len() == 0 {
		cfg.Schema = model.AuditSchema
	}
	if len(cfg.Keys) == 0 {
		cfg.Keys = append([]string(nil), model.DefaultAggregationKeys...)
	}
	if err := cfg.Schema.ValidateKeys(cfg.Keys); err != nil {
		return nil, fmt.Errorf("pipeline: keys: %w", err)
	}
	if cfg.Stage.Aggregates() && cfg.Sink == nil && !cfg.Quiet {
		return nil, fmt.Errorf("pipeline: stage %q needs a sink", cfg.Stage)
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pipeline")),
		now:    time.Now,
	}, nil
}

// Stage returns the configured terminal stage.
func (r *Runner) Stage() Stage { return r.cfg.Stage }

// Run performs one pass. A source error aborts before anything is parsed;
// a parse error aborts before anything is counted or stored.
func (r *Runner) Run(ctx context.Context) (res *Result, err error) {
	start := r.now()
	res = &Result{
		FetchID:   uuid.NewString(),
		Stage:     r.cfg.Stage,
		FetchedAt: start.UTC(),
	}
	log := r.logger.With(zap.String("fetch_id", res.FetchID), zap.String("stage", string(r.cfg.Stage)))
	defer func() {
		res.Elapsed = r.now().Sub(start)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ObserveRun(string(r.cfg.Stage), err)
		}
		if err != nil {
			log.Error("pipeline run failed", zap.Error(err), zap.Duration("elapsed", res.Elapsed))
		}
	}()

	payload, err := r.cfg.Source.Payload(ctx)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveFetch(r.now().Sub(start), len(payload), err)
	}
	if err != nil {
		return res, fmt.Errorf("fetch from %s: %w", r.cfg.Source.Name(), err)
	}
	res.PayloadBytes = len(payload)
	log.Info("payload received", zap.String("source", r.cfg.Source.Name()), zap.Int("bytes", len(payload)))

	if r.cfg.Archiver != nil {
		path, aerr := r.cfg.Archiver.Archive(ctx, payload, res.FetchedAt)
		if aerr != nil {
			// The archive is a side copy; a failed write never fails the run.
			log.Warn("archive payload failed", zap.Error(aerr))
		} else {
			log.Info("payload archived", zap.String("path", path))
		}
	}

	if r.cfg.Stage == StageFetch {
		if !r.cfg.Quiet {
			if _, err := io.WriteString(r.cfg.Out, payload); err != nil {
				return res, fmt.Errorf("write payload: %w", err)
			}
		}
		return res, nil
	}

	records, err := auditparse.Parse(payload, r.cfg.Schema)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveParse(len(records), err)
	}
	if err != nil {
		return res, err
	}
	res.Records = records
	log.Info("payload parsed", zap.Int("records", len(records)))

	if r.cfg.Store != nil {
		if err := r.cfg.Store.InsertAuditBatch(res.FetchID, res.FetchedAt, records); err != nil {
			return res, fmt.Errorf("store audits: %w", err)
		}
	}

	if r.cfg.Stage == StageParse {
		if !r.cfg.Quiet {
			if err := present.WriteRecords(r.cfg.Out, records, r.cfg.RecordFormat); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	res.Table = aggregate.Count(records, r.cfg.Keys)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveCounts(res.Table)
	}
	if r.cfg.Sink != nil && !r.cfg.Quiet {
		r.cfg.Sink.Present(res.Table)
	}
	return res, nil
}
