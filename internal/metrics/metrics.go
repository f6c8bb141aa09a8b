package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

const namespace = "cwpaudit"

// Outcome labels for RunsTotal.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Pipeline holds the collectors for one process, on a private registry so
// tests and multiple runners never collide on the global one.
type Pipeline struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	FetchSeconds   prometheus.Histogram
	PayloadBytes   prometheus.Gauge
	RecordsParsed  prometheus.Counter
	ParseFailures  prometheus.Counter
	DistinctValues *prometheus.GaugeVec
}

// New registers the pipeline collectors on a fresh registry.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Pipeline{
		registry: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by terminal stage and outcome.",
		}, []string{"stage", "outcome"}),
		FetchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent obtaining the raw audit payload.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		PayloadBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Size of the last raw audit payload.",
		}),
		RecordsParsed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_parsed_total",
			Help:      "Audit records parsed from payloads.",
		}),
		ParseFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Payloads rejected by the record parser.",
		}),
		DistinctValues: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "distinct_values",
			Help:      "Distinct values per aggregated field in the last run.",
		}, []string{"field"}),
	}
}

// Registry exposes the private registry.
func (p *Pipeline) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records the payload fetch. Failed fetches only count time.
func (p *Pipeline) ObserveFetch(elapsed time.Duration, size int, err error) {
	p.FetchSeconds.Observe(elapsed.Seconds())
	if err == nil {
		p.PayloadBytes.Set(float64(size))
	}
}

// ObserveParse records a parse outcome.
func (p *Pipeline) ObserveParse(records int, err error) {
	if err != nil {
		p.ParseFailures.Inc()
		return
	}
	p.RecordsParsed.Add(float64(records))
}

// ObserveCounts records the number of distinct values per field.
func (p *Pipeline) ObserveCounts(table model.CountTable) {
	for _, field := range table.Keys() {
		p.DistinctValues.WithLabelValues(field).Set(float64(len(table.Values(field))))
	}
}

// ObserveRun records the end of one pipeline run.
func (p *Pipeline) ObserveRun(stage string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	p.RunsTotal.WithLabelValues(stage, outcome).Inc()
}
