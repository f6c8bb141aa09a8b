package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/auditclient"
	"github.com/tinytelemetry/cwpaudit/internal/auditparse"
	"github.com/tinytelemetry/cwpaudit/internal/metrics"
	"github.com/tinytelemetry/cwpaudit/internal/model"
)

const twoLines = "A,x,,,,,,,,,\nA,y,,,,,,,,,\n"

type fakeSource struct {
	payload string
	err     error
	calls   int
}

func (s *fakeSource) Payload(context.Context) (string, error) {
	s.calls++
	return s.payload, s.err
}

func (s *fakeSource) Name() string { return "fake" }

type recordingSink struct {
	tables []model.CountTable
}

func (s *recordingSink) Present(t model.CountTable) { s.tables = append(s.tables, t) }

type fakeStore struct {
	fetchIDs []string
	batches  [][]model.Record
	err      error
}

func (s *fakeStore) InsertAuditBatch(fetchID string, _ time.Time, records []model.Record) error {
	if s.err != nil {
		return s.err
	}
	s.fetchIDs = append(s.fetchIDs, fetchID)
	s.batches = append(s.batches, records)
	return nil
}

type fakeArchiver struct {
	payloads []string
	err      error
}

func (a *fakeArchiver) Archive(_ context.Context, payload string, _ time.Time) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.payloads = append(a.payloads, payload)
	return "/tmp/audits.csv", nil
}

func newRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestParseStage(t *testing.T) {
	for _, s := range []string{"fetch", "parse", "count", " CHART "} {
		_, err := ParseStage(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseStage("summarize")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "source is required")

	_, err = New(Config{Source: &fakeSource{}, Stage: StageCount})
	assert.Error(t, err, "count stage needs a sink")

	_, err = New(Config{Source: &fakeSource{}, Stage: StageFetch, Keys: []string{"Nope"}})
	assert.Error(t, err, "unknown keys are rejected")

	_, err = New(Config{Source: &fakeSource{}, Stage: "bogus"})
	assert.Error(t, err)

	r, err := New(Config{Source: &fakeSource{}, Quiet: true})
	require.NoError(t, err)
	assert.Equal(t, StageCount, r.Stage())
}

func TestRun_CountStage(t *testing.T) {
	sink := &recordingSink{}
	r := newRunner(t, Config{
		Stage:  StageCount,
		Keys:   []string{model.FieldType, model.FieldAttack},
		Source: &fakeSource{payload: twoLines},
		Sink:   sink,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.tables, 1)

	table := sink.tables[0]
	assert.Equal(t, map[string]int64{"A": 2}, table.Values(model.FieldType))
	assert.Equal(t, map[string]int64{"x": 1, "y": 1}, table.Values(model.FieldAttack))
	assert.Len(t, res.Records, 2)
	assert.Equal(t, len(twoLines), res.PayloadBytes)
	assert.NotEmpty(t, res.FetchID)
}

func TestRun_AuthFailureStopsBeforeParse(t *testing.T) {
	authErr := &auditclient.AuthenticationError{StatusCode: http.StatusUnauthorized}
	src := &fakeSource{err: authErr}
	sink := &recordingSink{}
	store := &fakeStore{}
	archiver := &fakeArchiver{}
	m := metrics.New()

	r := newRunner(t, Config{
		Stage:    StageChart,
		Source:   src,
		Sink:     sink,
		Store:    store,
		Archiver: archiver,
		Metrics:  m,
	})

	res, err := r.Run(context.Background())
	require.Error(t, err)

	var got *auditclient.AuthenticationError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, http.StatusUnauthorized, got.StatusCode)

	assert.Nil(t, res.Records)
	assert.Empty(t, sink.tables, "nothing is presented after a fetch failure")
	assert.Empty(t, store.batches)
	assert.Empty(t, archiver.payloads)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RecordsParsed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ParseFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("chart", metrics.OutcomeError)))
}

func TestRun_ParseFailureStopsBeforeCount(t *testing.T) {
	sink := &recordingSink{}
	store := &fakeStore{}
	archiver := &fakeArchiver{}
	m := metrics.New()

	r := newRunner(t, Config{
		Stage:    StageCount,
		Source:   &fakeSource{payload: "A,x,,,,,,,,,\nB,y,,,,,,,,,,extra\n"},
		Sink:     sink,
		Store:    store,
		Archiver: archiver,
		Metrics:  m,
	})

	_, err := r.Run(context.Background())
	var pe *auditparse.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, pe.Line)

	assert.Empty(t, sink.tables)
	assert.Empty(t, store.batches, "a rejected payload is never stored")
	assert.Len(t, archiver.payloads, 1, "the raw payload is archived before parsing")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseFailures))
}

func TestRun_FetchStagePrintsPayload(t *testing.T) {
	var out bytes.Buffer
	sink := &recordingSink{}
	r := newRunner(t, Config{
		Stage:  StageFetch,
		Source: &fakeSource{payload: "not,even\"csv"},
		Sink:   sink,
		Out:    &out,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "not,even\"csv", out.String())
	assert.Nil(t, res.Records, "fetch stage never parses")
	assert.Empty(t, sink.tables)
}

func TestNew_NormalizesStageName(t *testing.T) {
	var out bytes.Buffer
	sink := &recordingSink{}
	r := newRunner(t, Config{
		Stage:  " Fetch ",
		Source: &fakeSource{payload: twoLines},
		Sink:   sink,
		Out:    &out,
	})
	assert.Equal(t, StageFetch, r.Stage())

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageFetch, res.Stage)
	assert.Equal(t, twoLines, out.String())
	assert.Nil(t, res.Records, "a mixed-case fetch stage still stops before parsing")
	assert.Empty(t, sink.tables)
}

func TestRun_ParseStagePrintsRecords(t *testing.T) {
	var out bytes.Buffer
	store := &fakeStore{}
	r := newRunner(t, Config{
		Stage:        StageParse,
		Source:       &fakeSource{payload: twoLines},
		RecordFormat: "csv",
		Store:        store,
		Out:          &out,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, twoLines, out.String())
	assert.Len(t, res.Records, 2)
	assert.Equal(t, model.CountTable{}, res.Table)

	require.Len(t, store.batches, 1)
	assert.Equal(t, res.FetchID, store.fetchIDs[0])
	assert.Len(t, store.batches[0], 2)
}

func TestRun_StoreFailureFailsRun(t *testing.T) {
	sink := &recordingSink{}
	r := newRunner(t, Config{
		Source: &fakeSource{payload: twoLines},
		Sink:   sink,
		Store:  &fakeStore{err: errors.New("disk full")},
	})

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, sink.tables)
}

func TestRun_ArchiveFailureDoesNotFailRun(t *testing.T) {
	sink := &recordingSink{}
	r := newRunner(t, Config{
		Source:   &fakeSource{payload: twoLines},
		Sink:     sink,
		Archiver: &fakeArchiver{err: errors.New("read-only fs")},
	})

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sink.tables, 1)
}

func TestRun_QuietSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	m := metrics.New()
	r := newRunner(t, Config{
		Source:  &fakeSource{payload: twoLines},
		Sink:    sink,
		Quiet:   true,
		Metrics: m,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sink.tables)
	assert.Equal(t, int64(2), res.Table.Total(model.FieldType))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsParsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("count", metrics.OutcomeOK)))
}

func TestRun_EachRunGetsFreshFetchID(t *testing.T) {
	src := &fakeSource{payload: twoLines}
	r := newRunner(t, Config{Source: src, Quiet: true})

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	second, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.FetchID, second.FetchID)
	assert.Equal(t, 2, src.calls)
}
