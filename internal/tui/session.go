package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/cwpaudit/internal/model"
	"github.com/tinytelemetry/cwpaudit/internal/pipeline"
)

// Loader runs the pipeline once and returns its result.
type Loader func(ctx context.Context) (*pipeline.Result, error)

// loadedMsg carries the outcome of one Loader call.
type loadedMsg struct {
	result *pipeline.Result
	err    error
}

// session is the state shared by every page: the latest result, the
// aggregated fields and whether a download is running.
type session struct {
	load    Loader
	timeout time.Duration
	keys    []string

	result  *pipeline.Result
	err     error
	loading bool
}

func newSession(load Loader, keys []string, timeout time.Duration) *session {
	return &session{load: load, keys: keys, timeout: timeout}
}

// fetch starts a load unless one is already running.
func (s *session) fetch() tea.Cmd {
	if s.loading {
		return nil
	}
	s.loading = true
	load, timeout := s.load, s.timeout
	return tea.Batch(spinnerTick(), func() tea.Msg {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := load(ctx)
		return loadedMsg{result: res, err: err}
	})
}

// apply records a finished load. A failed refetch keeps the previous result.
func (s *session) apply(msg loadedMsg) {
	s.loading = false
	s.err = msg.err
	if msg.err == nil {
		s.result = msg.result
	}
}

func (s *session) table() (model.CountTable, bool) {
	if s.result == nil {
		return model.CountTable{}, false
	}
	return s.result.Table, true
}

func (s *session) status() string {
	switch {
	case s.loading:
		return "downloading audits..."
	case s.result == nil:
		return "no data"
	default:
		return fmt.Sprintf("fetch %s · %d records · %s",
			shortID(s.result.FetchID), len(s.result.Records), s.result.FetchedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
