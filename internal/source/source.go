package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

const (
	// DefaultMaxPayloadSize caps how much a file or stdin source will read.
	DefaultMaxPayloadSize = model.DefaultMaxPayloadSize

	// StdinPath selects standard input for a FileSource.
	StdinPath = "-"
)

// ErrPayloadTooLarge is returned when a payload exceeds the configured cap.
var ErrPayloadTooLarge = model.ErrPayloadTooLarge

// PayloadSource is a unified interface for everything that yields one raw
// audit payload (API download, saved file, stdin).
type PayloadSource interface {
	Payload(ctx context.Context) (string, error)
	Name() string // "api", "file", "stdin"
}

// Downloader is the audit client contract the API source needs.
type Downloader interface {
	Download(ctx context.Context) (string, error)
}

// APISource downloads the payload from the audit service.
type APISource struct {
	client Downloader
}

// NewAPISource wraps an audit client.
func NewAPISource(client Downloader) *APISource {
	return &APISource{client: client}
}

func (s *APISource) Payload(ctx context.Context) (string, error) {
	return s.client.Download(ctx)
}

func (s *APISource) Name() string { return "api" }

// FileConfig holds tunable parameters for the file source.
type FileConfig struct {
	MaxSize int64
	Stdin   io.Reader // overrides os.Stdin, for tests
}

// FileSource reads a previously saved payload from disk or stdin.
type FileSource struct {
	path    string
	maxSize int64
	stdin   io.Reader
}

// NewFileSource creates a source for path; "-" reads standard input.
func NewFileSource(path string, conf ...FileConfig) *FileSource {
	s := &FileSource{
		path:    strings.TrimSpace(path),
		maxSize: DefaultMaxPayloadSize,
		stdin:   os.Stdin,
	}
	if len(conf) > 0 {
		if conf[0].MaxSize > 0 {
			s.maxSize = conf[0].MaxSize
		}
		if conf[0].Stdin != nil {
			s.stdin = conf[0].Stdin
		}
	}
	return s
}

func (s *FileSource) Payload(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var r io.Reader
	if s.path == StdinPath {
		r = s.stdin
	} else {
		f, err := os.Open(s.path)
		if err != nil {
			return "", fmt.Errorf("source: open payload: %w", err)
		}
		defer f.Close()
		r = f
	}

	// Read one byte past the cap so an oversized payload is detected.
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return "", fmt.Errorf("source: read %s: %w", s.Name(), err)
	}
	if int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("source: %s: %w (%d bytes)", s.Name(), ErrPayloadTooLarge, s.maxSize)
	}
	return string(data), nil
}

func (s *FileSource) Name() string {
	if s.path == StdinPath {
		return "stdin"
	}
	return "file"
}
