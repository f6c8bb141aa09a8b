package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultKeepLast = 24

	payloadPrefix  = "audits-"
	payloadExt     = ".csv"
	snapshotPrefix = "cwpaudit-"
	snapshotExt    = ".duckdb"
	checksumExt    = ".sha256"

	// Lexical order of the formatted timestamp matches chronological order.
	stampLayout = "20060102-150405.000000"
)

// Manager writes raw payloads to a local directory, keeps the newest
// KeepLast copies and optionally uploads each one to S3.
type Manager struct {
	dir      string
	keepLast int
	store    Snapshotter
	uploader Uploader
	logger   *zap.Logger
}

// NewManager validates cfg and prepares the archive directory. It returns a
// nil manager when the archive is disabled. store may be nil unless
// cfg.SnapshotDB is set.
func NewManager(cfg Config, store Snapshotter, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if cfg.SnapshotDB {
		if store == nil {
			return nil, fmt.Errorf("archive: snapshot-db needs an audit store")
		}
		if strings.TrimSpace(store.DBPath()) == "" {
			return nil, fmt.Errorf("archive: snapshot-db needs a db-path (store is in memory)")
		}
	} else {
		store = nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	return &Manager{
		dir:      cfg.Dir,
		keepLast: cfg.KeepLast,
		store:    store,
		uploader: uploader,
		logger:   logger.With(zap.String("component", "archive")),
	}, nil
}

// Archive stores payload as audits-<timestamp>.csv and returns its path.
// The file is written under a temporary name and renamed into place. When
// enabled, a store snapshot and its .sha256 checksum file follow under the
// same timestamp. Failed uploads are collected and returned together; the
// local copies stay and pruning still runs.
func (m *Manager) Archive(ctx context.Context, payload string, fetchedAt time.Time) (string, error) {
	stamp := fetchedAt.UTC().Format(stampLayout)
	localPath := filepath.Join(m.dir, payloadPrefix+stamp+payloadExt)

	if err := writeFileAtomic(localPath, []byte(payload)); err != nil {
		return "", fmt.Errorf("archive: write payload: %w", err)
	}
	m.logger.Info("payload archived", zap.String("path", localPath), zap.Int("bytes", len(payload)))

	var errs []error
	errs = append(errs, m.upload(ctx, localPath, "text/csv"))

	if m.store != nil {
		errs = append(errs, m.snapshot(ctx, stamp)...)
	}

	if err := m.prune(); err != nil {
		errs = append(errs, fmt.Errorf("archive: prune: %w", err))
	}
	return localPath, errors.Join(errs...)
}

// snapshot copies the audit store next to the payload, writes its checksum
// file and uploads both.
func (m *Manager) snapshot(ctx context.Context, stamp string) []error {
	snapPath := filepath.Join(m.dir, snapshotPrefix+stamp+snapshotExt)
	info, err := m.store.SnapshotTo(snapPath)
	if err != nil {
		return []error{fmt.Errorf("archive: snapshot: %w", err)}
	}
	m.logger.Info("store snapshot archived",
		zap.String("path", snapPath),
		zap.Int64("bytes", info.Bytes),
		zap.String("sha256", info.SHA256),
		zap.Int64("audits", info.Audits),
	)

	sumPath := snapPath + checksumExt
	line := fmt.Sprintf("%s  %s\n", info.SHA256, filepath.Base(snapPath))
	if err := writeFileAtomic(sumPath, []byte(line)); err != nil {
		return []error{fmt.Errorf("archive: write checksum: %w", err)}
	}

	return []error{
		m.upload(ctx, snapPath, "application/octet-stream"),
		m.upload(ctx, sumPath, "text/plain"),
	}
}

// Dir returns the archive directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) upload(ctx context.Context, localPath, contentType string) error {
	if m.uploader == nil {
		return nil
	}
	if err := m.uploader.UploadFile(ctx, localPath, contentType); err != nil {
		m.logger.Warn("archive upload failed", zap.String("file", filepath.Base(localPath)), zap.Error(err))
		return fmt.Errorf("archive: upload %s: %w", filepath.Base(localPath), err)
	}
	m.logger.Info("archive uploaded", zap.String("file", filepath.Base(localPath)))
	return nil
}

func (m *Manager) prune() error {
	patterns := []string{
		payloadPrefix + "*" + payloadExt,
		snapshotPrefix + "*" + snapshotExt,
		snapshotPrefix + "*" + snapshotExt + checksumExt,
	}
	for _, pattern := range patterns {
		removed, err := pruneOldest(m.dir, pattern, m.keepLast)
		if err != nil {
			return err
		}
		if removed > 0 {
			m.logger.Debug("pruned archive files", zap.String("pattern", pattern), zap.Int("removed", removed))
		}
	}
	return nil
}

// pruneOldest keeps the keepLast lexically greatest files matching pattern.
func pruneOldest(dir, pattern string, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0, err
	}
	if len(matches) <= keepLast {
		return 0, nil
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	removed := 0
	for _, oldPath := range matches[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
