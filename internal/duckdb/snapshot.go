package duckdb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo checkpoints the database and copies its file to dstPath,
// hashing it on the way. The store stays write-locked for the whole copy so
// the reported audit and fetch counts describe exactly the copied file.
func (s *Store) SnapshotTo(dstPath string) (SnapshotInfo, error) {
	info := SnapshotInfo{Path: dstPath}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return info, fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dbPath == "" {
		return info, ErrInMemoryStore
	}
	if _, err := s.db.Exec("CHECKPOINT"); err != nil {
		return info, fmt.Errorf("checkpoint: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audits").Scan(&info.Audits); err != nil {
		return info, fmt.Errorf("count audits: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM fetches").Scan(&info.Fetches); err != nil {
		return info, fmt.Errorf("count fetches: %w", err)
	}

	n, sum, err := copyHashed(s.dbPath, dstPath)
	if err != nil {
		return info, fmt.Errorf("copy duckdb file: %w", err)
	}
	info.Bytes = n
	info.SHA256 = sum

	s.logger.Info("store snapshot written",
		zap.String("path", dstPath),
		zap.Int64("bytes", n),
		zap.Int64("audits", info.Audits),
		zap.Int64("fetches", info.Fetches),
	)
	return info, nil
}

// copyHashed copies srcPath to dstPath through a temporary file and returns
// the byte count and hex SHA-256 of what was written.
func copyHashed(srcPath, dstPath string) (int64, string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, "", err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, "", err
	}
	fail := func(err error) (int64, string, error) {
		dst.Close()
		_ = os.Remove(tmp)
		return 0, "", err
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, "", err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		_ = os.Remove(tmp)
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
