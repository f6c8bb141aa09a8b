package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

type fakeSnapshotter struct {
	dbPath string
	data   []byte
	calls  int
}

func (f *fakeSnapshotter) DBPath() string { return f.dbPath }

func (f *fakeSnapshotter) SnapshotTo(dstPath string) (model.SnapshotInfo, error) {
	f.calls++
	if err := os.WriteFile(dstPath, f.data, 0644); err != nil {
		return model.SnapshotInfo{}, err
	}
	sum := sha256.Sum256(f.data)
	return model.SnapshotInfo{
		Path:   dstPath,
		Bytes:  int64(len(f.data)),
		SHA256: hex.EncodeToString(sum[:]),
		Audits: 3,
	}, nil
}

type fakeUploader struct {
	uploaded []string
	types    []string
	err      error
}

func (f *fakeUploader) UploadFile(_ context.Context, localPath, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.uploaded = append(f.uploaded, filepath.Base(localPath))
	f.types = append(f.types, contentType)
	return nil
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
}

func TestNewManager_SnapshotRequiresDBPath(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Config{Dir: t.TempDir(), SnapshotDB: true}, &fakeSnapshotter{}, nil)
	if err == nil {
		t.Fatal("expected error for in-memory store")
	}
	_, err = NewManager(Config{Dir: t.TempDir(), SnapshotDB: true}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestArchive_WritesPayload(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "archive")
	m, err := NewManager(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	at := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	path, err := m.Archive(context.Background(), "A,x,,,,,,,,,\n", at)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if filepath.Base(path) != "audits-20240501-100000.123456.csv" {
		t.Fatalf("archive name = %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(data) != "A,x,,,,,,,,,\n" {
		t.Fatalf("archive content = %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}
}

func TestArchive_PrunesOldest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := &fakeSnapshotter{dbPath: "/tmp/cwpaudit.duckdb", data: []byte("db")}
	m, err := NewManager(Config{Dir: dir, KeepLast: 2, SnapshotDB: true}, store, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := m.Archive(context.Background(), "payload", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Archive #%d: %v", i+1, err)
		}
	}

	payloads, _ := filepath.Glob(filepath.Join(dir, "audits-*.csv"))
	if len(payloads) != 2 {
		t.Fatalf("payload count = %d, want 2", len(payloads))
	}
	for _, p := range payloads {
		if filepath.Base(p) == "audits-20240501-100000.000000.csv" {
			t.Fatal("oldest payload was not pruned")
		}
	}

	snapshots, _ := filepath.Glob(filepath.Join(dir, "cwpaudit-*.duckdb"))
	if len(snapshots) != 2 {
		t.Fatalf("snapshot count = %d, want 2", len(snapshots))
	}
	if store.calls != 3 {
		t.Fatalf("snapshot calls = %d, want 3", store.calls)
	}
	checksums, _ := filepath.Glob(filepath.Join(dir, "cwpaudit-*.duckdb.sha256"))
	if len(checksums) != 2 {
		t.Fatalf("checksum count = %d, want 2", len(checksums))
	}
}

func TestArchive_WritesSnapshotChecksum(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := &fakeSnapshotter{dbPath: "/tmp/cwpaudit.duckdb", data: []byte("db")}
	m, err := NewManager(Config{Dir: dir, SnapshotDB: true}, store, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if _, err := m.Archive(context.Background(), "payload", at); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cwpaudit-20240501-100000.000000.duckdb.sha256"))
	if err != nil {
		t.Fatalf("read checksum: %v", err)
	}
	sum := sha256.Sum256([]byte("db"))
	want := hex.EncodeToString(sum[:]) + "  cwpaudit-20240501-100000.000000.duckdb\n"
	if string(data) != want {
		t.Fatalf("checksum file = %q, want %q", data, want)
	}
}

func TestArchive_Uploads(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{}
	store := &fakeSnapshotter{dbPath: "/tmp/cwpaudit.duckdb", data: []byte("db")}
	m := &Manager{dir: t.TempDir(), keepLast: 5, store: store, uploader: up, logger: zap.NewNop()}

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if _, err := m.Archive(context.Background(), "payload", at); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(up.uploaded) != 3 {
		t.Fatalf("uploaded = %v, want payload, snapshot and checksum", up.uploaded)
	}
	if up.types[0] != "text/csv" || up.types[1] != "application/octet-stream" || up.types[2] != "text/plain" {
		t.Fatalf("content types = %v", up.types)
	}
	if !strings.HasSuffix(up.uploaded[2], ".duckdb.sha256") {
		t.Fatalf("third upload = %s, want the checksum file", up.uploaded[2])
	}
}

func TestArchive_UploadFailureKeepsLocalCopy(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{err: errors.New("access denied")}
	m := &Manager{dir: t.TempDir(), keepLast: 5, uploader: up, logger: zap.NewNop()}

	path, err := m.Archive(context.Background(), "payload", time.Now())
	if err == nil {
		t.Fatal("expected upload error")
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("local archive missing after failed upload: %v", statErr)
	}
}

func TestArchive_UploadFailureStillSnapshotsAndPrunes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	up := &fakeUploader{err: errors.New("bucket unreachable")}
	store := &fakeSnapshotter{dbPath: "/tmp/cwpaudit.duckdb", data: []byte("db")}
	m := &Manager{dir: dir, keepLast: 2, store: store, uploader: up, logger: zap.NewNop()}

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		path, err := m.Archive(context.Background(), "payload", base.Add(time.Duration(i)*time.Minute))
		if err == nil {
			t.Fatalf("Archive #%d: expected upload error", i+1)
		}
		if !errors.Is(err, up.err) {
			t.Fatalf("Archive #%d: err = %v, want it to wrap the upload error", i+1, err)
		}
		if _, statErr := os.Stat(path); statErr != nil {
			t.Fatalf("Archive #%d: local payload missing: %v", i+1, statErr)
		}
	}

	if store.calls != 5 {
		t.Fatalf("snapshot calls = %d, want 5", store.calls)
	}
	for _, pattern := range []string{"audits-*.csv", "cwpaudit-*.duckdb", "cwpaudit-*.duckdb.sha256"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		if len(matches) != 2 {
			t.Errorf("%s: %d files kept, want 2", pattern, len(matches))
		}
	}
}
