package archive

import (
	"context"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

// Config controls where raw payloads are kept. An empty Dir disables the
// archive.
type Config struct {
	Dir        string
	KeepLast   int
	SnapshotDB bool // also snapshot the audit store next to each payload
	BucketURL  string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool
}

// Snapshotter is the audit store contract used for database snapshots.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) (model.SnapshotInfo, error)
}

// Uploader ships one archived file off the host.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, contentType string) error
}
