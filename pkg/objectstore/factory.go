package objectstore

import (
	"context"
	"fmt"
)

// Backend selects the storage implementation.
type Backend string

// Backend constants.
const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	File    FileStoreConfig
	S3      S3StoreConfig
	GCS     GCSConfig
}

// GCSConfig mirrors GCSStoreConfig without dragging the GCS SDK into
// non-gcp builds.
type GCSConfig struct {
	Bucket string
}

// New builds the configured store. An empty backend defaults to the
// filesystem store.
func New(ctx context.Context, cfg Config) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		return NewFileStore(cfg.File)
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return newGCSFromConfig(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("objectstore: unsupported backend %q", backend)
	}
}
