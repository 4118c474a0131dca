//go:build gcp

package objectstore

import "context"

func newGCSFromConfig(ctx context.Context, cfg GCSConfig) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.Bucket})
}
