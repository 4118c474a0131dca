//go:build !gcp

package objectstore

import (
	"context"
	"fmt"
)

func newGCSFromConfig(ctx context.Context, cfg GCSConfig) (Store, error) {
	return nil, fmt.Errorf("objectstore: gcs backend requires a build with the gcp tag")
}
