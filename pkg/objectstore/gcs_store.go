//go:build gcp

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// GCSStore is the Google Cloud Storage backend. Credentials come from
// application default credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// GCSStoreConfig holds the GCS backend configuration.
type GCSStoreConfig struct {
	Bucket string
}

// NewGCSStore creates a GCS-backed store.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, in PutInput) (Object, error) {
	sha := HashBytes(in.Data)
	key := BuildKey(in.TenantID, sha, in.Filename, timeNow())

	obj := s.client.Bucket(s.bucket).Object(key)
	if attrs, err := obj.Attrs(ctx); err == nil {
		return objectFromAttrs(key, attrs), nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, fmt.Errorf("objectstore: gcs attrs %s: %w", key, wrapUnavailable(err))
	}

	meta := Object{
		Key:      key,
		SHA256:   sha,
		Size:     int64(len(in.Data)),
		MIME:     in.MIME,
		Filename: in.Filename,
		TenantID: in.TenantID.String(),
		StoredAt: timeNow().UTC(),
	}
	if err := s.writeObject(ctx, key, in.Data, in.MIME, metadataMap(meta)); err != nil {
		return Object{}, err
	}
	return meta, nil
}

func (s *GCSStore) PutAt(ctx context.Context, key string, data []byte, mime string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	meta := Object{
		Key:      key,
		SHA256:   HashBytes(data),
		Size:     int64(len(data)),
		MIME:     mime,
		StoredAt: timeNow().UTC(),
	}
	if err := s.writeObject(ctx, key, data, mime, metadataMap(meta)); err != nil {
		return Object{}, err
	}
	return meta, nil
}

func (s *GCSStore) writeObject(ctx context.Context, key string, data []byte, mime string, md map[string]string) error {
	if mime == "" {
		mime = "application/octet-stream"
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = mime
	w.Metadata = md
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("objectstore: gcs write %s: %w", key, wrapUnavailable(err))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objectstore: gcs commit %s: %w", key, wrapUnavailable(err))
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("objectstore: gcs get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("objectstore: gcs get %s: %w", key, wrapUnavailable(err))
	}
	return r, nil
}

func (s *GCSStore) Head(ctx context.Context, key string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Object{}, fmt.Errorf("objectstore: gcs head %s: %w", key, ErrNotFound)
		}
		return Object{}, fmt.Errorf("objectstore: gcs head %s: %w", key, wrapUnavailable(err))
	}
	return objectFromAttrs(key, attrs), nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("objectstore: gcs delete %s: %w", key, wrapUnavailable(err))
	}
	return nil
}

func (s *GCSStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: timeNow().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: gcs presign %s: %w", key, err)
	}
	return url, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func objectFromAttrs(key string, attrs *storage.ObjectAttrs) Object {
	obj := Object{
		Key:      key,
		Size:     attrs.Size,
		MIME:     attrs.ContentType,
		StoredAt: attrs.Created.UTC(),
	}
	if attrs.Metadata != nil {
		obj.SHA256 = attrs.Metadata["sha256"]
		obj.Filename = attrs.Metadata["filename"]
		obj.TenantID = attrs.Metadata["tenant-id"]
	}
	return obj
}
