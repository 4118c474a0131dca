// Package objectstore provides content-addressed byte storage for source
// documents and export archives. Keys are deterministic:
// {tenant}/{YYYY}/{MM}/{sha256-hex}.{ext}. Backends: local filesystem, S3
// (MinIO-compatible) and GCS.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. Backend-specific failures are wrapped so callers can test
// with errors.Is.
var (
	ErrNotFound    = errors.New("objectstore: object not found")
	ErrUnavailable = errors.New("objectstore: backend unavailable")
)

// timeNow is overridable in tests to pin the key's year/month segment.
var timeNow = time.Now

// Object is the stored-object metadata kept alongside the bytes.
type Object struct {
	Key      string    `json:"key"`
	SHA256   string    `json:"sha256"`
	Size     int64     `json:"size"`
	MIME     string    `json:"mime,omitempty"`
	Filename string    `json:"filename,omitempty"`
	TenantID string    `json:"tenant_id,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// PutInput describes a content-addressed write.
type PutInput struct {
	TenantID uuid.UUID
	Filename string
	MIME     string
	Data     []byte
}

// Store is the byte-storage port. Put is idempotent: identical bytes for the
// same tenant in the same month land on the same key and the existing
// metadata is returned. PutAt writes at an explicit key (export archives).
type Store interface {
	Put(ctx context.Context, in PutInput) (Object, error)
	PutAt(ctx context.Context, key string, data []byte, mime string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildKey computes the deterministic object key for a content-addressed put.
func BuildKey(tenant uuid.UUID, sha256Hex, filename string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s.%s", tenant, at.Year(), int(at.Month()), sha256Hex, extFor(filename))
}

// extFor derives a safe lowercase extension from the original filename,
// falling back to "bin".
func extFor(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" || len(ext) > 8 {
		return "bin"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "bin"
		}
	}
	return ext
}

// validKey rejects traversal and absolute paths before any backend touches
// the filesystem.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("objectstore: invalid key %q", key)
	}
	return nil
}
