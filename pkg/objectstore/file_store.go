package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FileStore is the filesystem backend. Blobs live under baseDir mirroring the
// key layout; metadata sits next to each blob as {key}.meta.json. Writes are
// atomic: temp file in the target directory, then rename.
type FileStore struct {
	baseDir string
	baseURL string
	secret  []byte
	mu      sync.RWMutex
}

// FileStoreConfig configures the filesystem backend. BaseURL and Secret back
// presigned URLs served by the HTTP layer; both may be empty when presigning
// is unused.
type FileStoreConfig struct {
	BaseDir string
	BaseURL string
	Secret  string
}

// NewFileStore creates the base directory and returns the store.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("objectstore: base dir is required")
	}
	//nolint:gosec // G301: 0755 is intentional for a shared data directory
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("objectstore: ensure base dir: %w", err)
	}
	return &FileStore{baseDir: cfg.BaseDir, baseURL: cfg.BaseURL, secret: []byte(cfg.Secret)}, nil
}

func (s *FileStore) Put(ctx context.Context, in PutInput) (Object, error) {
	key := BuildKey(in.TenantID, HashBytes(in.Data), in.Filename, timeNow())
	return s.write(key, in.Data, Object{
		MIME:     in.MIME,
		Filename: in.Filename,
		TenantID: in.TenantID.String(),
	})
}

func (s *FileStore) PutAt(ctx context.Context, key string, data []byte, mime string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	return s.write(key, data, Object{MIME: mime})
}

func (s *FileStore) write(key string, data []byte, meta Object) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta.Key = key
	meta.SHA256 = HashBytes(data)
	meta.Size = int64(len(data))
	meta.StoredAt = timeNow().UTC()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))

	// Idempotent: identical content lands on the same key.
	if _, err := os.Stat(path); err == nil {
		if existing, err := s.readMeta(path); err == nil {
			return existing, nil
		}
		return meta, nil
	}

	//nolint:gosec // G301: 0755 is intentional for a shared data directory
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Object{}, fmt.Errorf("objectstore: ensure dir: %w", err)
	}

	tmp := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Object{}, fmt.Errorf("objectstore: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Object{}, fmt.Errorf("objectstore: commit blob: %w", err)
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return Object{}, fmt.Errorf("objectstore: encode metadata: %w", err)
	}
	metaTmp := path + ".meta.json.tmp"
	//nolint:gosec // G306: 0644 is intentional for readable metadata files
	if err := os.WriteFile(metaTmp, metaBytes, 0644); err != nil {
		return Object{}, fmt.Errorf("objectstore: write metadata: %w", err)
	}
	if err := os.Rename(metaTmp, path+".meta.json"); err != nil {
		return Object{}, fmt.Errorf("objectstore: commit metadata: %w", err)
	}

	return meta, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, filepath.FromSlash(key))) //nolint:gosec // key validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("objectstore: get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return f, nil
}

func (s *FileStore) Head(ctx context.Context, key string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, fmt.Errorf("objectstore: head %s: %w", key, ErrNotFound)
		}
		return Object{}, fmt.Errorf("objectstore: head %s: %w", key, err)
	}

	if meta, err := s.readMeta(path); err == nil {
		return meta, nil
	}
	return Object{Key: key, Size: info.Size(), StoredAt: info.ModTime().UTC()}, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("objectstore: exists %s: %w", key, err)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	if err := os.Remove(path + ".meta.json"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: delete metadata %s: %w", key, err)
	}
	return nil
}

// Presign issues a signed download URL for the HTTP layer to honor. The token
// is an HS256 JWT binding the key and expiry.
func (s *FileStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if len(s.secret) == 0 || s.baseURL == "" {
		return "", fmt.Errorf("objectstore: presigning not configured for file backend")
	}

	claims := jwt.RegisteredClaims{
		Subject:   key,
		ExpiresAt: jwt.NewNumericDate(timeNow().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(timeNow()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("objectstore: sign token: %w", err)
	}
	base := strings.TrimRight(s.baseURL, "/")
	return fmt.Sprintf("%s/objects/%s?token=%s", base, key, url.QueryEscape(token)), nil
}

// VerifyPresignToken validates a token issued by Presign for the given key.
func (s *FileStore) VerifyPresignToken(token, key string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("objectstore: verify token: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != key {
		return fmt.Errorf("objectstore: token does not match key")
	}
	return nil
}

func (s *FileStore) readMeta(blobPath string) (Object, error) {
	raw, err := os.ReadFile(blobPath + ".meta.json") //nolint:gosec // path derived from validated key
	if err != nil {
		return Object{}, fmt.Errorf("objectstore: read metadata: %w", err)
	}
	var meta Object
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Object{}, fmt.Errorf("objectstore: decode metadata: %w", err)
	}
	return meta, nil
}
