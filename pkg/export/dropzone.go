package export

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Dropzone is the file surface shared with the ERP. Implementations
// exist for the local filesystem and SFTP; both obey the atomic write
// discipline so the ERP never reads a partial file.
type Dropzone interface {
	// WriteFile writes data at path via a .tmp sibling and a rename.
	// Parent directories are created as needed.
	WriteFile(ctx context.Context, path string, data []byte) error
	// List returns the plain file names in dir, sorted. A missing dir
	// is an empty listing, not an error.
	List(ctx context.Context, dir string) ([]string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Move renames src to dst, creating dst's directory when missing.
	Move(ctx context.Context, src, dst string) error
	// Remove deletes one file.
	Remove(ctx context.Context, path string) error
	Close() error
}

// Dialer opens the dropzone a connection config points at. The
// exporter and the poller share one so tests can substitute fakes.
type Dialer func(ctx context.Context, cfg *ConnectionConfig) (Dropzone, error)

// Dial is the production Dialer: SFTP when the config carries
// credentials, the local filesystem otherwise.
func Dial(ctx context.Context, cfg *ConnectionConfig) (Dropzone, error) {
	if cfg.SFTP != nil {
		return DialSFTP(ctx, cfg.SFTP)
	}
	return FSDropzone{}, nil
}

// FSDropzone implements Dropzone on the local filesystem. Paths in the
// connection config are absolute, so the value carries no state.
type FSDropzone struct{}

var _ Dropzone = FSDropzone{}

func (FSDropzone) WriteFile(_ context.Context, target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("export: dropzone mkdir: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("export: dropzone write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("export: dropzone rename %s: %w", target, err)
	}
	return nil
}

func (FSDropzone) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("export: dropzone list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (FSDropzone) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("export: dropzone read %s: %w", path, err)
	}
	return data, nil
}

func (FSDropzone) Move(_ context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("export: dropzone mkdir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("export: dropzone move %s: %w", src, err)
	}
	return nil
}

func (FSDropzone) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("export: dropzone remove %s: %w", path, err)
	}
	return nil
}

func (FSDropzone) Close() error { return nil }

// joinPath joins dropzone path segments with forward slashes. Both
// backends speak slash paths; local Windows dropzones are not a
// supported deployment.
func joinPath(parts ...string) string {
	return path.Join(parts...)
}
