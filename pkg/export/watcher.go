package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher wakes the poller the moment an ack file lands in a local
// ack directory instead of waiting out the interval. Remote (SFTP)
// directories cannot be watched and stay on the ticker.
type Watcher struct {
	fs     *fsnotify.Watcher
	poller *Poller
	logger *slog.Logger
}

func NewWatcher(poller *Poller, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("export: create watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fs:     fs,
		poller: poller,
		logger: logger.With("component", "ackwatcher"),
	}, nil
}

// Add registers a local ack directory, creating it when missing.
func (w *Watcher) Add(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("export: watch mkdir %s: %w", dir, err)
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("export: watch %s: %w", dir, err)
	}
	return nil
}

// Run forwards ack-looking file arrivals to the poller until the
// context ends.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			// Atomic writers surface as CREATE of the final name; plain
			// writers as WRITE. Either way the next poll will see it.
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !isAckCandidate(filepath.Base(ev.Name)) {
				continue
			}
			w.logger.Debug("ack file arrived", "file", ev.Name)
			w.poller.Wake()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
