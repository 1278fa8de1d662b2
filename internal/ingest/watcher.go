package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/fsnotify/fsnotify"
)

// Watcher feeds newly arrived files in the input directory to the
// assembler. The correlator writes files atomically (write to temp name,
// rename into place), so Create and Rename events are the arrival signals;
// Write events are ignored.
type Watcher struct {
	dir       string
	assembler *Assembler

	// settle is how long a path must be quiet before observation, covering
	// writers that do not rename into place.
	settle time.Duration
}

// NewWatcher creates a watcher over dir.
func NewWatcher(dir string, assembler *Assembler, settle time.Duration) *Watcher {
	return &Watcher{dir: dir, assembler: assembler, settle: settle}
}

// Run bootstraps from the directory and then processes events until the
// context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	// Files that arrived before the watch was established.
	if err := w.assembler.Bootstrap(ctx, w.dir); err != nil {
		return err
	}

	slog.Info("[Watcher] Watching input directory", "dir", w.dir)

	// Pending paths wait out the settle period before observation.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.settle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Watcher] Stopping (context cancelled)")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, _, err := ParseSubbandName(event.Name); err != nil {
				continue
			}
			pending[event.Name] = time.Now().Add(w.settle)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("[Watcher] Filesystem watch error", "error", err)

		case now := <-ticker.C:
			for path, due := range pending {
				if now.Before(due) {
					continue
				}
				delete(pending, path)
				w.observe(ctx, path)
			}
		}
	}
}

func (w *Watcher) observe(ctx context.Context, path string) {
	res, err := w.assembler.Observe(ctx, path)
	switch {
	case errors.Is(err, storage.ErrPathConflict),
		errors.Is(err, storage.ErrSubbandIndexOutOfRange),
		errors.Is(err, storage.ErrGroupNotCollecting):
		slog.Warn("[Watcher] Anomalous observation, file ignored",
			"path", path, "error", err)
	case errors.Is(err, ErrNotSubband):
		slog.Debug("[Watcher] Ignoring non-subband file", "path", path)
	case err != nil:
		slog.Error("[Watcher] Failed to observe subband", "path", path, "error", err)
	default:
		slog.Debug("[Watcher] Observed subband",
			"path", path,
			"group", res.GroupKey,
			"members", res.MemberCount,
		)
	}
}
