package importer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for a burst of writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watch re-runs the import whenever a markdown file under one of dirs is
// created, written, renamed or removed. Bursts of events within debounce
// trigger a single run. If dirs is empty the local sources are watched.
// Watch blocks until ctx is done.
func (im *Importer) Watch(ctx context.Context, dirs []string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if len(dirs) == 0 {
		var err error
		if dirs, err = im.localDirs(ctx); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := addTree(watcher, dir); err != nil {
			return err
		}
	}
	slog.Info("watching highlight sources", "dirs", dirs)

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if isDir, err := statDir(event.Name); err == nil && isDir {
					if err := addTree(watcher, event.Name); err != nil {
						slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if !relevant(event) {
				continue
			}
			slog.Debug("export changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "error", err)

		case <-timer.C:
			if _, err := im.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("import after change failed", "error", err)
			}
		}
	}
}

func (im *Importer) localDirs(ctx context.Context) ([]string, error) {
	sources, err := im.db.GetAllSources(ctx)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, s := range sources {
		if s.Type == SourceLocal {
			dirs = append(dirs, s.Path)
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no local sources to watch")
	}
	return dirs, nil
}

func relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// addTree watches dir and every directory below it; fsnotify is not recursive.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
