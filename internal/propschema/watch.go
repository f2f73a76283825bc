package propschema

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits after the last file event before
// re-syncing.
const DefaultDebounce = 200 * time.Millisecond

// Watch runs an initial Sync, then re-syncs whenever a schema file under the
// directory changes, until ctx is cancelled. Bursts of events collapse into
// one pass. onSync, if non-nil, is called after every pass.
func Watch(ctx context.Context, s *Syncer, debounce time.Duration, onSync func(Result)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := s.dir.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	s.log.Info("propschema: watching", slog.String("root", root))

	run := func() {
		res, err := s.Sync(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("propschema: sync failed", slog.String("error", err.Error()))
			return
		}
		if res.Upserted+res.Deleted+res.Failed > 0 {
			s.log.Info("propschema: synced",
				slog.Int("upserted", res.Upserted), slog.Int("deleted", res.Deleted), slog.Int("failed", res.Failed))
		}
		if onSync != nil {
			onSync(res)
		}
	}
	run()

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			fire = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.log.Info("propschema: watcher stopped")
			return nil

		case <-fire:
			run()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						s.log.Warn("propschema: watch new dir failed",
							slog.String("path", ev.Name), slog.String("error", addErr.Error()))
					}
					schedule()
					continue
				}
			}
			if !IsSchemaFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error("propschema: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
