package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatchConfig struct {
	Root        string        // drop folder; one sub-directory per assignment
	InitialScan bool          // ingest files already present when the watcher starts
	Debounce    time.Duration // coalesce rapid create/write bursts for one file
}

// Watcher turns files dropped under Root/<assignmentID>/ into submissions.
type Watcher struct {
	cfg      WatchConfig
	ingestor Ingestor
	logger   *slog.Logger
}

func NewWatcher(cfg WatchConfig, ingestor Ingestor, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{cfg: cfg, ingestor: ingestor, logger: logger}
}

// Run watches until ctx is done. The root is created when missing.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.Root == "" {
		return errors.New("no ingest root configured")
	}
	if err := os.MkdirAll(w.cfg.Root, 0o755); err != nil {
		return err
	}
	paths, errs, err := StartWatcher(ctx, w.cfg)
	if err != nil {
		return err
	}
	w.logger.Info("ingest.watching", "root", w.cfg.Root, "debounce", w.cfg.Debounce)

	if w.cfg.InitialScan {
		results, stats, err := w.ingestor.IngestDirectory(ctx, w.cfg.Root, true)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("ingest.scan_failed", "error", err)
		}
		for _, r := range results {
			if r.Err != "" {
				w.logger.Warn("ingest.file_failed", "path", r.SourcePath, "error", r.Err)
			}
		}
		w.logger.Info("ingest.scanned", "matched", stats.Matched, "succeeded", stats.Succeeded,
			"deduplicated", stats.Deduplicated, "failed", stats.Failed)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-paths:
			if !ok {
				return nil
			}
			w.handle(ctx, p)
		case err, ok := <-errs:
			if ok && err != nil {
				w.logger.Warn("ingest.watch_error", "error", err)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	id, ok := assignmentFromPath(w.cfg.Root, path)
	if !ok {
		w.logger.Debug("ingest.ignored", "path", path)
		return
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return
	}
	if _, err := w.ingestor.IngestPath(ctx, id, path); err != nil {
		w.logger.Warn("ingest.file_failed", "path", path, "assignment_id", id, "error", err)
	}
}

// StartWatcher emits the paths of supported files created or written under
// cfg.Root. New sub-directories are watched as they appear.
func StartWatcher(ctx context.Context, cfg WatchConfig) (<-chan string, <-chan error, error) {
	if cfg.Root == "" {
		return nil, nil, errors.New("no root provided")
	}
	evCh := make(chan string, 256)
	errCh := make(chan error, 1)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	err = filepath.WalkDir(cfg.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return nil, nil, err
	}

	go func() {
		defer close(errCh)
		defer close(evCh)
		defer w.Close()

		pending := map[string]struct{}{}
		var timer *time.Timer
		flush := make(chan struct{}, 1)

		sendPending := func() {
			batch := pending
			pending = map[string]struct{}{}
			for p := range batch {
				select {
				case evCh <- p:
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case <-flush:
				sendPending()
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				var names []string
				if e.Op&fsnotify.Create == fsnotify.Create {
					if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
						if err := w.Add(e.Name); err != nil {
							slog.Warn("ingest.watch_add_failed", "path", e.Name, "error", err)
						}
						// files may land before the watch is in place
						names = filesUnder(e.Name)
					}
				}
				if len(names) == 0 {
					if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 || !wanted(e.Name) {
						continue
					}
					names = []string{e.Name}
				}
				for _, n := range names {
					pending[n] = struct{}{}
				}
				if cfg.Debounce <= 0 {
					sendPending()
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(cfg.Debounce, func() {
					select {
					case flush <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

func wanted(path string) bool {
	return !IsHidden(path) && AllowedExt(filepath.Ext(path))
}

func filesUnder(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && wanted(path) {
			out = append(out, path)
		}
		return nil
	})
	return out
}
