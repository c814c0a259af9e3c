package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultSettle is how long a file must stay quiet before its change is
	// reported.
	DefaultSettle = 150 * time.Millisecond
	// DefaultMaxWait caps how long a change can be held back by further
	// writes.
	DefaultMaxWait = time.Second
)

var watchedFiles = map[string]bool{
	"config.yaml": true,
	"policy.yaml": true,
}

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// IsPolicy reports whether the event concerns policy.yaml.
func (e ReloadEvent) IsPolicy() bool {
	return filepath.Base(e.Path) == "policy.yaml"
}

// Watcher reports writes to config.yaml and policy.yaml. It watches the home
// directory rather than the files so that editors which replace files by
// rename keep producing events. A burst of writes to one file is reported
// once, after Settle elapses without further changes or MaxWait elapses
// since the first unreported change, whichever comes first.
type Watcher struct {
	Settle  time.Duration
	MaxWait time.Duration

	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Settle:  DefaultSettle,
		MaxWait: DefaultMaxWait,
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]fsnotify.Op{}
	var first time.Time
	timer := time.NewTimer(w.Settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !watchedFiles[filepath.Base(ev.Name)] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if len(pending) == 0 {
				first = time.Now()
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(w.delay(first))
		case <-timer.C:
			w.flush(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// delay returns the time left before pending changes must be flushed.
func (w *Watcher) delay(first time.Time) time.Duration {
	d := w.Settle
	if w.MaxWait > 0 {
		if left := w.MaxWait - time.Since(first); left < d {
			d = max(left, 0)
		}
	}
	return d
}

func (w *Watcher) flush(pending map[string]fsnotify.Op) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		op := pending[p]
		delete(pending, p)
		select {
		case w.events <- ReloadEvent{Path: p, Op: op}:
		default:
			w.logger.Warn("config change dropped; reader is behind", "path", p)
			continue
		}
		w.logger.Info("config file changed", "path", p, "op", op.String())
	}
}
