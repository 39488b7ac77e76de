package rules

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editor write bursts (save + rename + chmod).
const watchDebounce = 500 * time.Millisecond

// Watcher reloads the catalog when rule files change on disk. A reload
// that fails validation is logged and the previous snapshot keeps
// serving.
type Watcher struct {
	catalog *Catalog
	logger  *slog.Logger
	fs      *fsnotify.Watcher
}

// NewWatcher starts watching the catalog's rule directory.
func NewWatcher(catalog *Catalog, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(catalog.dir); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{
		catalog: catalog,
		logger:  logger.With("component", "rules_watcher"),
		fs:      fs,
	}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("rules watch error", "error", err)
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := w.catalog.Reload(); err != nil {
				w.logger.Error("rule reload rejected, keeping previous catalog", "error", err)
				continue
			}
			w.logger.Info("rule catalog reloaded from disk")
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, ".md") {
		return false
	}
	return ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) ||
		ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
}
