package templates

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher triggers a debounced reindex whenever a watched template directory
// changes. Optional; enabled via TEMPLATE_WATCH.
type Watcher struct {
	store    *Store
	dirs     []string
	debounce time.Duration
	logger   *logrus.Logger
	fw       *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given directories.
func NewWatcher(store *Store, dirs []string, logger *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		store:    store,
		dirs:     dirs,
		debounce: 2 * time.Second,
		logger:   logger,
		fw:       fw,
	}, nil
}

// Run processes filesystem events until ctx is cancelled. Bursts of events
// collapse into a single reindex after the debounce interval.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Template watcher error")
		case <-fire:
			timer = nil
			fire = nil
			if _, err := w.store.Reindex(ctx, w.dirs); err != nil {
				w.logger.WithError(err).Warn("Template auto-reindex failed")
			}
		}
	}
}
