package infra

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce is the quiet period after the last rule-store write
// before a reload is requested.
const DefaultReloadDebounce = 2 * time.Second

// RuleStoreWatcher requests a reload when the rule database changes on disk.
// Bursts of writes (one import touches many rows) collapse into one request.
type RuleStoreWatcher struct {
	dbPath   string
	debounce time.Duration
	request  func() error
	logger   *zap.Logger
}

// NewRuleStoreWatcher creates a watcher for dbPath. request is called once per
// debounced burst, typically writing READ to the control channel.
func NewRuleStoreWatcher(dbPath string, debounce time.Duration, request func() error, logger *zap.Logger) *RuleStoreWatcher {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	return &RuleStoreWatcher{
		dbPath:   dbPath,
		debounce: debounce,
		request:  request,
		logger:   logger,
	}
}

// Run watches the database directory until ctx is done.
func (w *RuleStoreWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory: SQLite replaces journal files and editors may rename the db.
	dir := filepath.Dir(w.dbPath)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Debug("watching rule store", zap.String("path", w.dbPath), zap.Duration("debounce", w.debounce))

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule store watch error", zap.Error(err))

		case <-timerC:
			timerC = nil
			if err := w.request(); err != nil {
				w.logger.Warn("failed to request reload after rule change", zap.Error(err))
				continue
			}
			w.logger.Info("rule store changed, reload requested")
		}
	}
}

// relevant reports whether ev modifies the database or one of its side files.
func (w *RuleStoreWatcher) relevant(ev fsnotify.Event) bool {
	if !strings.HasPrefix(filepath.Base(ev.Name), filepath.Base(w.dbPath)) {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
