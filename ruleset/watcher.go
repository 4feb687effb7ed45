package ruleset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/ezachrisen/rulecache"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher keeps a SnapshotManager and a Registry in sync with a rule file.
//
// Each reload parses the file, publishes its rules as a new snapshot and
// loads that snapshot into the registry. A file that fails to parse is logged
// and ignored; the previously published snapshot stays active.
//
// The registry's compiler is fixed when it is created, so schema changes in
// the file take effect only after a restart.
type Watcher struct {
	path     string
	mgr      *rulecache.SnapshotManager
	reg      *rulecache.Registry
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*rulecache.Snapshot, error)
	reloads  *prometheus.CounterVec

	// mu serializes reloads
	mu sync.Mutex
}

// WatcherOption configures a Watcher.
type WatcherOption func(w *Watcher)

// WithWatcherLogger sets the logger.
// Default: slog.Default()
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long the watcher waits after the last file event
// before reloading. Editors often produce several events per save.
// Default: 100ms
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// OnReload registers a function called after every reload attempt made by
// Run, with the published snapshot or the error.
func OnReload(fn func(*rulecache.Snapshot, error)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithWatcherRegisterer registers the reload counter with reg.
func WithWatcherRegisterer(reg prometheus.Registerer) WatcherOption {
	return func(w *Watcher) {
		w.reloads = newReloadCounter(reg)
	}
}

func newReloadCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "rulecache",
		Subsystem: "ruleset",
		Name:      "reloads_total",
		Help:      "Rule file reloads by result",
	}, []string{"result"})
}

// NewWatcher creates a watcher for the rule file at path. Nothing is read
// until Reload or Run is called.
func NewWatcher(path string, mgr *rulecache.SnapshotManager, reg *rulecache.Registry, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		mgr:      mgr,
		reg:      reg,
		logger:   slog.Default(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.reloads == nil {
		w.reloads = newReloadCounter(nil)
	}
	return w
}

// Reload reads the file, publishes it and loads it into the registry.
//
// A file with version 0 is published as the next version. A file whose
// version and rules match the active snapshot is not published again; if the
// registry has not loaded that snapshot yet (an earlier load failed), it is
// loaded now.
func (w *Watcher) Reload(ctx context.Context) (*rulecache.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.reload(ctx)
	switch {
	case err != nil:
		w.reloads.WithLabelValues("error").Inc()
	case s == nil:
		w.reloads.WithLabelValues("unchanged").Inc()
		return w.mgr.Current(), nil
	default:
		w.reloads.WithLabelValues("loaded").Inc()
	}
	return s, err
}

// reload returns a nil snapshot when the file is unchanged.
func (w *Watcher) reload(ctx context.Context) (*rulecache.Snapshot, error) {
	f, err := Load(w.path)
	if err != nil {
		return nil, err
	}

	var s *rulecache.Snapshot
	cur := w.mgr.Current()
	switch {
	case f.Version != 0 && f.Version == cur.Version() && maps.Equal(f.Rules, cur.Entries()):
		if w.reg.Version() >= cur.Version() {
			w.logger.Debug("rule file unchanged", "path", w.path, "version", f.Version)
			return nil, nil
		}
		// published earlier, but the registry never loaded it
		w.logger.Info("loading active snapshot into registry",
			"version", cur.Version(),
			"registry_version", w.reg.Version())
		s = cur
	case f.Version == 0:
		s = w.mgr.Update(f.Rules)
	default:
		s, err = w.mgr.Publish(f.Rules, f.Version)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", w.path, err)
		}
	}

	if err := w.reg.LoadSnapshot(ctx, s); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range w.reg.Rules() {
		if !r.IsUsable() {
			failed++
		}
	}
	w.logger.Info("rule file loaded",
		"path", w.path,
		"version", s.Version(),
		"snapshot_id", s.ID(),
		"rules", s.Len(),
		"failed", failed)
	return s, nil
}

// Run loads the file, then reloads it whenever it changes, until ctx is
// canceled. The initial load must succeed; later failures are logged.
//
// The file's directory is watched rather than the file itself, so that
// editors that replace the file on save are followed.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Reload(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.logger.Debug("watching rule file", "path", w.path)

	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			fire = time.After(w.debounce)

		case <-fire:
			fire = nil
			s, err := w.Reload(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Warn("rule file reload failed, keeping previous rules",
					"path", w.path,
					"active_version", w.reg.Version(),
					"error", err)
			}
			if w.onReload != nil {
				w.onReload(s, err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule file watcher error", "path", w.path, "error", err)

		case <-ctx.Done():
			w.logger.Debug("rule file watcher stopping", "path", w.path)
			return nil
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
