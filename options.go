package rulecache

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// options holds the settings shared by Registry and SnapshotManager.
type options struct {
	logger      *slog.Logger
	now         func() time.Time
	registerer  prometheus.Registerer
	concurrency int
}

// Option configures a Registry or a SnapshotManager.
type Option func(o *options)

func applyOptions(opts ...Option) options {
	o := options{
		logger:      slog.Default(),
		now:         time.Now,
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger.
// Default: slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the function used to timestamp compilations and snapshots.
// Default: time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRegisterer registers the component's Prometheus collectors with reg.
// Without it the collectors are created but not registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithCompileConcurrency limits how many expressions ReplaceAll and
// LoadSnapshot compile in parallel.
// Default: GOMAXPROCS
func WithCompileConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}
