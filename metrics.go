package rulecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rulecache"

// Label values for the result label.
const (
	resultCompiled = "compiled"
	resultFailed   = "failed"
	resultOK       = "ok"
	resultNotFound = "not_found"
	resultNotReady = "not_ready"
	resultError    = "error"
	resultInternal = "internal"
	resultStale    = "stale"
	resultApplied  = "published"
)

type registryMetrics struct {
	compiles    *prometheus.CounterVec
	evaluations *prometheus.CounterVec
	evalSeconds prometheus.Histogram
	rules       prometheus.Gauge
	version     prometheus.Gauge
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	f := promauto.With(reg)
	return &registryMetrics{
		compiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "compilations_total",
			Help:      "Rule compilations by result",
		}, []string{"result"}),
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evaluations_total",
			Help:      "Rule evaluations by result",
		}, []string{"result"}),
		evalSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Rule evaluation latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12), // 1µs to ~4s
		}),
		rules: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rules",
			Help:      "Number of rules in the registry",
		}),
		version: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registry_snapshot_version",
			Help:      "Version of the last snapshot loaded into the registry",
		}),
	}
}

type snapshotMetrics struct {
	publishes *prometheus.CounterVec
	version   prometheus.Gauge
	entries   prometheus.Gauge
}

func newSnapshotMetrics(reg prometheus.Registerer) *snapshotMetrics {
	f := promauto.With(reg)
	return &snapshotMetrics{
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_publishes_total",
			Help:      "Snapshot publish attempts by result",
		}, []string{"result"}),
		version: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_version",
			Help:      "Version of the active snapshot",
		}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_entries",
			Help:      "Number of rule definitions in the active snapshot",
		}),
	}
}
