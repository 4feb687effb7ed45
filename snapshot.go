package rulecache

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a versioned, read-only collection of rule definitions
// (name -> expression). A snapshot is fully built before it is published and
// is never modified afterwards, so any number of goroutines may read it
// without synchronization.
type Snapshot struct {
	version   uint64
	id        uuid.UUID
	createdAt time.Time
	entries   map[string]string
}

// NewSnapshot returns a snapshot holding a copy of entries.
func NewSnapshot(version uint64, entries map[string]string) *Snapshot {
	return newSnapshot(version, entries, time.Now())
}

func newSnapshot(version uint64, entries map[string]string, now time.Time) *Snapshot {
	e := maps.Clone(entries)
	if e == nil {
		e = map[string]string{}
	}
	return &Snapshot{
		version:   version,
		id:        uuid.New(),
		createdAt: now,
		entries:   e,
	}
}

// Version returns the snapshot version.
func (s *Snapshot) Version() uint64 { return s.version }

// ID uniquely identifies the snapshot, for log correlation.
func (s *Snapshot) ID() uuid.UUID { return s.id }

// CreatedAt returns the time the snapshot was built.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Get returns the expression for name.
func (s *Snapshot) Get(name string) (string, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Names returns the entry names, sorted.
func (s *Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.entries))
}

// Entries returns a copy of the entries.
func (s *Snapshot) Entries() map[string]string {
	return maps.Clone(s.entries)
}

// SnapshotManager holds the active Snapshot and hot-swaps it.
//
// Current is a single atomic load and never blocks. Publish and Update build
// the new snapshot first, then swap it in with one atomic store while holding
// a writer mutex. The mutex orders writers against each other; readers never
// see it. Snapshots that have been replaced stay intact for readers that
// still hold them.
type SnapshotManager struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serializes writers

	opts    options
	metrics *snapshotMetrics
}

// NewSnapshotManager returns a manager whose current snapshot is empty and
// has version 0.
func NewSnapshotManager(opts ...Option) *SnapshotManager {
	m := &SnapshotManager{
		opts: applyOptions(opts...),
	}
	m.metrics = newSnapshotMetrics(m.opts.registerer)
	m.current.Store(newSnapshot(0, nil, m.opts.now()))
	return m
}

// Current returns the active snapshot.
func (m *SnapshotManager) Current() *Snapshot {
	return m.current.Load()
}

// Publish builds a snapshot of entries with the given version and makes it the
// active snapshot. The version must be greater than the active version;
// otherwise ErrStaleVersion is returned and nothing changes.
func (m *SnapshotManager) Publish(entries map[string]string, version uint64) (*Snapshot, error) {
	s := newSnapshot(version, entries, m.opts.now())

	m.mu.Lock()
	cur := m.current.Load()
	if version <= cur.version {
		m.mu.Unlock()
		m.metrics.publishes.WithLabelValues(resultStale).Inc()
		m.opts.logger.Warn("stale snapshot rejected", "version", version, "current_version", cur.version)
		return nil, fmt.Errorf("%w: v%d is not newer than v%d", ErrStaleVersion, version, cur.version)
	}
	m.current.Store(s)
	m.published(s)
	m.mu.Unlock()

	m.logPublished(s)
	return s, nil
}

// Update builds a snapshot of entries, assigns it the next version and makes
// it the active snapshot.
func (m *SnapshotManager) Update(entries map[string]string) *Snapshot {
	s := newSnapshot(0, entries, m.opts.now())

	m.mu.Lock()
	// s is not reachable by readers until the store below.
	s.version = m.current.Load().version + 1
	m.current.Store(s)
	m.published(s)
	m.mu.Unlock()

	m.logPublished(s)
	return s
}

// published records s as the active snapshot. Callers hold m.mu so the
// gauges follow the order of the stores.
func (m *SnapshotManager) published(s *Snapshot) {
	m.metrics.publishes.WithLabelValues(resultApplied).Inc()
	m.metrics.version.Set(float64(s.version))
	m.metrics.entries.Set(float64(len(s.entries)))
}

func (m *SnapshotManager) logPublished(s *Snapshot) {
	m.opts.logger.Debug("snapshot published", "version", s.version, "snapshot_id", s.id, "entries", len(s.entries))
}
