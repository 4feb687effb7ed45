package rulecache_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ezachrisen/rulecache"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSnapshotManager_Initial(t *testing.T) {
	is := is.New(t)
	m := rulecache.NewSnapshotManager()
	s := m.Current()
	is.True(s != nil)
	is.Equal(s.Version(), uint64(0))
	is.Equal(s.Len(), 0)
	_, ok := s.Get("rule_a")
	is.True(!ok)
}

func TestSnapshot_CopiesEntries(t *testing.T) {
	is := is.New(t)
	entries := map[string]string{"a": "true"}
	s := rulecache.NewSnapshot(1, entries)

	entries["a"] = "false"
	entries["b"] = "true"
	e, _ := s.Get("a")
	is.Equal(e, "true")
	is.Equal(s.Len(), 1)

	out := s.Entries()
	out["a"] = "changed"
	e, _ = s.Get("a")
	is.Equal(e, "true")
	is.Equal(s.Names(), []string{"a"})
}

func TestPublish(t *testing.T) {
	is := is.New(t)
	m := rulecache.NewSnapshotManager(rulecache.WithLogger(testLogger()))

	old := m.Current()
	s, err := m.Publish(map[string]string{"rule_a": "v5"}, 5)
	is.NoErr(err)
	is.Equal(s.Version(), uint64(5))
	is.Equal(m.Current(), s)

	// the replaced snapshot is untouched
	is.Equal(old.Version(), uint64(0))
	is.Equal(old.Len(), 0)

	_, err = m.Publish(map[string]string{"rule_a": "again"}, 5)
	is.True(errors.Is(err, rulecache.ErrStaleVersion))
	_, err = m.Publish(map[string]string{"rule_a": "older"}, 4)
	is.True(errors.Is(err, rulecache.ErrStaleVersion))

	e, _ := m.Current().Get("rule_a")
	is.Equal(e, "v5")
}

func TestUpdate(t *testing.T) {
	is := is.New(t)
	m := rulecache.NewSnapshotManager()

	s1 := m.Update(map[string]string{"rule_a": "v1"})
	s2 := m.Update(map[string]string{"rule_a": "v2"})
	is.Equal(s1.Version(), uint64(1))
	is.Equal(s2.Version(), uint64(2))
	is.True(s1.ID() != s2.ID())

	e, _ := s1.Get("rule_a")
	is.Equal(e, "v1")
	is.Equal(m.Current(), s2)
}

// Concurrent writers are serialized: every Update gets its own version.
func TestUpdate_ConcurrentWriters(t *testing.T) {
	m := rulecache.NewSnapshotManager()
	const writers, updates = 8, 200

	var mu sync.Mutex
	seen := map[uint64]bool{}
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				s := m.Update(map[string]string{"w": "x"})
				mu.Lock()
				seen[s.Version()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := m.Current().Version(); got != writers*updates {
		t.Errorf("final version %d, wanted %d", got, writers*updates)
	}
	if len(seen) != writers*updates {
		t.Errorf("%d distinct versions, wanted %d", len(seen), writers*updates)
	}
}

// The gauges must describe the snapshot that ended up active, whichever
// writer stored last.
func TestUpdate_ConcurrentWritersGauges(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := rulecache.NewSnapshotManager(rulecache.WithRegisterer(promReg), rulecache.WithLogger(testLogger()))
	const writers, updates = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		entries := map[string]string{}
		for i := 0; i <= w; i++ {
			entries[fmt.Sprintf("rule_%d", i)] = "true"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				m.Update(entries)
			}
		}()
	}
	wg.Wait()

	cur := m.Current()
	expected := fmt.Sprintf(`
# HELP rulecache_snapshot_version Version of the active snapshot
# TYPE rulecache_snapshot_version gauge
rulecache_snapshot_version %d
# HELP rulecache_snapshot_entries Number of rule definitions in the active snapshot
# TYPE rulecache_snapshot_entries gauge
rulecache_snapshot_entries %d
`, cur.Version(), cur.Len())
	err := testutil.GatherAndCompare(promReg, strings.NewReader(expected),
		"rulecache_snapshot_version", "rulecache_snapshot_entries")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version() != writers*updates {
		t.Errorf("final version %d, wanted %d", cur.Version(), writers*updates)
	}
}

// Readers must never observe entries from two different versions in one
// snapshot. rule_a and rule_b always carry the version tag they were
// published with.
func TestSnapshot_NoTornReads(t *testing.T) {
	duration := 3 * time.Second
	if testing.Short() {
		duration = 300 * time.Millisecond
	}
	const readers = 4

	m := rulecache.NewSnapshotManager(rulecache.WithLogger(testLogger()))
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var reads, mismatches atomic.Int64
	var published atomic.Uint64

	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := uint64(1); ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			tag := fmt.Sprintf("v%d", v)
			if _, err := m.Publish(map[string]string{
				"rule_a": tag,
				"rule_b": tag,
				"rule_c": tag,
			}, v); err != nil {
				mismatches.Add(1)
				return
			}
			published.Store(v)
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := m.Current()
				a, _ := s.Get("rule_a")
				b, _ := s.Get("rule_b")
				if a != b {
					mismatches.Add(1)
					t.Errorf("torn read: rule_a=%q rule_b=%q", a, b)
				}
				if s.Version() > 0 && a != fmt.Sprintf("v%d", s.Version()) {
					mismatches.Add(1)
					t.Errorf("snapshot v%d holds %q", s.Version(), a)
				}
				reads.Add(1)
			}
		}()
	}

	time.Sleep(duration)
	close(stop)
	wg.Wait()

	debugLogf(t, "%d reads across %d published versions", reads.Load(), published.Load())
	if n := mismatches.Load(); n > 0 {
		t.Fatalf("%d mismatches", n)
	}
}

func TestSnapshotMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := rulecache.NewSnapshotManager(rulecache.WithRegisterer(promReg), rulecache.WithLogger(testLogger()))

	_, _ = m.Publish(map[string]string{"a": "1", "b": "2"}, 3)
	_, _ = m.Publish(map[string]string{"a": "1"}, 2)

	expected := `
# HELP rulecache_snapshot_publishes_total Snapshot publish attempts by result
# TYPE rulecache_snapshot_publishes_total counter
rulecache_snapshot_publishes_total{result="published"} 1
rulecache_snapshot_publishes_total{result="stale"} 1
# HELP rulecache_snapshot_version Version of the active snapshot
# TYPE rulecache_snapshot_version gauge
rulecache_snapshot_version 3
# HELP rulecache_snapshot_entries Number of rule definitions in the active snapshot
# TYPE rulecache_snapshot_entries gauge
rulecache_snapshot_entries 2
`
	err := testutil.GatherAndCompare(promReg, strings.NewReader(expected),
		"rulecache_snapshot_publishes_total", "rulecache_snapshot_version", "rulecache_snapshot_entries")
	if err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotString(t *testing.T) {
	s := rulecache.NewSnapshot(7, map[string]string{"rule_a": "x > 1"})
	out := s.String()
	if !strings.Contains(out, "v7") || !strings.Contains(out, "rule_a") {
		t.Errorf("unexpected table:\n%s", out)
	}
}
