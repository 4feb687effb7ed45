package rulecache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
)

// Registry is a concurrent cache of compiled rules, keyed by name.
//
// Reads (Get, Evaluate, Names, ...) perform a single atomic load of the current
// rule map and never wait for writers. Writes (CompileAndStore, Remove,
// ReplaceAll, LoadSnapshot) compile outside of any lock, then take the writer
// mutex, copy the map, apply the change and publish the new map with one
// atomic store. Published maps are never modified.
//
// A *Rule handed out by the registry is immutable and remains usable for as
// long as the caller holds it, regardless of later replacements or removals.
type Registry struct {
	compiler Compiler

	// mu serializes writers. Readers never take it.
	mu sync.Mutex

	// rules holds the current, frozen rule map.
	rules atomic.Pointer[map[string]*Rule]

	// version of the last snapshot loaded with LoadSnapshot
	version atomic.Uint64

	opts    options
	metrics *registryMetrics
}

// NewRegistry creates an empty registry that compiles rules with c.
// A nil compiler is an error: the registry cannot be used without one.
func NewRegistry(c Compiler, opts ...Option) (*Registry, error) {
	if c == nil {
		return nil, fmt.Errorf("creating registry: %w", ErrNilCompiler)
	}
	r := &Registry{
		compiler: c,
		opts:     applyOptions(opts...),
	}
	r.metrics = newRegistryMetrics(r.opts.registerer)
	empty := map[string]*Rule{}
	r.rules.Store(&empty)
	return r, nil
}

// CompileAndStore compiles the expression and stores the resulting rule under
// name, replacing any existing rule. Compilation failures do not return an
// error; the stored rule is in state Failed. The only error is an empty name.
//
// Once CompileAndStore returns, Get(name) returns the new rule or one stored
// after it.
func (r *Registry) CompileAndStore(name, expr string) (*Rule, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	rule := r.compile(name, expr)

	r.mu.Lock()
	next := maps.Clone(r.current())
	next[name] = rule
	r.rules.Store(&next)
	r.metrics.rules.Set(float64(len(next)))
	r.mu.Unlock()

	r.opts.logger.Debug("rule stored", "rule", name, "state", rule.State())
	return rule, nil
}

// Get returns the rule currently registered under name.
func (r *Registry) Get(name string) (*Rule, bool) {
	rule, ok := r.current()[name]
	return rule, ok
}

// Remove deletes the rule registered under name and reports whether one
// existed. Holders of the removed rule can keep using it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	cur := r.current()
	if _, ok := cur[name]; !ok {
		r.mu.Unlock()
		r.opts.logger.Debug("rule not found, nothing to remove", "rule", name)
		return false
	}
	next := maps.Clone(cur)
	delete(next, name)
	r.rules.Store(&next)
	r.metrics.rules.Set(float64(len(next)))
	r.mu.Unlock()

	r.opts.logger.Debug("rule removed", "rule", name)
	return true
}

// ReplaceAll compiles every entry (name -> expression) and replaces the whole
// rule collection with the result in one atomic step. Rules not present in
// entries are dropped. Compilation failures are recorded on the rules; the
// only errors are invalid names and a canceled context, in which case the
// registry is unchanged. Version is not changed.
func (r *Registry) ReplaceAll(ctx context.Context, entries map[string]string) error {
	next, err := r.compileAll(ctx, entries)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.rules.Store(&next)
	r.metrics.rules.Set(float64(len(next)))
	r.mu.Unlock()

	r.opts.logger.Debug("rules replaced", "rules", len(next))
	return nil
}

// LoadSnapshot replaces the rule collection with the snapshot's entries, like
// ReplaceAll, and records the snapshot version. Loading a snapshot older than
// the last loaded one returns ErrStaleVersion and leaves the registry unchanged.
func (r *Registry) LoadSnapshot(ctx context.Context, s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("loading snapshot: nil snapshot")
	}
	if v := r.version.Load(); s.Version() < v {
		return fmt.Errorf("%w: loading snapshot v%d, registry is at v%d", ErrStaleVersion, s.Version(), v)
	}

	next, err := r.compileAll(ctx, s.entries)
	if err != nil {
		return fmt.Errorf("loading snapshot v%d: %w", s.Version(), err)
	}

	r.mu.Lock()
	if v := r.version.Load(); s.Version() < v {
		r.mu.Unlock()
		return fmt.Errorf("%w: loading snapshot v%d, registry is at v%d", ErrStaleVersion, s.Version(), v)
	}
	r.rules.Store(&next)
	r.version.Store(s.Version())
	r.metrics.rules.Set(float64(len(next)))
	r.metrics.version.Set(float64(s.Version()))
	r.mu.Unlock()

	r.opts.logger.Info("snapshot loaded", "version", s.Version(), "snapshot_id", s.ID(), "rules", len(next))
	return nil
}

// Version returns the version of the last snapshot loaded with LoadSnapshot.
// CompileAndStore, Remove and ReplaceAll leave it unchanged, so after those the
// rules may no longer match that snapshot. LoadSnapshot rejects snapshots
// older than Version.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// Evaluate evaluates the rule registered under name against vars.
//
// Errors: ErrNotFound if no rule is registered, ErrNotReady if the rule failed
// to compile (wrapping its *CompileError), ErrEvaluation for runtime faults and
// ErrInternal for a compiled rule without a program.
func (r *Registry) Evaluate(ctx context.Context, name string, vars map[string]any) (Value, error) {
	return r.evaluate(ctx, name, Vars(vars))
}

// EvaluateContext evaluates the rule registered under name, binding the fields
// of msg as variables. The registry's compiler must implement ContextBinder.
func (r *Registry) EvaluateContext(ctx context.Context, name string, msg proto.Message) (Value, error) {
	b, ok := r.compiler.(ContextBinder)
	if !ok {
		return Value{}, fmt.Errorf("evaluating rule %q: %w", name, ErrNoContextBinder)
	}
	act, err := b.BindContext(msg)
	if err != nil {
		return Value{}, fmt.Errorf("binding context for rule %q: %w", name, err)
	}
	return r.evaluate(ctx, name, act)
}

func (r *Registry) evaluate(ctx context.Context, name string, vars Activation) (Value, error) {
	rule, ok := r.Get(name)
	if !ok {
		r.metrics.evaluations.WithLabelValues(resultNotFound).Inc()
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	start := time.Now()
	v, err := rule.Eval(ctx, vars)
	r.metrics.evalSeconds.Observe(time.Since(start).Seconds())
	r.metrics.evaluations.WithLabelValues(evalResult(err)).Inc()
	if errors.Is(err, ErrInternal) {
		r.opts.logger.Error("rule in inconsistent state", "rule", name, "error", err)
	}
	return v, err
}

func evalResult(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrNotReady):
		return resultNotReady
	case errors.Is(err, ErrInternal):
		return resultInternal
	default:
		return resultError
	}
}

// Names returns the names of all registered rules, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.current()))
}

// Rules returns a point-in-time copy of the registered rules.
func (r *Registry) Rules() map[string]*Rule {
	return maps.Clone(r.current())
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.current())
}

// current returns the published rule map. It must not be modified.
func (r *Registry) current() map[string]*Rule {
	return *r.rules.Load()
}

func (r *Registry) compile(name, expr string) *Rule {
	rule := CompileRule(r.compiler, name, expr, r.opts.now())
	if rule.IsUsable() {
		r.metrics.compiles.WithLabelValues(resultCompiled).Inc()
	} else {
		r.metrics.compiles.WithLabelValues(resultFailed).Inc()
		r.opts.logger.Warn("rule failed to compile", "rule", name, "expr", expr, "error", rule.Err())
	}
	return rule
}

// compileAll compiles the entries in parallel and returns a new rule map.
func (r *Registry) compileAll(ctx context.Context, entries map[string]string) (map[string]*Rule, error) {
	names := slices.Sorted(maps.Keys(entries))
	for _, n := range names {
		if err := validName(n); err != nil {
			return nil, err
		}
	}

	compiled := make([]*Rule, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.concurrency)
	for i, n := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			compiled[i] = r.compile(n, entries[n])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compiling rules: %w", err)
	}

	next := make(map[string]*Rule, len(names))
	for i, n := range names {
		next[n] = compiled[i]
	}
	return next, nil
}

func validName(name string) error {
	if len(strings.TrimSpace(name)) == 0 {
		return fmt.Errorf("rule name is required")
	}
	return nil
}
