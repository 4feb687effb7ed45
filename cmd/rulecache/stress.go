package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ezachrisen/rulecache"
	"github.com/ezachrisen/rulecache/cel"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type stressOptions struct {
	readers  int
	duration time.Duration
}

// stressResult counts what the readers and the writer observed.
type stressResult struct {
	reads       atomic.Int64
	evaluations atomic.Int64
	published   atomic.Uint64
	mismatches  atomic.Int64
	errors      atomic.Int64
}

// NewStressCommand creates the stress command.
func NewStressCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &stressOptions{}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Hot-swap rule sets under concurrent readers",
		Long: `Publish new rule sets as fast as possible while readers check that every
snapshot they observe is internally consistent and that the registry keeps
evaluating. Exits non-zero if any reader saw a torn snapshot or an evaluation
failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runStress(cmd.Context(), rootOpts, opts)
			if err != nil {
				return err
			}
			printStress(cmd, opts, res)
			if n := res.mismatches.Load() + res.errors.Load(); n > 0 {
				return fmt.Errorf("%d inconsistent reads or failed evaluations", n)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.readers, "readers", 4, "number of reader goroutines")
	cmd.Flags().DurationVar(&opts.duration, "duration", 3*time.Second, "how long to run")
	return cmd
}

func stressEntries(v uint64) map[string]string {
	tag := strconv.FormatUint(v, 10)
	return map[string]string{
		"rule_a": tag + " > 0",
		"rule_b": tag + " > 0",
		"rule_c": "v == " + tag,
	}
}

func runStress(ctx context.Context, rootOpts *RootOptions, opts *stressOptions) (*stressResult, error) {
	if opts.readers < 1 {
		return nil, fmt.Errorf("need at least one reader")
	}
	schema := rulecache.Schema{Elements: []rulecache.DataElement{{Name: "v", Type: rulecache.Int{}}}}
	ev, err := cel.NewEvaluator(cel.FixedSchema(&schema))
	if err != nil {
		return nil, err
	}
	reg, err := rulecache.NewRegistry(ev, rulecache.WithLogger(rootOpts.logger))
	if err != nil {
		return nil, err
	}
	mgr := rulecache.NewSnapshotManager(rulecache.WithLogger(rootOpts.logger))

	// the registry holds rules before the readers start
	first := mgr.Update(stressEntries(1))
	if err := reg.LoadSnapshot(ctx, first); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	res := &stressResult{}
	res.published.Store(1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			v := mgr.Current().Version() + 1
			s, err := mgr.Publish(stressEntries(v), v)
			if err != nil {
				res.errors.Add(1)
				rootOpts.logger.Error("publish failed", "version", v, "error", err)
				return
			}
			if err := reg.LoadSnapshot(ctx, s); err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return
				}
				res.errors.Add(1)
				rootOpts.logger.Error("loading snapshot failed", "version", v, "error", err)
				return
			}
			res.published.Store(v)
		}
	}()

	for i := 0; i < opts.readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				s := mgr.Current()
				a, _ := s.Get("rule_a")
				b, _ := s.Get("rule_b")
				if a != b || a != strconv.FormatUint(s.Version(), 10)+" > 0" {
					res.mismatches.Add(1)
					rootOpts.logger.Error("torn snapshot", "version", s.Version(), "rule_a", a, "rule_b", b)
				}
				res.reads.Add(1)

				// a handle stays usable while the writer replaces it
				r, ok := reg.Get("rule_a")
				if !ok {
					res.errors.Add(1)
					continue
				}
				v, err := r.Eval(context.Background(), rulecache.Vars{"v": 0})
				if err != nil || v.Val != true {
					res.errors.Add(1)
					rootOpts.logger.Error("evaluation failed", "expr", r.Expr(), "value", v.Val, "error", err)
					continue
				}
				res.evaluations.Add(1)
			}
		}()
	}

	wg.Wait()
	return res, nil
}

func printStress(cmd *cobra.Command, opts *stressOptions, res *stressResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.SetTitle("HOT SWAP")
	tw.SetStyle(table.StyleLight)
	tw.AppendRows([]table.Row{
		{"Readers", opts.readers},
		{"Duration", opts.duration},
		{"Snapshots published", humanize.Comma(int64(res.published.Load()))},
		{"Snapshot reads", humanize.Comma(res.reads.Load())},
		{"Evaluations", humanize.Comma(res.evaluations.Load())},
		{"Torn reads", res.mismatches.Load()},
		{"Errors", res.errors.Load()},
	})
	tw.Render()
}
