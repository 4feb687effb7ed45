package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ezachrisen/rulecache"
	"github.com/ezachrisen/rulecache/cel"
	"github.com/ezachrisen/rulecache/ruleset"
	"github.com/google/cel-go/ext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/genproto/googleapis/rpc/context/attribute_context"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
	Rules    string

	logger *slog.Logger
}

// NewRootCommand creates the root command for the rulecache CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rulecache",
		Short: "Compile, cache and evaluate CEL rules",
		Long: `rulecache keeps a registry of compiled CEL rules loaded from a YAML
rule file. Rules can be evaluated once, listed, or served from a registry
that reloads whenever the file changes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVarP(&opts.Rules, "rules", "r", "rules.yaml", "rule file")

	cmd.AddCommand(NewEvalCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStressCommand(opts))

	return cmd
}

// env is a registry loaded from the rule file.
type env struct {
	file    *ruleset.File
	schema  rulecache.Schema
	mgr     *rulecache.SnapshotManager
	reg     *rulecache.Registry
	watcher *ruleset.Watcher
}

// loadEnv builds a registry for the rule file and loads the file once.
// With attributeContext set, rules are compiled against the fields of
// google.rpc.context.AttributeContext instead of the file's schema.
func loadEnv(ctx context.Context, opts *RootOptions, attributeContext bool, promReg prometheus.Registerer, extra ...ruleset.WatcherOption) (*env, error) {
	f, err := ruleset.Load(opts.Rules)
	if err != nil {
		return nil, err
	}
	schema, err := f.ParseSchema()
	if err != nil {
		return nil, err
	}

	evOpts := []cel.EvaluatorOption{cel.EnvOptions(ext.Strings())}
	if attributeContext {
		evOpts = append(evOpts, cel.ContextProto(&attribute_context.AttributeContext{}))
	} else {
		evOpts = append(evOpts, cel.FixedSchema(&schema))
	}
	ev, err := cel.NewEvaluator(evOpts...)
	if err != nil {
		return nil, err
	}

	cacheOpts := []rulecache.Option{rulecache.WithLogger(opts.logger)}
	if promReg != nil {
		cacheOpts = append(cacheOpts, rulecache.WithRegisterer(promReg))
	}
	reg, err := rulecache.NewRegistry(ev, cacheOpts...)
	if err != nil {
		return nil, err
	}
	mgr := rulecache.NewSnapshotManager(cacheOpts...)

	wOpts := []ruleset.WatcherOption{ruleset.WithWatcherLogger(opts.logger)}
	if promReg != nil {
		wOpts = append(wOpts, ruleset.WithWatcherRegisterer(promReg))
	}
	wOpts = append(wOpts, extra...)
	w := ruleset.NewWatcher(opts.Rules, mgr, reg, wOpts...)

	if _, err := w.Reload(ctx); err != nil {
		return nil, err
	}
	return &env{file: f, schema: schema, mgr: mgr, reg: reg, watcher: w}, nil
}

// describeFailures lists the rules that did not compile.
func describeFailures(w io.Writer, reg *rulecache.Registry) {
	var failed []string
	for _, name := range reg.Names() {
		if r, ok := reg.Get(name); ok && !r.IsUsable() {
			failed = append(failed, fmt.Sprintf("  %s: %s", name, r.Err()))
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(w, "%d rule(s) failed to compile:\n%s\n", len(failed), strings.Join(failed, "\n"))
	}
}
