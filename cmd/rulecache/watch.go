package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ezachrisen/rulecache/ruleset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var metricsAddr string
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload the rule file whenever it changes",
		Long: `Load the rule file into a registry and reload it whenever it changes,
until interrupted. Each reload publishes a new snapshot; a file that fails to
parse is logged and the previous rules stay active.

With --metrics-addr, Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, rootOpts, metricsAddr, debounce)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on (e.g. :9090)")
	cmd.Flags().DurationVar(&debounce, "debounce", 100*time.Millisecond, "wait this long after a change before reloading")
	return cmd
}

func runWatch(ctx context.Context, rootOpts *RootOptions, metricsAddr string, debounce time.Duration) error {
	logger := rootOpts.logger

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := loadEnv(ctx, rootOpts, false, promReg, ruleset.WithDebounce(debounce))
	if err != nil {
		return err
	}
	for _, r := range e.reg.Rules() {
		if !r.IsUsable() {
			logger.Warn("rule failed to compile", "rule", r.Name(), "error", r.Err())
		}
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Run reloads once more before watching; the file may have changed
	// since loadEnv read it.
	return e.watcher.Run(ctx)
}
