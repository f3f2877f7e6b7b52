package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/xkilldash9x/reug-runtime/internal/runtime"
	"go.uber.org/zap"
)

// newRunCmd creates the `run` command, which hosts the runtime until the
// process is signalled.
func newRunCmd() *cobra.Command {
	var (
		metricsAddr string
		databaseURL string
		rateLimit   int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the event bus, session manager, executor and tool creator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.SetMetricsAddr(metricsAddr)
			}
			if cmd.Flags().Changed("database-url") {
				cfg.SetDatabaseURL(databaseURL)
			}
			if cmd.Flags().Changed("rate-limit") {
				cfg.SetBreakerTransitionRateLimit(rateLimit)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			rt, err := runtime.New(ctx, cfg, logger, runtime.WithRegisterer(reg))
			if err != nil {
				return fmt.Errorf("failed to initialize runtime: %w", err)
			}
			defer rt.Shutdown()

			stopHTTP, err := serveMetrics(cfg.Metrics().Addr, reg, rt, logger)
			if err != nil {
				return err
			}
			defer stopHTTP()

			if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("Runtime exited cleanly.")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the /metrics endpoint; empty disables it. (Overrides config/env)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL for the capability catalog. (Overrides config/env)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Maximum transitions per session per second. (Overrides config/env)")
	return cmd
}

// serveMetrics exposes Prometheus metrics, a health probe and session
// snapshots on addr. The returned func stops the server.
func serveMetrics(addr string, gatherer prometheus.Gatherer, rt *runtime.Runtime, logger *zap.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Sessions.Snapshots()); err != nil {
			logger.Warn("Failed to encode session snapshots", zap.Error(err))
		}
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", listener.Addr().String()))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}, nil
}
