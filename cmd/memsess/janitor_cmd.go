package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/memsess"
	"pkt.systems/memsess/internal/loggingutil"
)

func newJanitorCommand(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Sweep expired sessions on an interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggingutil.WithSubsystem(app.logger, "cli.janitor")
			tel, err := memsess.StartTelemetry(ctx, memsess.TelemetryConfig{
				OTLPEndpoint:     app.v.GetString("otlp-endpoint"),
				MetricsListen:    app.v.GetString("metrics-listen"),
				PprofListen:      app.v.GetString("pprof-listen"),
				ProfilingMetrics: app.v.GetBool("enable-profiling-metrics"),
			}, app.logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("cli.janitor.telemetry_shutdown", "error", err)
				}
			}()
			return app.withStore(func(store *memsess.Store) error {
				cfg := store.Config()
				logger.Info("cli.janitor.start",
					"pid", os.Getpid(),
					"shm_dir", cfg.ShmDir,
					"index_path", cfg.IndexPath,
					"interval", cfg.JanitorInterval,
					"max_life", cfg.MaxLife,
				)
				j, err := store.StartJanitor(ctx, memsess.JanitorConfig{
					Interval: cfg.JanitorInterval,
					MaxLife:  cfg.MaxLife,
				})
				if err != nil {
					return err
				}
				<-ctx.Done()
				j.Stop()
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.Duration("interval", memsess.DefaultJanitorInterval, "time between sweeps")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint for traces (e.g. grpc://localhost:4317)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	app.bindFlags(flags)
	return cmd
}

func newGCCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one sweep pass and report what it reclaimed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(store *memsess.Store) error {
				res, err := store.Sweep(cmd.Context(), store.Config().MaxLife)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "examined %d expired %d reclaimed %d failed %d (%s)\n",
					res.Examined, res.Expired, res.Reclaimed, res.Failed, res.Duration.Round(time.Millisecond))
				return err
			})
		},
	}
}
