package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/account-intel/internal/monitoring"
	"github.com/sells-group/account-intel/internal/ratelimit"
	"github.com/sells-group/account-intel/internal/server"
	"github.com/sells-group/account-intel/internal/store"
)

var servePort int

// counterSweepInterval is how often expired shared rate-limit rows are purged.
const counterSweepInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := server.New(cfg.Server, cfg.RateLimit, server.Deps{
			Jobs:      env.Orchestrator,
			Runs:      env.Store,
			Collector: env.Collector,
			Limiter:   env.Limiter,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, resolvePort(servePort, cfg.Server.Port))
		})
		if cfg.Monitoring.CheckIntervalSecs > 0 {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		if pg, ok := env.Store.(*store.PostgresStore); ok && cfg.RateLimit.Backend == "postgres" {
			g.Go(func() error {
				sweepCounters(gctx, ratelimit.NewPostgresCounterStore(pg.Pool()))
				return nil
			})
		}
		return g.Wait()
	},
}

// resolvePort prefers the flag over config.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

func sweepCounters(ctx context.Context, counters *ratelimit.PostgresCounterStore) {
	ticker := time.NewTicker(counterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := counters.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				zap.L().Warn("ratelimit: purge expired counters", zap.Error(err))
				continue
			}
			zap.L().Debug("ratelimit: purged expired counters", zap.Int64("rows", n))
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
