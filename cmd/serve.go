package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glockpete/Forecastin-sub000/internal/health"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resolver service: view refresh, tier probes, health metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Views are rebuilt once up front so the first reads after a restart
		// do not all fall through to direct path queries.
		if err := c.scheduler.RefreshAll(ctx); err != nil {
			c.log.Warn("initial view refresh failed", "error", err)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		var dist health.DistTier
		if c.tier2 != nil {
			dist = c.tier2
		}
		monitor := health.New(health.Config{
			Interval:              c.set.HealthInterval,
			ReconnectOnSaturation: c.set.HealthReconnect,
		}, c.resolver.Tier1(), dist, c.scheduler, reg, c.log)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return c.scheduler.Run(ctx) })
		g.Go(func() error { return monitor.Run(ctx) })
		if c.tier2 != nil {
			g.Go(func() error { return c.tier2.Run(ctx) })
		}

		srv := &http.Server{
			Addr:              c.set.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			c.log.Info("metrics listening", "addr", c.set.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})

		c.log.Info("resolver service started", "db", c.set.DBPath, "redis", c.set.RedisEnabled)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		c.log.Info("resolver service stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
