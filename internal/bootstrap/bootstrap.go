// Package bootstrap assembles the fx graph shared by the propbill binaries.
package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/internal/config"
	"github.com/smallbiznis/propbill/internal/customer"
	"github.com/smallbiznis/propbill/internal/invoice"
	"github.com/smallbiznis/propbill/internal/lease"
	"github.com/smallbiznis/propbill/internal/observability"
	"github.com/smallbiznis/propbill/internal/property"
	"github.com/smallbiznis/propbill/internal/recurring"
	"github.com/smallbiznis/propbill/internal/scheduler"
	"github.com/smallbiznis/propbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Infrastructure is config, logging, telemetry, the clock and the database.
func Infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

// Billing is every domain service the scheduler jobs need.
func Billing() fx.Option {
	return fx.Options(
		customer.Module,
		property.Module,
		invoice.Module,
		recurring.Module,
		lease.Module,
		scheduler.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// MetricsServer exposes /metrics on METRICS_ADDR when it is set.
var MetricsServer = fx.Invoke(StartMetricsServer)

func StartMetricsServer(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("metrics.server.start", zap.String("addr", cfg.MetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
