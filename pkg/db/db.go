package db

import (
	"context"
	"fmt"

	obslogger "github.com/smallbiznis/propbill/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

// Options controls what Open attaches to the connection.
type Options struct {
	Pool    PoolConfig
	DBName  string
	Tracing bool
	Metrics bool
}

// Open opens a gorm connection, applies pool limits and registers the tracing
// and metrics plugins.
func Open(dialector gorm.Dialector, log *zap.Logger, opts Options) (*gorm.DB, error) {
	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(log, obslogger.DefaultGormLoggerConfig()),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if opts.Pool.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(opts.Pool.MaxIdleConn)
	}
	if opts.Pool.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(opts.Pool.MaxOpenConn)
	}
	if opts.Pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.Pool.ConnMaxLifetime)
	}
	if opts.Pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(opts.Pool.ConnMaxIdleTime)
	}

	if opts.Tracing {
		if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(opts.DBName))); err != nil {
			return nil, fmt.Errorf("register tracing plugin: %w", err)
		}
	}
	if opts.Metrics {
		if err := conn.Use(gormprometheus.New(gormprometheus.Config{
			DBName:          opts.DBName,
			RefreshInterval: 15,
			StartServer:     false,
		})); err != nil {
			return nil, fmt.Errorf("register metrics plugin: %w", err)
		}
	}

	return conn, nil
}

// Ping verifies the connection is usable.
func Ping(ctx context.Context, conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
