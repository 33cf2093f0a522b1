package config

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(provideBillingConfig),
)

func provideBillingConfig(cfg Config, log *zap.Logger) (*BillingConfigHolder, error) {
	if cfg.BillingConfigPath != "" {
		return NewBillingConfigHolder(log, cfg.BillingConfigPath)
	}
	return NewBillingConfigHolder(log)
}
