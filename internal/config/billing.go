package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig is the billing policy that operators may tune without a redeploy.
type BillingConfig struct {
	PaymentTermDays int `mapstructure:"paymentTermDays"`
	NumberAttempts  int `mapstructure:"numberAttempts"`
	SweepBatchSize  int `mapstructure:"sweepBatchSize"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		PaymentTermDays: 30,
		NumberAttempts:  3,
		SweepBatchSize:  500,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// StaticBillingConfig returns a holder that never reloads.
func StaticBillingConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

// NewBillingConfigHolder reads billing.yml from the given paths (or the default
// search paths) and watches it for changes.
func NewBillingConfigHolder(log *zap.Logger, paths ...string) (*BillingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	if len(paths) == 0 {
		paths = []string{"/etc/propbill", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("PROPBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.paymentTermDays", defaults.PaymentTermDays)
	v.SetDefault("billing.numberAttempts", defaults.NumberAttempts)
	v.SetDefault("billing.sweepBatchSize", defaults.SweepBatchSize)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := StaticBillingConfig(cfg)
	if !fileFound {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Warn("billing.config.reload_failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Warn("billing.config.invalid_ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing.config.reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	if h == nil {
		return DefaultBillingConfig()
	}
	cfg, ok := h.current.Load().(BillingConfig)
	if !ok {
		return DefaultBillingConfig()
	}
	return cfg
}

// decodeBillingConfig goes through AllSettings so keys missing from the file keep
// their defaults.
func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	var wrapper struct {
		Billing BillingConfig `mapstructure:"billing"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return BillingConfig{}, err
	}
	return wrapper.Billing, nil
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.PaymentTermDays < 0 {
		return errors.New("billing.paymentTermDays cannot be negative")
	}
	if cfg.NumberAttempts <= 0 {
		return errors.New("billing.numberAttempts must be positive")
	}
	if cfg.SweepBatchSize <= 0 {
		return errors.New("billing.sweepBatchSize must be positive")
	}
	return nil
}
