package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProrationPolicy selects how mid-cycle quantity changes on prorated in-arrear
// prices are billed.
type ProrationPolicy string

const (
	// ProrationPolicyProcessor delegates proration to the payment processor
	// (create_prorations on the subscription item update).
	ProrationPolicyProcessor ProrationPolicy = "processor"
	// ProrationPolicyImmediate computes the usage delta locally and issues a
	// one-off invoice for quantity increases. Decreases are never credited.
	ProrationPolicyImmediate ProrationPolicy = "immediate"
)

// BillingConfig is operator-tunable billing behavior, hot-reloaded from
// billing.yml when present.
type BillingConfig struct {
	ProrationPolicy ProrationPolicy `mapstructure:"prorationPolicy"`

	// Usage event queue streams. The backup stream absorbs publishes when the
	// primary is unavailable; events are never dropped.
	UsageStream       string `mapstructure:"usageStream"`
	UsageBackupStream string `mapstructure:"usageBackupStream"`

	// Worker tuning.
	WorkerBatchSize     int `mapstructure:"workerBatchSize"`
	DeductionMaxRetries int `mapstructure:"deductionMaxRetries"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		ProrationPolicy:     ProrationPolicyImmediate,
		UsageStream:         "meterline:usage",
		UsageBackupStream:   "meterline:usage:backup",
		WorkerBatchSize:     32,
		DeductionMaxRetries: 3,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/meterline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.prorationPolicy", string(defaults.ProrationPolicy))
	v.SetDefault("billing.usageStream", defaults.UsageStream)
	v.SetDefault("billing.usageBackupStream", defaults.UsageBackupStream)
	v.SetDefault("billing.workerBatchSize", defaults.WorkerBatchSize)
	v.SetDefault("billing.deductionMaxRetries", defaults.DeductionMaxRetries)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfig wraps a fixed config with no file watching, for
// tests and one-shot tooling.
func NewStaticBillingConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateBillingConfig(cfg BillingConfig) error {
	switch cfg.ProrationPolicy {
	case ProrationPolicyProcessor, ProrationPolicyImmediate:
	default:
		return errors.New("billing.prorationPolicy must be processor or immediate")
	}
	if cfg.UsageStream == "" || cfg.UsageBackupStream == "" {
		return errors.New("billing usage streams cannot be empty")
	}
	if cfg.UsageStream == cfg.UsageBackupStream {
		return errors.New("billing usage streams must differ")
	}
	if cfg.WorkerBatchSize <= 0 {
		return errors.New("billing.workerBatchSize must be positive")
	}
	if cfg.DeductionMaxRetries <= 0 {
		return errors.New("billing.deductionMaxRetries must be positive")
	}
	return nil
}
