package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	OverageCap    = "cap"
	OverageReject = "reject"
)

// EngineConfig holds the tunables of the entitlement engine. It is read from
// entitle.yml and reloaded when the file changes.
type EngineConfig struct {
	CASRetries     int           `mapstructure:"casRetries"`
	DefaultOverage string        `mapstructure:"defaultOverage"`
	TopUpCooldown  time.Duration `mapstructure:"topUpCooldown"`
	TopUpRuleTTL   time.Duration `mapstructure:"topUpRuleTTL"`
	ResetBatchSize int           `mapstructure:"resetBatchSize"`
	SyncBatchSize  int           `mapstructure:"syncBatchSize"`
	UsageBatchSize int           `mapstructure:"usageBatchSize"`
	SyncSweepLimit int           `mapstructure:"syncSweepLimit"`

	// SyncReclaimAfter is how long a dirty entry may wait on its sync job
	// before the sweep enqueues it again.
	SyncReclaimAfter time.Duration `mapstructure:"syncReclaimAfter"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CASRetries:     8,
		DefaultOverage: OverageCap,
		TopUpCooldown:  30 * time.Second,
		TopUpRuleTTL:   time.Minute,
		ResetBatchSize: 100,
		SyncBatchSize:  50,
		UsageBatchSize: 100,
		SyncSweepLimit: 500,

		SyncReclaimAfter: 2 * time.Minute,
	}
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder serves a fixed configuration.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewEngineConfigHolder() (*EngineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitle")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/entitle")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.casRetries", defaults.CASRetries)
	v.SetDefault("engine.defaultOverage", defaults.DefaultOverage)
	v.SetDefault("engine.topUpCooldown", defaults.TopUpCooldown)
	v.SetDefault("engine.topUpRuleTTL", defaults.TopUpRuleTTL)
	v.SetDefault("engine.resetBatchSize", defaults.ResetBatchSize)
	v.SetDefault("engine.syncBatchSize", defaults.SyncBatchSize)
	v.SetDefault("engine.usageBatchSize", defaults.UsageBatchSize)
	v.SetDefault("engine.syncSweepLimit", defaults.SyncSweepLimit)
	v.SetDefault("engine.syncReclaimAfter", defaults.SyncReclaimAfter)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticEngineConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Printf("[engine-config] reload failed: %v", err)
			return
		}
		if err := validateEngineConfig(updated); err != nil {
			log.Printf("[engine-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[engine-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	if h == nil {
		return DefaultEngineConfig()
	}
	return h.current.Load().(EngineConfig)
}

func validateEngineConfig(cfg EngineConfig) error {
	if cfg.CASRetries < 1 {
		return errors.New("engine.casRetries must be at least 1")
	}
	switch cfg.DefaultOverage {
	case OverageCap, OverageReject:
	default:
		return errors.New("engine.defaultOverage must be cap or reject")
	}
	if cfg.TopUpCooldown <= 0 || cfg.TopUpRuleTTL <= 0 || cfg.SyncReclaimAfter <= 0 {
		return errors.New("engine durations must be positive")
	}
	if cfg.ResetBatchSize < 1 || cfg.SyncBatchSize < 1 || cfg.UsageBatchSize < 1 || cfg.SyncSweepLimit < 1 {
		return errors.New("engine batch sizes must be positive")
	}
	return nil
}
