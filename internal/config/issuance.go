package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// IssuanceTuning is the subset of issuance settings operators may change
// without a restart.
type IssuanceTuning struct {
	ConfirmationTimeout time.Duration `mapstructure:"confirmationTimeout"`
	PollInterval        time.Duration `mapstructure:"pollInterval"`
	MaxSweepAttempts    int           `mapstructure:"maxSweepAttempts"`
}

func DefaultIssuanceTuning(cfg Config) IssuanceTuning {
	return IssuanceTuning{
		ConfirmationTimeout: cfg.Issuance.ConfirmationTimeout,
		PollInterval:        cfg.Issuance.PollInterval,
		MaxSweepAttempts:    cfg.Sweeper.MaxAttempts,
	}
}

type IssuanceTuningHolder struct {
	current atomic.Value // holds IssuanceTuning
}

// NewStaticIssuanceTuningHolder returns a holder that never reloads.
func NewStaticIssuanceTuningHolder(t IssuanceTuning) *IssuanceTuningHolder {
	holder := &IssuanceTuningHolder{}
	holder.current.Store(t)
	return holder
}

func NewIssuanceTuningHolder(cfg Config, log *zap.Logger) (*IssuanceTuningHolder, error) {
	log = log.Named("config.issuance")
	v := viper.New()

	v.SetConfigName("issuance")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/insurecard/config")
	v.AddConfigPath("/etc/insurecard")
	v.AddConfigPath(".")

	v.SetEnvPrefix("INSURECARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultIssuanceTuning(cfg)
	v.SetDefault("issuance.confirmationTimeout", defaults.ConfirmationTimeout)
	v.SetDefault("issuance.pollInterval", defaults.PollInterval)
	v.SetDefault("issuance.maxSweepAttempts", defaults.MaxSweepAttempts)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var tuning IssuanceTuning
	if err := v.UnmarshalKey("issuance", &tuning); err != nil {
		return nil, err
	}
	if err := validateIssuanceTuning(tuning); err != nil {
		return nil, err
	}

	holder := NewStaticIssuanceTuningHolder(tuning)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated IssuanceTuning
		if err := v.UnmarshalKey("issuance", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validateIssuanceTuning(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded",
			zap.String("file", e.Name),
			zap.Duration("confirmation_timeout", updated.ConfirmationTimeout),
			zap.Duration("poll_interval", updated.PollInterval),
			zap.Int("max_sweep_attempts", updated.MaxSweepAttempts),
		)
	})

	return holder, nil
}

func (h *IssuanceTuningHolder) Get() IssuanceTuning {
	return h.current.Load().(IssuanceTuning)
}

func validateIssuanceTuning(t IssuanceTuning) error {
	if t.ConfirmationTimeout <= 0 {
		return errors.New("issuance.confirmationTimeout must be positive")
	}
	if t.PollInterval <= 0 {
		return errors.New("issuance.pollInterval must be positive")
	}
	if t.PollInterval > t.ConfirmationTimeout {
		return errors.New("issuance.pollInterval cannot exceed issuance.confirmationTimeout")
	}
	if t.MaxSweepAttempts <= 0 {
		return errors.New("issuance.maxSweepAttempts must be positive")
	}
	return nil
}
