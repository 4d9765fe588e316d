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

// FiscalPolicy tunes the issuance engine. It is reloaded without a restart.
type FiscalPolicy struct {
	ArtifactAttempts    int           `mapstructure:"artifactAttempts"`
	ArtifactDelay       time.Duration `mapstructure:"artifactDelay"`
	SessionTTL          time.Duration `mapstructure:"sessionTTL"`
	SessionSafetyMargin time.Duration `mapstructure:"sessionSafetyMargin"`
	ReservationTimeout  time.Duration `mapstructure:"reservationTimeout"`
	ChronologicalGuard  bool          `mapstructure:"chronologicalGuard"`
}

func DefaultFiscalPolicy() FiscalPolicy {
	return FiscalPolicy{
		ArtifactAttempts:    3,
		ArtifactDelay:       2 * time.Second,
		SessionTTL:          time.Hour,
		SessionSafetyMargin: 5 * time.Minute,
		ReservationTimeout:  2 * time.Minute,
		ChronologicalGuard:  true,
	}
}

type FiscalPolicyHolder struct {
	current atomic.Value // holds FiscalPolicy
}

// NewStaticFiscalPolicyHolder returns a holder that never reloads.
func NewStaticFiscalPolicyHolder(policy FiscalPolicy) *FiscalPolicyHolder {
	holder := &FiscalPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewFiscalPolicyHolder() (*FiscalPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("fiscal")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/fiscal")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FISCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFiscalPolicy()
	v.SetDefault("fiscal.artifactAttempts", defaults.ArtifactAttempts)
	v.SetDefault("fiscal.artifactDelay", defaults.ArtifactDelay)
	v.SetDefault("fiscal.sessionTTL", defaults.SessionTTL)
	v.SetDefault("fiscal.sessionSafetyMargin", defaults.SessionSafetyMargin)
	v.SetDefault("fiscal.reservationTimeout", defaults.ReservationTimeout)
	v.SetDefault("fiscal.chronologicalGuard", defaults.ChronologicalGuard)

	configFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		configFound = false
	}

	var policy FiscalPolicy
	if err := v.UnmarshalKey("fiscal", &policy); err != nil {
		return nil, err
	}
	if err := validateFiscalPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticFiscalPolicyHolder(policy)
	if !configFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FiscalPolicy
		if err := v.UnmarshalKey("fiscal", &updated); err != nil {
			log.Printf("[fiscal-policy] reload failed: %v", err)
			return
		}
		if err := validateFiscalPolicy(updated); err != nil {
			log.Printf("[fiscal-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[fiscal-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *FiscalPolicyHolder) Get() FiscalPolicy {
	if h == nil {
		return DefaultFiscalPolicy()
	}
	return h.current.Load().(FiscalPolicy)
}

func validateFiscalPolicy(p FiscalPolicy) error {
	if p.ArtifactAttempts < 1 {
		return errors.New("fiscal.artifactAttempts must be at least 1")
	}
	if p.ArtifactDelay < 0 {
		return errors.New("fiscal.artifactDelay cannot be negative")
	}
	if p.SessionTTL <= 0 {
		return errors.New("fiscal.sessionTTL must be positive")
	}
	if p.SessionSafetyMargin < 0 || p.SessionSafetyMargin >= p.SessionTTL {
		return errors.New("fiscal.sessionSafetyMargin must be within sessionTTL")
	}
	if p.ReservationTimeout <= 0 {
		return errors.New("fiscal.reservationTimeout must be positive")
	}
	return nil
}
