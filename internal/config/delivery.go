package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DeliveryPolicy tunes the dispatcher retry loop.
type DeliveryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	Adapter     string        `mapstructure:"adapter"`
}

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 200 * time.Millisecond
)

func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseBackoff: DefaultBaseBackoff,
	}
}

type DeliveryPolicyHolder struct {
	current atomic.Value // holds DeliveryPolicy
}

// NewStaticDeliveryPolicyHolder returns a holder that never reloads.
func NewStaticDeliveryPolicyHolder(policy DeliveryPolicy) *DeliveryPolicyHolder {
	holder := &DeliveryPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

// NewDeliveryPolicyHolder reads delivery.yaml (or DELIVERY_CONFIG_PATH) and
// keeps the policy current while the file changes.
func NewDeliveryPolicyHolder(cfg Config, log *zap.Logger) (*DeliveryPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.delivery")

	v := viper.New()
	if cfg.DeliveryConfigPath != "" {
		v.SetConfigFile(cfg.DeliveryConfigPath)
	} else {
		v.SetConfigName("delivery")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/vida")
		v.AddConfigPath(filepath.Join(".", "config"))
		v.AddConfigPath(".")
	}

	defaults := DefaultDeliveryPolicy()
	v.SetDefault("delivery.max_attempts", defaults.MaxAttempts)
	v.SetDefault("delivery.base_backoff", defaults.BaseBackoff)
	v.SetDefault("delivery.adapter", cfg.AccessPoint.Adapter)

	v.SetEnvPrefix("VIDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case cfg.DeliveryConfigPath != "" && errors.Is(err, fs.ErrNotExist):
			log.Warn("delivery config not found, using defaults", zap.String("path", cfg.DeliveryConfigPath))
		default:
			return nil, err
		}
		watch = false
	}

	policy, err := decodeDeliveryPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &DeliveryPolicyHolder{}
	holder.current.Store(policy)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeDeliveryPolicy(v)
			if err != nil {
				log.Warn("delivery config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("delivery config reloaded",
				zap.String("file", e.Name),
				zap.Int("max_attempts", updated.MaxAttempts),
				zap.Duration("base_backoff", updated.BaseBackoff),
				zap.String("adapter", updated.Adapter),
			)
		})
	}

	return holder, nil
}

func (h *DeliveryPolicyHolder) Get() DeliveryPolicy {
	if h == nil {
		return DefaultDeliveryPolicy()
	}
	policy, ok := h.current.Load().(DeliveryPolicy)
	if !ok {
		return DefaultDeliveryPolicy()
	}
	return policy
}

func decodeDeliveryPolicy(v *viper.Viper) (DeliveryPolicy, error) {
	var policy DeliveryPolicy
	if err := v.UnmarshalKey("delivery", &policy); err != nil {
		return DeliveryPolicy{}, err
	}
	policy.Adapter = strings.ToLower(strings.TrimSpace(policy.Adapter))
	if err := validateDeliveryPolicy(policy); err != nil {
		return DeliveryPolicy{}, err
	}
	return policy, nil
}

func validateDeliveryPolicy(policy DeliveryPolicy) error {
	if policy.MaxAttempts < 1 {
		return errors.New("delivery.max_attempts must be at least 1")
	}
	if policy.BaseBackoff < 0 {
		return errors.New("delivery.base_backoff cannot be negative")
	}
	return nil
}
