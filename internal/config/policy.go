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

// Policy holds the tunable business rules of the pipeline. It is hot-reloaded from policy.yml.
type Policy struct {
	GracePeriod        time.Duration `mapstructure:"gracePeriod"`
	PastDueRetention   time.Duration `mapstructure:"pastDueRetention"`
	RenewalMonths      int           `mapstructure:"renewalMonths"`
	DefaultPlanCode    string        `mapstructure:"defaultPlanCode"`
	SignatureTolerance time.Duration `mapstructure:"signatureTolerance"`
	HandlerTimeout     time.Duration `mapstructure:"handlerTimeout"`
	MaxAttempts        int           `mapstructure:"maxAttempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retryBaseDelay"`
	RetryMaxDelay      time.Duration `mapstructure:"retryMaxDelay"`
	StaleClaimAfter    time.Duration `mapstructure:"staleClaimAfter"`
	PlanCacheTTL       time.Duration `mapstructure:"planCacheTTL"`
}

// DefaultPolicy returns the rules used when no policy file is present.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:        72 * time.Hour,
		PastDueRetention:   7 * 24 * time.Hour,
		RenewalMonths:      1,
		DefaultPlanCode:    "basic",
		SignatureTolerance: 5 * time.Minute,
		HandlerTimeout:     10 * time.Second,
		MaxAttempts:        5,
		RetryBaseDelay:     time.Minute,
		RetryMaxDelay:      time.Hour,
		StaleClaimAfter:    15 * time.Minute,
		PlanCacheTTL:       5 * time.Minute,
	}
}

// RetryDelay returns the backoff before the given attempt number is retried.
func (p Policy) RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.RetryMaxDelay {
			return p.RetryMaxDelay
		}
	}
	if delay > p.RetryMaxDelay {
		return p.RetryMaxDelay
	}
	return delay
}

// PolicyHolder serves the current Policy to readers while a watcher swaps it.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// StaticPolicy wraps a fixed policy, mainly for tests and one-shot commands.
func StaticPolicy(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

// NewPolicyHolder loads policy.yml from the usual locations and watches it for changes.
func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("policy")
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/botbilling")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BOTBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v, DefaultPolicy())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := StaticPolicy(cfg)
	if !fileFound {
		log.Info("no policy file found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		holder.reload(v, e.Name, log)
	})

	return holder, nil
}

// reload swaps in the policy currently held by v. An invalid document keeps the
// previous policy.
func (h *PolicyHolder) reload(v *viper.Viper, source string, log *zap.Logger) {
	updated, err := decodePolicy(v)
	if err != nil {
		log.Warn("invalid policy ignored", zap.String("source", source), zap.Error(err))
		return
	}
	h.current.Store(updated)
	log.Info("policy reloaded", zap.String("source", source))
}

// Get returns the active policy.
func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	p, ok := h.current.Load().(Policy)
	if !ok {
		return DefaultPolicy()
	}
	return p
}

func setPolicyDefaults(v *viper.Viper, p Policy) {
	v.SetDefault("policy.gracePeriod", p.GracePeriod)
	v.SetDefault("policy.pastDueRetention", p.PastDueRetention)
	v.SetDefault("policy.renewalMonths", p.RenewalMonths)
	v.SetDefault("policy.defaultPlanCode", p.DefaultPlanCode)
	v.SetDefault("policy.signatureTolerance", p.SignatureTolerance)
	v.SetDefault("policy.handlerTimeout", p.HandlerTimeout)
	v.SetDefault("policy.maxAttempts", p.MaxAttempts)
	v.SetDefault("policy.retryBaseDelay", p.RetryBaseDelay)
	v.SetDefault("policy.retryMaxDelay", p.RetryMaxDelay)
	v.SetDefault("policy.staleClaimAfter", p.StaleClaimAfter)
	v.SetDefault("policy.planCacheTTL", p.PlanCacheTTL)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	var doc struct {
		Policy Policy `mapstructure:"policy"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return Policy{}, err
	}
	if err := validatePolicy(doc.Policy); err != nil {
		return Policy{}, err
	}
	return doc.Policy, nil
}

func validatePolicy(p Policy) error {
	switch {
	case p.GracePeriod < 0:
		return errors.New("policy.gracePeriod cannot be negative")
	case p.RenewalMonths <= 0:
		return errors.New("policy.renewalMonths must be positive")
	case p.SignatureTolerance <= 0:
		return errors.New("policy.signatureTolerance must be positive")
	case p.HandlerTimeout <= 0:
		return errors.New("policy.handlerTimeout must be positive")
	case p.MaxAttempts <= 0:
		return errors.New("policy.maxAttempts must be positive")
	case p.RetryBaseDelay <= 0 || p.RetryMaxDelay < p.RetryBaseDelay:
		return errors.New("policy.retryBaseDelay must be positive and not exceed retryMaxDelay")
	case p.StaleClaimAfter <= 0:
		return errors.New("policy.staleClaimAfter must be positive")
	}
	return nil
}
