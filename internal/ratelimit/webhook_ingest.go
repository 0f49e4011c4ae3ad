package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	"go.uber.org/zap"
)

const keyWebhookProvider = "webhook:provider:"

// WebhookLimiter bounds deliveries per provider. A nil limiter allows everything.
type WebhookLimiter struct {
	bucket Bucket
	rate   float64
	burst  int
	log    *zap.Logger
}

// NewWebhookLimiter returns nil when no rate is configured. The Redis client is optional;
// without it each replica enforces the limit on its own.
func NewWebhookLimiter(cfg config.Config, client *redis.Client, clk clock.Clock, log *zap.Logger) *WebhookLimiter {
	rate := cfg.Webhook.RatePerSecond
	if rate <= 0 {
		return nil
	}
	burst := cfg.Webhook.RateBurst
	if burst <= 0 {
		burst = rate
	}

	var bucket Bucket = NewMemoryBucket(clk)
	if client != nil {
		bucket = NewRedisBucket(client, "botbilling:ratelimit:")
	}
	return &WebhookLimiter{
		bucket: bucket,
		rate:   float64(rate),
		burst:  burst,
		log:    log.Named("ratelimit"),
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowProvider takes one token from the provider's bucket. Limiter failures let the
// delivery through: the idempotent store is the real protection, the limit only sheds load.
func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) Result {
	if !l.Enabled() {
		return Result{Allowed: true}
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "default"
	}

	res, err := l.bucket.Allow(ctx, keyWebhookProvider+provider, l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limiter unavailable, allowing delivery", zap.String("provider", provider), zap.Error(err))
		return Result{Allowed: true}
	}
	return res
}
