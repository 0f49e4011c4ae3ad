package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryBucketRefills(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC))
	bucket := NewMemoryBucket(clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, "k", 1, 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := bucket.Allow(ctx, "k", 1, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	other, err := bucket.Allow(ctx, "other", 1, 2)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clk.Advance(time.Second)
	res, err = bucket.Allow(ctx, "k", 1, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryBucketCapsAtBurst(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC))
	bucket := NewMemoryBucket(clk)
	ctx := context.Background()

	_, err := bucket.Allow(ctx, "k", 10, 3)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		res, err := bucket.Allow(ctx, "k", 10, 3)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestMemoryBucketRejectsBadArguments(t *testing.T) {
	bucket := NewMemoryBucket(nil)
	ctx := context.Background()

	_, err := bucket.Allow(ctx, "", 1, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(ctx, "k", 0, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(ctx, "k", 1, 0)
	assert.Error(t, err)
}

func TestWebhookLimiterDisabledWithoutRate(t *testing.T) {
	limiter := NewWebhookLimiter(config.Config{}, nil, nil, zaptest.NewLogger(t))

	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())
	assert.True(t, limiter.AllowProvider(context.Background(), "kiwify").Allowed)
}

func TestWebhookLimiterIsPerProvider(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.Config{Webhook: config.WebhookConfig{RatePerSecond: 1, RateBurst: 1}}
	limiter := NewWebhookLimiter(cfg, nil, clk, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.True(t, limiter.AllowProvider(ctx, "kiwify").Allowed)
	assert.False(t, limiter.AllowProvider(ctx, "Kiwify").Allowed)
	assert.True(t, limiter.AllowProvider(ctx, "hotmart").Allowed)
}
