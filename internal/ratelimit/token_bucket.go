package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/botbilling/internal/clock"
)

// Bucket is a token bucket keyed by caller-chosen strings.
type Bucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (Result, error)
}

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// RedisBucket shares one bucket per key across every replica.
type RedisBucket struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

func NewRedisBucket(client *redis.Client, prefix string) *RedisBucket {
	if client == nil {
		return nil
	}
	return &RedisBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: prefix,
	}
}

func (b *RedisBucket) Allow(ctx context.Context, key string, rate float64, burst int) (Result, error) {
	if b == nil || b.client == nil {
		return Result{}, errors.New("rate limiter not configured")
	}
	if err := validate(key, rate, burst); err != nil {
		return Result{}, err
	}

	res, err := b.script.Run(
		ctx,
		b.client,
		[]string{b.prefix + key},
		rate,
		burst,
		int64(bucketTTL(rate, burst)/time.Millisecond),
	).Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 2 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	allowed, _ := res[0].(int64)
	// Lua numbers are truncated to integers on the way out, so tokens travel as a string.
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Result{}, err
	}
	return result(allowed == 1, tokens, rate), nil
}

// MemoryBucket is the single-process bucket used when no Redis is configured.
type MemoryBucket struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*memoryState
}

type memoryState struct {
	tokens float64
	ts     time.Time
}

func NewMemoryBucket(clk clock.Clock) *MemoryBucket {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryBucket{clock: clk, buckets: make(map[string]*memoryState)}
}

func (b *MemoryBucket) Allow(_ context.Context, key string, rate float64, burst int) (Result, error) {
	if err := validate(key, rate, burst); err != nil {
		return Result{}, err
	}

	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.buckets[key]
	if !ok {
		state = &memoryState{tokens: float64(burst), ts: now}
		b.buckets[key] = state
	} else if elapsed := now.Sub(state.ts); elapsed > 0 {
		state.tokens = math.Min(float64(burst), state.tokens+elapsed.Seconds()*rate)
		state.ts = now
	}

	allowed := state.tokens >= 1
	if allowed {
		state.tokens--
	}
	return result(allowed, state.tokens, rate), nil
}

func result(allowed bool, tokens, rate float64) Result {
	r := Result{Allowed: allowed, Remaining: int(tokens)}
	if !allowed {
		r.RetryAfter = time.Duration((1 - tokens) / rate * float64(time.Second))
	}
	return r
}

func validate(key string, rate float64, burst int) error {
	switch {
	case key == "":
		return errors.New("rate limiter key is empty")
	case rate <= 0:
		return errors.New("rate limiter rate must be positive")
	case burst <= 0:
		return errors.New("rate limiter burst must be positive")
	}
	return nil
}

func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
