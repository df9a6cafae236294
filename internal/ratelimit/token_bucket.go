package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrBucketNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket       = errors.New("invalid_rate_limit_bucket")
)

// Refill and take happen in one script against the Redis clock so every
// API replica shares a bucket. Tokens and the wait come back as strings to
// keep their fractional part.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + ((now - ts) / 1000) * rate)
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = ((1 - tokens) / rate) * 1000
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens), tostring(wait_ms), now}
`

// TokenBucket is a Redis-backed bucket keyed per caller.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow takes one token from key, refilling at rate per second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: burst}
	if t == nil || t.client == nil {
		return denied, ErrBucketNotConfigured
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return denied, ErrInvalidBucket
	}

	ttl := defaultBucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return denied, err
	}
	if len(res) < 4 {
		return denied, errors.New("invalid rate limit script response")
	}

	wait := time.Duration(castToFloat(res[2]) * float64(time.Millisecond))
	return &RateLimitResult{
		Allowed:    castToInt(res[0]) == 1,
		Limit:      burst,
		Remaining:  int(math.Floor(castToFloat(res[1]))),
		ResetTime:  time.UnixMilli(castToInt(res[3])).Add(wait),
		RetryAfter: wait,
	}, nil
}

// defaultBucketTTL keeps an idle bucket around for two full refills.
func defaultBucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil((float64(burst)/rate)*2))
	return time.Duration(seconds) * time.Second
}

func castToInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		parsed, _ := strconv.ParseInt(val, 10, 64)
		return parsed
	default:
		return 0
	}
}

func castToFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
