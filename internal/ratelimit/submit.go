package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/insurecard/internal/config"
)

const keySubmitActor = "issuance:submit:actor:%s"

// SubmitLimiter throttles issuance submissions per actor.
type SubmitLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewSubmitLimiter(cfg config.Config, client *redis.Client) (*SubmitLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &SubmitLimiter{}, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	if limitCfg.SubmitRate <= 0 || limitCfg.SubmitBurst <= 0 {
		return nil, errors.New("submit rate limit must be positive")
	}
	return &SubmitLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.SubmitRate,
		burst:   limitCfg.SubmitBurst,
	}, nil
}

func (l *SubmitLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *SubmitLimiter) AllowActor(ctx context.Context, actorID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		actorID = "anonymous"
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keySubmitActor, actorID), l.rate, l.burst)
}
