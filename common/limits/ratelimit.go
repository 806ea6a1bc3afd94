// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package limits implements the per-tenant request controls: rate limiting,
// concurrency capping, and monthly quota enforcement.
package limits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"openguard/platform/shared/logger"
)

// RateLimiter enforces each tenant's requests-per-second allowance. A local
// token bucket handles the common single-instance case; when Redis is
// configured a sliding window is checked as well so the limit holds across
// replicas. Redis failures fail open: an unreachable limiter store must not
// take down the request path.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tenantBucket
	redis   *redis.Client
	log     *logger.Logger
	window  time.Duration
}

type tenantBucket struct {
	limiter  *rate.Limiter
	rps      int
	lastSeen time.Time
}

// NewRateLimiter builds a limiter. redisClient may be nil for
// single-instance deployments.
func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tenantBucket),
		redis:   redisClient,
		log:     log,
		window:  time.Second,
	}
}

// Allow reports whether the tenant may proceed under its rps limit.
// rps <= 0 means unlimited.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID string, rps int) bool {
	if rps <= 0 {
		return true
	}
	if !rl.localAllow(tenantID, rps) {
		return false
	}
	if rl.redis == nil {
		return true
	}
	return rl.redisAllow(ctx, tenantID, rps)
}

func (rl *RateLimiter) localAllow(tenantID string, rps int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[tenantID]
	if !ok || b.rps != rps {
		b = &tenantBucket{limiter: rate.NewLimiter(rate.Limit(rps), rps), rps: rps}
		rl.buckets[tenantID] = b
	}
	b.lastSeen = time.Now()

	if len(rl.buckets) > 10000 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for id, bb := range rl.buckets {
			if bb.lastSeen.Before(cutoff) {
				delete(rl.buckets, id)
			}
		}
	}
	return b.limiter.Allow()
}

// redisAllow runs a ZSet sliding window: prune entries outside the window,
// count the rest, and admit if under the limit.
func (rl *RateLimiter) redisAllow(ctx context.Context, tenantID string, rps int) bool {
	key := fmt.Sprintf("ratelimit:%s", tenantID)
	now := time.Now()
	cutoff := now.Add(-rl.window)

	pipe := rl.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, rl.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn(tenantID, "", "rate limiter redis unavailable, failing open",
			map[string]interface{}{"error": err.Error()})
		return true
	}
	return countCmd.Val() < int64(rps)
}
