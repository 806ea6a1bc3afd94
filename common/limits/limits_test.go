// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openguard/platform/shared/logger"
)

func TestLocalRateLimiter(t *testing.T) {
	rl := NewRateLimiter(nil, logger.New("test"))
	ctx := context.Background()

	// burst capacity equals rps
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow(ctx, "t1", 5) {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)

	// zero rps means unlimited
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow(ctx, "t2", 0))
	}
}

func TestRateLimiterIsolatesTenants(t *testing.T) {
	rl := NewRateLimiter(nil, logger.New("test"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rl.Allow(ctx, "t1", 5)
	}
	assert.False(t, rl.Allow(ctx, "t1", 5))
	assert.True(t, rl.Allow(ctx, "t2", 5))
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRateLimiter(client, logger.New("test"))

	// with Redis down, requests under the local bucket still pass
	mr.Close()
	assert.True(t, rl.Allow(context.Background(), "t1", 5))
}

func TestRedisSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := NewRateLimiter(client, logger.New("test"))
	ctx := context.Background()

	// generous local limit so only the shared window decides
	allowed := 0
	for i := 0; i < 8; i++ {
		if rl.Allow(ctx, "t1", 100) {
			allowed++
		}
	}
	assert.Equal(t, 8, allowed)
	require.NoError(t, client.Close())
}

func TestConcurrencyGate(t *testing.T) {
	g := NewConcurrencyGate(2)

	release := make(chan struct{})
	var started sync.WaitGroup
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started.Done()
		<-release
	}))

	started.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		}()
	}
	started.Wait()

	// gate is full: third request is rejected immediately
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	close(release)
}
