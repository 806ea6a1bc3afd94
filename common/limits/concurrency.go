// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"context"
	"net/http"

	"golang.org/x/sync/semaphore"

	"openguard/platform/common/httperr"
)

// ConcurrencyGate caps the number of in-flight requests per service. Each of
// the three services sizes its own gate from config.
type ConcurrencyGate struct {
	sem *semaphore.Weighted
}

// NewConcurrencyGate builds a gate admitting up to max requests at once.
func NewConcurrencyGate(max int64) *ConcurrencyGate {
	return &ConcurrencyGate{sem: semaphore.NewWeighted(max)}
}

// Middleware rejects with 429 when the service is saturated instead of
// queueing, so callers get immediate backpressure.
func (g *ConcurrencyGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.sem.TryAcquire(1) {
			httperr.RateLimited(w, httperr.TypeRateLimited, 1)
			return
		}
		defer g.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}

// Acquire blocks until a slot frees or ctx is done. Used by non-HTTP
// entrypoints like the importer's batch workers.
func (g *ConcurrencyGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot taken with Acquire.
func (g *ConcurrencyGate) Release() {
	g.sem.Release(1)
}
