// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"errors"
	"net/http"

	"openguard/platform/auth"
	"openguard/platform/common/httperr"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

// QuotaEnforcer charges each detection request against the tenant's monthly
// quota. Enforcement only applies in SaaS mode; enterprise deployments run
// unmetered.
type QuotaEnforcer struct {
	store      *store.Store
	deployment types.DeploymentConfig
	log        *logger.Logger
}

// NewQuotaEnforcer builds the enforcer for the current deployment mode.
func NewQuotaEnforcer(st *store.Store, deployment types.DeploymentConfig, log *logger.Logger) *QuotaEnforcer {
	return &QuotaEnforcer{store: st, deployment: deployment, log: log}
}

// Middleware increments usage before the handler runs. Quota exhaustion maps
// to 429 with Retry-After set to the seconds until the billing reset.
// Database errors fail open: a metering outage must not block detection.
func (q *QuotaEnforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !q.deployment.EnforceQuota {
			next.ServeHTTP(w, r)
			return
		}
		id := auth.FromContext(r.Context())
		if id == nil {
			httperr.Unauthorized(w, "missing credentials")
			return
		}

		retryAfter, err := q.store.Tenants.CheckAndIncrementUsage(r.Context(), id.TenantID)
		if errors.Is(err, store.ErrQuotaExceeded) {
			httperr.RateLimited(w, httperr.TypeQuotaExceeded, retryAfter)
			return
		}
		if err != nil {
			q.log.Error(id.TenantID, "", "quota check failed, failing open",
				map[string]interface{}{"error": err.Error()})
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware enforces the tenant's rps allowance resolved at auth
// time. Lookup failures fail open.
func RateLimitMiddleware(rl *RateLimiter, st *store.Store, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id == nil {
				httperr.Unauthorized(w, "missing credentials")
				return
			}
			rps := 0
			if t, err := st.Tenants.GetByID(r.Context(), id.TenantID); err == nil {
				rps = t.RateLimitRPS
			} else {
				log.Warn(id.TenantID, "", "rate limit lookup failed, failing open",
					map[string]interface{}{"error": err.Error()})
			}
			if !rl.Allow(r.Context(), id.TenantID, rps) {
				httperr.RateLimited(w, httperr.TypeRateLimited, 1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
