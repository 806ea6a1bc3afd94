// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"net/http"

	"openguard/platform/common/httperr"
	"openguard/platform/shared/logger"
)

// Selector headers layered over the Authorization credential.
const (
	// HeaderExternalAppID names the application auto-discovery header
	// accepted alongside a tenant key.
	HeaderExternalAppID = "X-OG-Application-ID"
	// HeaderApplicationID selects one of the caller's applications by ID,
	// winning over the credential's default application.
	HeaderApplicationID = "X-Application-ID"
	// HeaderSwitchSession carries a super-admin's switch-to-tenant token.
	HeaderSwitchSession = "X-Switch-Session"
)

type contextKey struct{}

// FromContext returns the Identity the middleware attached, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}

// WithIdentity attaches an Identity for tests and internal calls.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Middleware authenticates every request and rejects unauthenticated ones.
func (a *Authenticator) Middleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"), r.Header.Get(HeaderExternalAppID))
			if err == nil {
				id, err = a.ApplyOverrides(r.Context(), id,
					r.Header.Get(HeaderApplicationID), r.Header.Get(HeaderSwitchSession))
			}
			if err != nil {
				switch {
				case errors.Is(err, ErrInactiveAccount),
					errors.Is(err, ErrApplicationNotAllowed),
					errors.Is(err, ErrSwitchSessionForbidden):
					httperr.Forbidden(w, err.Error())
				case errors.Is(err, ErrMissingCredentials),
					errors.Is(err, ErrInvalidToken),
					errors.Is(err, ErrInvalidAPIKey):
					httperr.Unauthorized(w, err.Error())
				default:
					log.Error("", "", "authentication failed", map[string]interface{}{"error": err.Error()})
					httperr.Internal(w)
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireSuperAdmin guards platform-operator routes. It must run after
// Middleware.
func RequireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			httperr.Unauthorized(w, "missing credentials")
			return
		}
		if !id.IsSuperAdmin {
			httperr.Forbidden(w, "super-admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
