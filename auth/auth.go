// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves the three credential kinds accepted by the platform:
// admin JWTs, application/tenant API keys, and direct-model keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"openguard/platform/store"
)

// CredentialType identifies how a request authenticated.
type CredentialType string

const (
	CredentialJWT       CredentialType = "jwt"
	CredentialAppKey    CredentialType = "app_key"
	CredentialTenantKey CredentialType = "tenant_key"
	CredentialModelKey  CredentialType = "model_key"
)

// Identity is the resolved caller context attached to every request.
type Identity struct {
	TenantID      string
	ApplicationID string
	IsSuperAdmin  bool
	Credential    CredentialType
}

// Errors mapped to 401/403 by the middleware.
var (
	ErrMissingCredentials     = errors.New("missing credentials")
	ErrInvalidToken           = errors.New("invalid or expired token")
	ErrInvalidAPIKey          = errors.New("invalid API key")
	ErrInactiveAccount        = errors.New("account is disabled")
	ErrApplicationNotAllowed  = errors.New("application is not accessible to caller")
	ErrSwitchSessionForbidden = errors.New("tenant switch requires super-admin")
)

// Authenticator resolves credentials against the store, memoizing results in
// a short-lived cache so per-request auth does not hit the database.
type Authenticator struct {
	store     *store.Store
	jwtSecret []byte
	tokenTTL  time.Duration
	cache     *identityCache
}

// New builds an Authenticator. tokenTTL bounds issued JWTs; cached lookups
// expire after five minutes regardless.
func New(st *store.Store, jwtSecret string, tokenTTL time.Duration) *Authenticator {
	return &Authenticator{
		store:     st,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		cache:     newIdentityCache(5 * time.Minute),
	}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID     string `json:"tenant_id"`
	IsSuperAdmin bool   `json:"is_super_admin"`
	// Scope is empty on login tokens and "switch" on X-Switch-Session
	// tokens, which never authenticate on their own.
	Scope string `json:"scope,omitempty"`
}

const scopeSwitch = "switch"

// switchSessionTTL bounds how long a super-admin can hold one tenant view.
const switchSessionTTL = 30 * time.Minute

// IssueToken signs an HS256 JWT for a logged-in tenant.
func (a *Authenticator) IssueToken(t *store.Tenant) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   t.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
		TenantID:     t.ID,
		IsSuperAdmin: t.IsSuperAdmin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// IssueSwitchToken signs a short-lived token that lets a super-admin view
// the platform as targetTenantID through the X-Switch-Session header.
func (a *Authenticator) IssueSwitchToken(targetTenantID string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   targetTenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(switchSessionTTL)),
		},
		TenantID: targetTenantID,
		Scope:    scopeSwitch,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign switch token: %w", err)
	}
	return signed, nil
}

// parseToken validates an HS256 JWT and returns its claims.
func (a *Authenticator) parseToken(raw string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate resolves the Authorization header value into an Identity.
//
// Credential precedence follows the key prefixes: direct-model keys carry
// the longer prefix and are checked first, then application keys, then
// tenant keys. Anything without the key prefix is treated as a JWT.
//
// externalAppID is the X-OG-Application-ID header. When a tenant key is
// presented together with it, the named application is looked up — and
// created with full defaults on first use.
func (a *Authenticator) Authenticate(ctx context.Context, authorization, externalAppID string) (*Identity, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if raw == "" {
		return nil, ErrMissingCredentials
	}

	// auto-discovery creates rows, so it must not be served from cache
	cacheable := externalAppID == ""
	if cacheable {
		if id, ok := a.cache.get(raw); ok {
			return id, nil
		}
	}

	id, err := a.resolve(ctx, raw, externalAppID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		a.cache.put(raw, id)
	}
	return id, nil
}

func (a *Authenticator) resolve(ctx context.Context, raw, externalAppID string) (*Identity, error) {
	switch {
	case strings.HasPrefix(raw, store.ModelAPIKeyPrefix):
		t, err := a.store.Tenants.GetByModelAPIKey(ctx, raw)
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil, ErrInvalidAPIKey
		}
		if err != nil {
			return nil, err
		}
		if !t.Active {
			return nil, ErrInactiveAccount
		}
		return &Identity{TenantID: t.ID, IsSuperAdmin: t.IsSuperAdmin, Credential: CredentialModelKey}, nil

	case strings.HasPrefix(raw, store.APIKeyPrefix):
		app, err := a.store.Applications.GetByAPIKey(ctx, raw)
		if err == nil {
			if !app.Active {
				return nil, ErrInactiveAccount
			}
			return &Identity{TenantID: app.TenantID, ApplicationID: app.ID, Credential: CredentialAppKey}, nil
		}
		if !errors.Is(err, store.ErrApplicationNotFound) {
			return nil, err
		}
		return a.resolveTenantKey(ctx, raw, externalAppID)

	default:
		claims, err := a.parseToken(raw)
		if err != nil {
			return nil, err
		}
		// switch-session tokens only ever ride the header, never the
		// Authorization line
		if claims.Scope != "" {
			return nil, ErrInvalidToken
		}
		return &Identity{TenantID: claims.TenantID, IsSuperAdmin: claims.IsSuperAdmin, Credential: CredentialJWT}, nil
	}
}

func (a *Authenticator) resolveTenantKey(ctx context.Context, key, externalAppID string) (*Identity, error) {
	t, err := a.store.Tenants.GetByAPIKey(ctx, key)
	if errors.Is(err, store.ErrTenantNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, ErrInactiveAccount
	}

	id := &Identity{TenantID: t.ID, IsSuperAdmin: t.IsSuperAdmin, Credential: CredentialTenantKey}
	if externalAppID == "" {
		return id, nil
	}

	app, err := a.store.Applications.GetByExternalID(ctx, t.ID, externalAppID)
	if errors.Is(err, store.ErrApplicationNotFound) {
		app, err = a.store.CreateApplicationWithDefaults(ctx, t.ID, externalAppID, externalAppID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve external application: %w", err)
	}
	id.ApplicationID = app.ID
	return id, nil
}

// ApplyOverrides layers the selector headers over a resolved identity:
// X-Switch-Session rewrites the tenant for a super-admin, and
// X-Application-ID picks a specific application, winning over whatever the
// credential implied. The input identity is never mutated; cached identities
// are shared across requests.
func (a *Authenticator) ApplyOverrides(ctx context.Context, id *Identity, applicationID, switchSession string) (*Identity, error) {
	if applicationID == "" && switchSession == "" {
		return id, nil
	}
	out := *id

	if switchSession != "" {
		if !out.IsSuperAdmin {
			return nil, ErrSwitchSessionForbidden
		}
		claims, err := a.parseToken(switchSession)
		if err != nil {
			return nil, ErrInvalidToken
		}
		if claims.Scope != scopeSwitch || claims.TenantID == "" {
			return nil, ErrInvalidToken
		}
		out.TenantID = claims.TenantID
	}

	if applicationID != "" {
		app, err := a.store.Applications.GetByID(ctx, applicationID)
		if errors.Is(err, store.ErrApplicationNotFound) {
			return nil, ErrApplicationNotAllowed
		}
		if err != nil {
			return nil, err
		}
		if app.TenantID != out.TenantID && !out.IsSuperAdmin {
			return nil, ErrApplicationNotAllowed
		}
		if !app.Active {
			return nil, ErrInactiveAccount
		}
		out.ApplicationID = app.ID
	}

	return &out, nil
}

// Invalidate drops a cached credential, e.g. after a key rotation.
func (a *Authenticator) Invalidate(raw string) {
	a.cache.drop(raw)
}
