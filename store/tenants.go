// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// API key prefixes. The model key prefix must be checked first because it
// also carries the plain tenant prefix.
const (
	APIKeyPrefix      = "sk-xxai-"
	ModelAPIKeyPrefix = "sk-xxai-model-"
)

// DefaultTenantRateLimitRPS is assigned at registration.
const DefaultTenantRateLimitRPS = 10

// FreeMonthlyQuota is the request quota for free subscriptions.
const FreeMonthlyQuota = 1000

// ErrTenantNotFound is returned when a tenant lookup misses.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrDuplicateEmail is returned when registering an existing email.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrQuotaExceeded is returned by CheckAndIncrementUsage when the monthly
// quota is exhausted.
var ErrQuotaExceeded = errors.New("monthly quota exceeded")

// TenantRepository provides tenant and subscription operations.
type TenantRepository struct {
	db *sql.DB
}

// NewAPIKey generates a fresh application or tenant API key.
func NewAPIKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for key generation
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return APIKeyPrefix + hex.EncodeToString(buf)
}

// NewModelAPIKey generates a direct-model access key.
func NewModelAPIKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return ModelAPIKeyPrefix + hex.EncodeToString(buf)
}

// Create registers a tenant with a free subscription resetting 30 days out.
// The caller is responsible for creating the default application afterwards
// (see ApplicationRepository.CreateWithDefaults).
func (r *TenantRepository) Create(ctx context.Context, email, passwordHash string) (*Tenant, error) {
	t := &Tenant{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		APIKey:       NewAPIKey(),
		RateLimitRPS: DefaultTenantRateLimitRPS,
		CreatedAt:    time.Now().UTC(),
	}
	t.UpdatedAt = t.CreatedAt

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, email, password_hash, active, verified, is_super_admin, api_key, rate_limit_rps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, false, $5, $6, $7, $7)
	`, t.ID, t.Email, t.PasswordHash, t.Active, t.APIKey, t.RateLimitRPS, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_subscriptions (id, tenant_id, type, monthly_quota, current_month_usage, usage_reset_at)
		VALUES ($1, $2, $3, $4, 0, $5)
	`, uuid.New().String(), t.ID, SubscriptionFree, FreeMonthlyQuota, t.CreatedAt.Add(30*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return t, nil
}

// GetByEmail fetches a tenant by login email.
func (r *TenantRepository) GetByEmail(ctx context.Context, email string) (*Tenant, error) {
	return r.getOne(ctx, `WHERE email = $1`, email)
}

// GetByID fetches a tenant by ID.
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*Tenant, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetByAPIKey fetches a tenant by its tenant-level API key.
func (r *TenantRepository) GetByAPIKey(ctx context.Context, key string) (*Tenant, error) {
	return r.getOne(ctx, `WHERE api_key = $1`, key)
}

// GetByModelAPIKey fetches a tenant by its direct-model key.
func (r *TenantRepository) GetByModelAPIKey(ctx context.Context, key string) (*Tenant, error) {
	return r.getOne(ctx, `WHERE model_api_key = $1`, key)
}

func (r *TenantRepository) getOne(ctx context.Context, where string, arg interface{}) (*Tenant, error) {
	t := &Tenant{}
	var modelKey sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, active, verified, is_super_admin, api_key, model_api_key, rate_limit_rps, created_at, updated_at
		FROM tenants `+where, arg).Scan(
		&t.ID, &t.Email, &t.PasswordHash, &t.Active, &t.Verified, &t.IsSuperAdmin,
		&t.APIKey, &modelKey, &t.RateLimitRPS, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}
	t.ModelAPIKey = modelKey.String
	return t, nil
}

// GetSubscription returns the tenant's subscription row.
func (r *TenantRepository) GetSubscription(ctx context.Context, tenantID string) (*TenantSubscription, error) {
	s := &TenantSubscription{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, monthly_quota, current_month_usage, usage_reset_at
		FROM tenant_subscriptions WHERE tenant_id = $1
	`, tenantID).Scan(&s.ID, &s.TenantID, &s.Type, &s.MonthlyQuota, &s.CurrentMonthUsage, &s.UsageResetAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return s, nil
}

// CheckAndIncrementUsage atomically increments the monthly usage counter if
// the quota allows it. The single-row conditional UPDATE keeps the check and
// the increment serializable without an explicit transaction.
//
// Returns ErrQuotaExceeded when the counter is already at the quota, plus
// the seconds remaining until the next reset for the Retry-After header.
func (r *TenantRepository) CheckAndIncrementUsage(ctx context.Context, tenantID string) (retryAfter int64, err error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenant_subscriptions
		SET current_month_usage = current_month_usage + 1
		WHERE tenant_id = $1 AND current_month_usage < monthly_quota
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return 0, nil
	}

	sub, err := r.GetSubscription(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	retryAfter = int64(time.Until(sub.UsageResetAt).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter, ErrQuotaExceeded
}

// ResetExpiredUsage zeroes counters whose reset timestamp has passed and
// schedules the next reset 30 days out. Running it twice on the same day is
// a no-op because the WHERE clause only matches expired rows.
func (r *TenantRepository) ResetExpiredUsage(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenant_subscriptions
		SET current_month_usage = 0,
		    usage_reset_at = usage_reset_at + interval '30 days'
		WHERE usage_reset_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage: %w", err)
	}
	return res.RowsAffected()
}

// SetRateLimit updates the tenant's request-per-second allowance.
func (r *TenantRepository) SetRateLimit(ctx context.Context, tenantID string, rps int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET rate_limit_rps = $2, updated_at = now() WHERE id = $1
	`, tenantID, rps)
	if err != nil {
		return fmt.Errorf("failed to set rate limit: %w", err)
	}
	return nil
}

// EnableModelAccess issues a direct-model API key if the tenant has none.
func (r *TenantRepository) EnableModelAccess(ctx context.Context, tenantID string) (string, error) {
	key := NewModelAPIKey()
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET model_api_key = $2, updated_at = now()
		WHERE id = $1 AND (model_api_key IS NULL OR model_api_key = '')
	`, tenantID, key)
	if err != nil {
		return "", fmt.Errorf("failed to enable model access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t, err := r.GetByID(ctx, tenantID)
		if err != nil {
			return "", err
		}
		return t.ModelAPIKey, nil
	}
	return key, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
