// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openguard/platform/store"
)

func newTestAuth(t *testing.T) (*Authenticator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(store.NewWithDB(db), "test-secret", time.Hour), mock
}

func TestJWTRoundTrip(t *testing.T) {
	a, _ := newTestAuth(t)

	token, err := a.IssueToken(&store.Tenant{ID: "t1", IsSuperAdmin: true})
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), "Bearer "+token, "")
	require.NoError(t, err)
	assert.Equal(t, "t1", id.TenantID)
	assert.True(t, id.IsSuperAdmin)
	assert.Equal(t, CredentialJWT, id.Credential)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	a, _ := newTestAuth(t)
	other := New(nil, "other-secret", time.Hour)

	token, err := other.IssueToken(&store.Tenant{ID: "t1"})
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), "Bearer "+token, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTRejectsExpired(t *testing.T) {
	short := New(nil, "test-secret", -time.Minute)
	token, err := short.IssueToken(&store.Tenant{ID: "t1"})
	require.NoError(t, err)

	a, _ := newTestAuth(t)
	_, err = a.Authenticate(context.Background(), "Bearer "+token, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	a, _ := newTestAuth(t)
	_, err := a.Authenticate(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = a.Authenticate(context.Background(), "Bearer ", "")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestModelKeyCheckedBeforeAppKey(t *testing.T) {
	a, mock := newTestAuth(t)
	key := store.ModelAPIKeyPrefix + "abc123"

	mock.ExpectQuery("FROM tenants").
		WithArgs(key).
		WillReturnRows(tenantRows("t1", true, false))

	id, err := a.Authenticate(context.Background(), "Bearer "+key, "")
	require.NoError(t, err)
	assert.Equal(t, CredentialModelKey, id.Credential)
	assert.Equal(t, "t1", id.TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppKeyFallsBackToTenantKey(t *testing.T) {
	a, mock := newTestAuth(t)
	key := store.APIKeyPrefix + "abc123"

	// application miss, then tenant hit
	mock.ExpectQuery("FROM applications").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM tenants").
		WithArgs(key).
		WillReturnRows(tenantRows("t1", true, false))

	id, err := a.Authenticate(context.Background(), "Bearer "+key, "")
	require.NoError(t, err)
	assert.Equal(t, CredentialTenantKey, id.Credential)
	assert.Empty(t, id.ApplicationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInactiveTenantForbidden(t *testing.T) {
	a, mock := newTestAuth(t)
	key := store.APIKeyPrefix + "abc123"

	mock.ExpectQuery("FROM applications").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM tenants").
		WithArgs(key).
		WillReturnRows(tenantRows("t1", false, false))

	_, err := a.Authenticate(context.Background(), "Bearer "+key, "")
	assert.ErrorIs(t, err, ErrInactiveAccount)
}

func TestAuthenticateCachesResolution(t *testing.T) {
	a, mock := newTestAuth(t)
	key := store.ModelAPIKeyPrefix + "cached"

	// a single DB round trip serves both calls
	mock.ExpectQuery("FROM tenants").
		WithArgs(key).
		WillReturnRows(tenantRows("t1", true, false))

	for i := 0; i < 2; i++ {
		id, err := a.Authenticate(context.Background(), "Bearer "+key, "")
		require.NoError(t, err)
		assert.Equal(t, "t1", id.TenantID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyOverridesNoHeadersIsIdentity(t *testing.T) {
	a, _ := newTestAuth(t)
	id := &Identity{TenantID: "t1", Credential: CredentialJWT}

	got, err := a.ApplyOverrides(context.Background(), id, "", "")
	require.NoError(t, err)
	assert.Same(t, id, got)
}

func TestApplicationSelectorWinsOverDefault(t *testing.T) {
	a, mock := newTestAuth(t)

	mock.ExpectQuery("FROM applications").
		WithArgs("app2").
		WillReturnRows(appRows("app2", "t1", true))

	id := &Identity{TenantID: "t1", ApplicationID: "app1", Credential: CredentialJWT}
	got, err := a.ApplyOverrides(context.Background(), id, "app2", "")
	require.NoError(t, err)
	assert.Equal(t, "app2", got.ApplicationID)
	// the resolved identity is shared; overrides must not leak into it
	assert.Equal(t, "app1", id.ApplicationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplicationSelectorChecksOwnership(t *testing.T) {
	a, mock := newTestAuth(t)

	mock.ExpectQuery("FROM applications").
		WithArgs("app9").
		WillReturnRows(appRows("app9", "other-tenant", true))

	id := &Identity{TenantID: "t1", Credential: CredentialJWT}
	_, err := a.ApplyOverrides(context.Background(), id, "app9", "")
	assert.ErrorIs(t, err, ErrApplicationNotAllowed)
}

func TestApplicationSelectorUnknownApp(t *testing.T) {
	a, mock := newTestAuth(t)

	mock.ExpectQuery("FROM applications").
		WithArgs("app-gone").
		WillReturnRows(appColumns())

	id := &Identity{TenantID: "t1", Credential: CredentialJWT}
	_, err := a.ApplyOverrides(context.Background(), id, "app-gone", "")
	assert.ErrorIs(t, err, ErrApplicationNotAllowed)
}

func TestSwitchSessionRewritesTenantForSuperAdmin(t *testing.T) {
	a, _ := newTestAuth(t)

	token, err := a.IssueSwitchToken("t2")
	require.NoError(t, err)

	id := &Identity{TenantID: "admin", IsSuperAdmin: true, Credential: CredentialJWT}
	got, err := a.ApplyOverrides(context.Background(), id, "", token)
	require.NoError(t, err)
	assert.Equal(t, "t2", got.TenantID)
	assert.True(t, got.IsSuperAdmin)
	assert.Equal(t, "admin", id.TenantID)
}

func TestSwitchSessionRequiresSuperAdmin(t *testing.T) {
	a, _ := newTestAuth(t)

	token, err := a.IssueSwitchToken("t2")
	require.NoError(t, err)

	id := &Identity{TenantID: "t1", Credential: CredentialJWT}
	_, err = a.ApplyOverrides(context.Background(), id, "", token)
	assert.ErrorIs(t, err, ErrSwitchSessionForbidden)
}

func TestSwitchSessionRejectsLoginToken(t *testing.T) {
	a, _ := newTestAuth(t)

	// a plain access token must not pass as a switch session
	token, err := a.IssueToken(&store.Tenant{ID: "t2"})
	require.NoError(t, err)

	id := &Identity{TenantID: "admin", IsSuperAdmin: true, Credential: CredentialJWT}
	_, err = a.ApplyOverrides(context.Background(), id, "", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSwitchTokenRejectedAsCredential(t *testing.T) {
	a, _ := newTestAuth(t)

	token, err := a.IssueSwitchToken("t2")
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), "Bearer "+token, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func appColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "api_key", "external_id", "active", "created_at", "updated_at",
	})
}

func appRows(id, tenantID string, active bool) *sqlmock.Rows {
	return appColumns().AddRow(id, tenantID, "app", "sk-xxai-app", nil, active, time.Now(), time.Now())
}

func tenantRows(id string, active, super bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "password_hash", "active", "verified", "is_super_admin",
		"api_key", "model_api_key", "rate_limit_rps", "created_at", "updated_at",
	}).AddRow(id, "a@b.c", "hash", active, false, super, "sk-xxai-x", nil, 10, time.Now(), time.Now())
}
