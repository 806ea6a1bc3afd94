// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"openguard/platform/auth"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(db)
	svc := NewService(st, auth.New(st, "test-secret", time.Hour), nil, nil, nil, nil,
		types.ConfigForMode(types.DeploymentModeEnterprise), t.TempDir(), logger.New("test"))
	return svc, mock
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"bad email", `{"email":"not-an-email","password":"longenough"}`},
		{"short password", `{"email":"a@b.com","password":"short"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(tc.body))
			svc.HandleRegister(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func tenantColumns() []string {
	return []string{"id", "email", "password_hash", "active", "verified", "is_super_admin",
		"api_key", "model_api_key", "rate_limit_rps", "created_at", "updated_at"}
}

func TestLoginUnknownEmail(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnError(store.ErrTenantNotFound)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"nobody@x.com","password":"whatever1"}`))
	svc.HandleLogin(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid email or password")
}

func TestLoginWrongPassword(t *testing.T) {
	svc, mock := newTestService(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("the-real-one"), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnRows(
		sqlmock.NewRows(tenantColumns()).AddRow(
			"t1", "bob@x.com", string(hash), true, true, false, "sk-xxai-abc", nil, 10, now, now))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"bob@x.com","password":"wrong-guess"}`))
	svc.HandleLogin(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginDisabledAccount(t *testing.T) {
	svc, mock := newTestService(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("the-real-one"), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnRows(
		sqlmock.NewRows(tenantColumns()).AddRow(
			"t1", "bob@x.com", string(hash), false, true, false, "sk-xxai-abc", nil, 10, now, now))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"bob@x.com","password":"the-real-one"}`))
	svc.HandleLogin(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoginSuccessIssuesToken(t *testing.T) {
	svc, mock := newTestService(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("the-real-one"), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM tenants").WillReturnRows(
		sqlmock.NewRows(tenantColumns()).AddRow(
			"t1", "bob@x.com", string(hash), true, true, false, "sk-xxai-abc", nil, 10, now, now))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"bob@x.com","password":"the-real-one"}`))
	svc.HandleLogin(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_token")
	assert.Contains(t, rec.Body.String(), "bearer")
}

func TestHandlersRequireIdentity(t *testing.T) {
	svc, _ := newTestService(t)

	handlers := map[string]http.HandlerFunc{
		"applications": svc.HandleListApplications,
		"results":      svc.HandleListResults,
		"upstreams":    svc.HandleListUpstreams,
		"force-sync":   svc.HandleForceSync,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/"+name, nil))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestSuperAdminGates(t *testing.T) {
	svc, _ := newTestService(t)
	identity := &auth.Identity{TenantID: "t1", Credential: auth.CredentialJWT}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs/force-sync",
		strings.NewReader(`{"start_date":"2026-01-01","end_date":"2026-01-02"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	svc.HandleForceSync(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/tenants/t2/rate-limit",
		strings.NewReader(`{"requests_per_second":50}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rec = httptest.NewRecorder()
	svc.HandleSetRateLimit(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tenants/t2/switch", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rec = httptest.NewRecorder()
	svc.HandleSwitchTenant(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSwitchTenantIssuesSession(t *testing.T) {
	svc, mock := newTestService(t)
	identity := &auth.Identity{TenantID: "root", IsSuperAdmin: true, Credential: auth.CredentialJWT}

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM tenants").
		WithArgs("t2").
		WillReturnRows(sqlmock.NewRows(tenantColumns()).AddRow(
			"t2", "user@example.com", "hash", true, false, false, "sk-xxai-key", nil, 10, now, now))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/t2/switch", nil)
	req = mux.SetURLVars(req, map[string]string{"tenant_id": "t2"})
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	svc.HandleSwitchTenant(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["switch_session"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForceSyncValidation(t *testing.T) {
	svc, _ := newTestService(t)
	identity := &auth.Identity{TenantID: "root", IsSuperAdmin: true, Credential: auth.CredentialJWT}

	// importer not wired in this process
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs/force-sync",
		strings.NewReader(`{"start_date":"2026-01-01","end_date":"2026-01-02"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	svc.HandleForceSync(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestValidDisposal(t *testing.T) {
	block := types.DisposalBlock
	replace := types.DisposalReplace

	assert.True(t, validDisposal(nil, types.DisposalBlock))
	assert.True(t, validDisposal(&block, types.DisposalBlock, types.DisposalPass))
	assert.False(t, validDisposal(&replace, types.DisposalBlock, types.DisposalPass))
}

func TestAppealStrings(t *testing.T) {
	en := appealStrings("en-US")
	assert.Equal(t, "en", en.Lang)
	assert.Equal(t, "Content blocked", en.Title)

	zh := appealStrings("zh-CN")
	assert.Equal(t, "zh", zh.Lang)
	assert.Contains(t, zh.Title, "拦截")

	// unknown languages fall back to English
	assert.Equal(t, "en", appealStrings("fr").Lang)
}

func TestReviewAppealValidation(t *testing.T) {
	svc, _ := newTestService(t)
	identity := &auth.Identity{TenantID: "root", IsSuperAdmin: true, Credential: auth.CredentialJWT}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appeals/a1/review",
		strings.NewReader(`{"status":"pending"}`))
	req = mux.SetURLVars(req, map[string]string{"appeal_id": "a1"})
	req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	svc.HandleReviewAppeal(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func writeScannerPackage(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadBuiltinScanners(t *testing.T) {
	dir := t.TempDir()
	writeScannerPackage(t, dir, "pack.json", `{
		"package_code": "restricted_topics",
		"package_name": "Restricted Topics",
		"scanners": [
			{"tag": "S1", "name": "Violent Crimes", "type": "genai",
			 "definition": "violence", "risk_level": "high_risk",
			 "scan_prompt": true, "scan_response": true}
		]
	}`)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO scanner_packages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pkg-1"))
	mock.ExpectExec("INSERT INTO scanners").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = LoadBuiltinScanners(context.Background(), store.NewWithDB(db), dir, logger.New("test"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBuiltinScannersRejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	writeScannerPackage(t, dir, "bad.json", `{
		"package_code": "broken",
		"package_name": "Broken",
		"scanners": [
			{"tag": "S1", "name": "X", "type": "genai",
			 "definition": "x", "risk_level": "catastrophic"}
		]
	}`)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = LoadBuiltinScanners(context.Background(), store.NewWithDB(db), dir, logger.New("test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid risk_level")
}

func TestLoadBuiltinScannersMissingDir(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = LoadBuiltinScanners(context.Background(), store.NewWithDB(db),
		filepath.Join(t.TempDir(), "nope"), logger.New("test"))
	assert.Error(t, err)
}
