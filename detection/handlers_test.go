// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openguard/platform/auth"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
)

func TestScanRiskMapping(t *testing.T) {
	assert.Equal(t, "none", scanRisk(types.RiskNone))
	assert.Equal(t, "low", scanRisk(types.RiskLow))
	assert.Equal(t, "medium", scanRisk(types.RiskMedium))
	assert.Equal(t, "high", scanRisk(types.RiskHigh))
	assert.Equal(t, "none", scanRisk(types.RiskLevel("bogus")))
}

func TestHandleGuardrailsRejectsBadInput(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}

	// no identity
	req := httptest.NewRequest(http.MethodPost, "/v1/guardrails", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	svc.HandleGuardrails(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// malformed body
	req = httptest.NewRequest(http.MethodPost, "/v1/guardrails", bytes.NewReader([]byte("not json")))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{TenantID: "t1"}))
	rec = httptest.NewRecorder()
	svc.HandleGuardrails(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// empty messages
	req = httptest.NewRequest(http.MethodPost, "/v1/guardrails", bytes.NewReader([]byte(`{"messages":[]}`)))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{TenantID: "t1"}))
	rec = httptest.NewRecorder()
	svc.HandleGuardrails(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDifyModerationPing(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}

	body := []byte(`{"point":"ping","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/dify/moderation", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{TenantID: "t1", ApplicationID: "app1"}))
	rec := httptest.NewRecorder()

	svc.HandleDifyModeration(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pong", resp["result"])
}

func TestHandleDifyModerationUnknownPoint(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}

	body := []byte(`{"point":"app.something.else","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/dify/moderation", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{TenantID: "t1"}))
	rec := httptest.NewRecorder()

	svc.HandleDifyModeration(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDifyModerationEmptyTextNotFlagged(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}

	body := []byte(`{"point":"app.moderation.input","params":{"inputs":{},"query":""}}`)
	req := httptest.NewRequest(http.MethodPost, "/dify/moderation", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{TenantID: "t1", ApplicationID: "app1"}))
	rec := httptest.NewRecorder()

	svc.HandleDifyModeration(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp difyModerationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Flagged)
}

func TestHandleScanRejectsEmptyContent(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}

	body := []byte(`{"content":"   "}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/scan/email", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{TenantID: "t1", ApplicationID: "app1"}))
	rec := httptest.NewRecorder()

	svc.HandleScanEmail(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
