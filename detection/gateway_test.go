// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openguard/platform/anonymizer"
	"openguard/platform/auth"
	"openguard/platform/shared/logger"
)

func TestSessionStoreRoundTrip(t *testing.T) {
	s := newSessionStore()
	mapping := anonymizer.RestoreMapping{"__email_1__": "alice@example.com"}

	id := s.Put(mapping)
	require.NotEmpty(t, id)

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, mapping, got)

	_, ok = s.Get("no-such-session")
	assert.False(t, ok)
	_, ok = s.Get("")
	assert.False(t, ok)
}

func TestSessionStoreIsolatesSessions(t *testing.T) {
	s := newSessionStore()
	a := s.Put(anonymizer.RestoreMapping{"__email_1__": "a@x.com"})
	b := s.Put(anonymizer.RestoreMapping{"__email_1__": "b@y.com"})

	gotA, _ := s.Get(a)
	gotB, _ := s.Get(b)
	assert.Equal(t, "a@x.com", gotA["__email_1__"])
	assert.Equal(t, "b@y.com", gotB["__email_1__"])
	assert.Equal(t, 2, s.Len())
}

func TestProcessOutputStreamingRestore(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}
	id := svc.sessions.Put(anonymizer.RestoreMapping{"__email_1__": "alice@example.com"})

	resp, err := svc.ProcessOutput(context.Background(), "t1", "app1", "en", GatewayOutputRequest{
		Content:     "you wrote __email_1__ earlier",
		SessionID:   id,
		IsStreaming: true,
		ChunkIndex:  3,
	})
	require.NoError(t, err)
	assert.Equal(t, GatewayActionRestore, resp.Action)
	assert.Equal(t, "you wrote alice@example.com earlier", resp.Content)
}

func TestProcessOutputStreamingPassWithoutPlaceholders(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}
	id := svc.sessions.Put(anonymizer.RestoreMapping{"__email_1__": "alice@example.com"})

	resp, err := svc.ProcessOutput(context.Background(), "t1", "app1", "en", GatewayOutputRequest{
		Content:     "plain chunk",
		SessionID:   id,
		IsStreaming: true,
	})
	require.NoError(t, err)
	assert.Equal(t, GatewayActionPass, resp.Action)
	assert.Empty(t, resp.Content)
}

func TestProcessOutputStreamingUnknownSessionPasses(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}

	resp, err := svc.ProcessOutput(context.Background(), "t1", "app1", "en", GatewayOutputRequest{
		Content:     "chunk with __email_1__ placeholder",
		SessionID:   "expired-or-unknown",
		IsStreaming: true,
	})
	require.NoError(t, err)
	assert.Equal(t, GatewayActionPass, resp.Action)
}

func TestHandleGatewayOutputHTTP(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}
	id := svc.sessions.Put(anonymizer.RestoreMapping{"__phone_number_1__": "555-0100"})

	body, _ := json.Marshal(GatewayOutputRequest{
		Content:     "call __phone_number_1__",
		SessionID:   id,
		IsStreaming: true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/process-output", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{TenantID: "t1", ApplicationID: "app1"}))
	rec := httptest.NewRecorder()

	svc.HandleGatewayOutput(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp GatewayOutputResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, GatewayActionRestore, resp.Action)
	assert.Equal(t, "call 555-0100", resp.Content)
}

func TestHandleGatewayOutputUnauthenticated(t *testing.T) {
	svc := &Service{sessions: newSessionStore(), log: logger.New("test")}
	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/process-output", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	svc.HandleGatewayOutput(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
