// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openguard/platform/anonymizer"
	"openguard/platform/auth"
	"openguard/platform/shared/logger"
)

func TestKeyCipherRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "proxy.key")
	c, err := LoadOrCreateKeyCipher(path)
	require.NoError(t, err)

	sealed, err := c.Encrypt("sk-upstream-secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-secret", plain)

	// key file persists: a second cipher can decrypt
	c2, err := LoadOrCreateKeyCipher(path)
	require.NoError(t, err)
	plain2, err := c2.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-secret", plain2)
}

func TestKeyCipherEmptyAndGarbage(t *testing.T) {
	c, err := LoadOrCreateKeyCipher(filepath.Join(t.TempDir(), "k"))
	require.NoError(t, err)

	plain, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", plain)

	_, err = c.Decrypt("not base64 at all!!!")
	assert.Error(t, err)
}

func TestSplitPartialPlaceholder(t *testing.T) {
	mapping := anonymizer.RestoreMapping{"__email_1__": "bob@x.com"}

	emit, carry := splitPartialPlaceholder("Contact __ema", mapping)
	assert.Equal(t, "Contact ", emit)
	assert.Equal(t, "__ema", carry)

	emit, carry = splitPartialPlaceholder("no placeholders here.", mapping)
	assert.Equal(t, "no placeholders here.", emit)
	assert.Equal(t, "", carry)

	// a lone trailing underscore could start a placeholder
	emit, carry = splitPartialPlaceholder("text_", mapping)
	assert.Equal(t, "text", emit)
	assert.Equal(t, "_", carry)

	emit, carry = splitPartialPlaceholder("anything", nil)
	assert.Equal(t, "anything", emit)
	assert.Equal(t, "", carry)
}

func sseBody(chunks ...string) io.ReadCloser {
	var b bytes.Buffer
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(&b)
}

func deltaChunk(content string) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"id":     "chatcmpl-up",
		"object": "chat.completion.chunk",
		"model":  "gpt-test",
		"choices": []map[string]interface{}{{
			"index": 0,
			"delta": map[string]string{"content": content},
		}},
	})
	return string(raw)
}

func finishChunk() string {
	raw, _ := json.Marshal(map[string]interface{}{
		"id":     "chatcmpl-up",
		"object": "chat.completion.chunk",
		"model":  "gpt-test",
		"choices": []map[string]interface{}{{
			"index":         0,
			"delta":         map[string]string{},
			"finish_reason": "stop",
		}},
	})
	return string(raw)
}

// collectStreamContent concatenates every delta content in an SSE transcript.
func collectStreamContent(t *testing.T, body string) string {
	t.Helper()
	var sb strings.Builder
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		for _, c := range chunk.Choices {
			sb.WriteString(c.Delta.Content)
		}
	}
	return sb.String()
}

func TestStreamResponseRestoresSplitPlaceholder(t *testing.T) {
	svc := &Service{log: logger.New("test")}
	mapping := anonymizer.RestoreMapping{"__email_1__": "bob@x.com"}

	upstream := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body: sseBody(
			deltaChunk("Contact __ema"),
			deltaChunk("il_1__ now"),
			finishChunk(),
		),
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	identity := &auth.Identity{TenantID: "t1", ApplicationID: "app1"}

	svc.streamResponse(rec, req, identity, "gpt-test", upstream, mapping, false)

	body := rec.Body.String()
	assert.Equal(t, "Contact bob@x.com now", collectStreamContent(t, body))
	assert.Contains(t, body, "[DONE]")
	assert.NotContains(t, body, "__email_1__")
}

func TestStreamResponsePassThroughWithoutMapping(t *testing.T) {
	svc := &Service{log: logger.New("test")}

	upstream := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       sseBody(deltaChunk("hello "), deltaChunk("world"), finishChunk()),
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	svc.streamResponse(rec, req, &auth.Identity{TenantID: "t1"}, "gpt-test", upstream, nil, false)
	assert.Equal(t, "hello world", collectStreamContent(t, rec.Body.String()))
}

func TestWriteSyntheticFiltered(t *testing.T) {
	svc := &Service{log: logger.New("test")}
	rec := httptest.NewRecorder()
	svc.writeFiltered(rec, "gpt-test", "blocked, sorry", false)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatCompletion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "blocked, sorry", resp.Choices[0].Message.Content)
	require.NotNil(t, resp.Choices[0].FinishReason)
	assert.Equal(t, "content_filter", *resp.Choices[0].FinishReason)
}

func TestWriteSyntheticStream(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSyntheticStream(rec, "chatcmpl-x", "gpt-test", "canned answer", "content_filter")

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "canned answer", collectStreamContent(t, body))
	assert.Contains(t, body, `"finish_reason":"content_filter"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestReplaceFieldPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"model":"gpt-4","messages":[],"temperature":0.7,"n":2}`)
	out := replaceModel(raw, "private-model")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &body))
	assert.Equal(t, "private-model", body["model"])
	assert.Equal(t, 0.7, body["temperature"])
	assert.Equal(t, 2.0, body["n"])
}

func TestFlattenPrompt(t *testing.T) {
	assert.Equal(t, "hi", flattenPrompt(json.RawMessage(`"hi"`)))
	assert.Equal(t, "a\nb", flattenPrompt(json.RawMessage(`["a","b"]`)))
	assert.Equal(t, "", flattenPrompt(json.RawMessage(`42`)))
}

func TestHandleModelChatRequiresModelKey(t *testing.T) {
	svc := &Service{log: logger.New("test")}

	req := httptest.NewRequest(http.MethodPost, "/v1/model/chat/completions", strings.NewReader("{}"))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		TenantID: "t1", Credential: auth.CredentialAppKey,
	}))
	rec := httptest.NewRecorder()
	svc.HandleModelChat(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleChatCompletionsRejectsModelKey(t *testing.T) {
	svc := &Service{log: logger.New("test")}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		TenantID: "t1", Credential: auth.CredentialModelKey,
	}))
	rec := httptest.NewRecorder()
	svc.HandleChatCompletions(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// unauthenticated
	rec = httptest.NewRecorder()
	svc.HandleChatCompletions(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
