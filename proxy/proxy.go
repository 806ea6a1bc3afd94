// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"openguard/platform/anonymizer"
	"openguard/platform/auth"
	"openguard/platform/common/httperr"
	"openguard/platform/detection"
	"openguard/platform/logpipe"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

var (
	proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openguard_proxy_requests_total",
		Help: "Proxy requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	proxyUpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openguard_proxy_upstream_duration_seconds",
		Help:    "Upstream call latency by provider",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})
)

var registerProxyMetrics sync.Once

const maxRequestBody = 32 * 1024 * 1024

// Service is the reverse-proxy HTTP surface.
type Service struct {
	store     *store.Store
	resolver  *detection.Resolver
	upstreams *UpstreamResolver
	writer    *logpipe.Writer
	log       *logger.Logger
}

// NewService wires the proxy handlers. writer may be nil.
func NewService(st *store.Store, resolver *detection.Resolver, upstreams *UpstreamResolver,
	writer *logpipe.Writer, log *logger.Logger) *Service {
	registerProxyMetrics.Do(func() {
		prometheus.MustRegister(proxyRequests, proxyUpstreamLatency)
	})
	return &Service{
		store:     st,
		resolver:  resolver,
		upstreams: upstreams,
		writer:    writer,
		log:       log,
	}
}

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []detection.Message `json:"messages"`
	Stream   bool                `json:"stream"`
}

// chatCompletion is the OpenAI response shape the proxy synthesizes for
// blocked requests.
type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int              `json:"index"`
	Message      *choiceMessage   `json:"message,omitempty"`
	Delta        *choiceMessage   `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
	Logprobs     *json.RawMessage `json:"logprobs,omitempty"`
}

type choiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

type usageBlock struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// HandleChatCompletions is POST /v1/chat/completions: input detection,
// disposition, upstream forwarding, optional output detection, restoration.
func (s *Service) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}
	if identity.Credential == auth.CredentialModelKey {
		httperr.Forbidden(w, "direct-model keys are only valid on /v1/model/*")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httperr.BadRequest(w, "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if err := detection.ValidateMessages(req.Messages); err != nil {
		httperr.BadRequest(w, err.Error())
		return
	}

	requestID := uuid.New().String()
	verdict, err := s.resolver.Resolve(r.Context(), detection.ResolveRequest{
		TenantID:      identity.TenantID,
		ApplicationID: identity.ApplicationID,
		RequestID:     requestID,
		Messages:      req.Messages,
		Language:      r.Header.Get("Accept-Language"),
		Restorable:    true,
		IsSuperAdmin:  identity.IsSuperAdmin,
	})
	if err != nil {
		s.log.Error(identity.TenantID, requestID, "input detection failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}
	s.recordResult(identity, req.Messages, verdict)

	var mapping anonymizer.RestoreMapping
	switched := false
	switch verdict.SuggestAction {
	case types.ActionReject:
		proxyRequests.WithLabelValues("chat_completions", "blocked").Inc()
		s.writeFiltered(w, req.Model, verdict.SuggestAnswer, req.Stream)
		return
	case types.ActionReplace:
		proxyRequests.WithLabelValues("chat_completions", "replaced").Inc()
		s.writeReplaced(w, req.Model, verdict.SuggestAnswer, req.Stream)
		return
	case types.ActionAnonymized:
		raw = replaceMessages(raw, verdict.AnonymizedMessages)
		mapping = verdict.Data.RestoreMapping
	default:
		switched = verdict.SwitchPrivateModel
	}

	var upstream *Upstream
	if switched {
		upstream, err = s.upstreams.PrivateModel(r.Context(), identity.TenantID)
		if err == nil && len(upstream.Config.PrivateModelNames) > 0 {
			raw = replaceModel(raw, upstream.Config.PrivateModelNames[0])
		}
	} else {
		upstream, err = s.upstreams.Resolve(r.Context(), identity.TenantID, identity.ApplicationID, req.Model)
	}
	if err != nil {
		s.log.Error(identity.TenantID, requestID, "no upstream for model",
			map[string]interface{}{"model": req.Model, "error": err.Error()})
		httperr.Write(w, http.StatusBadGateway, httperr.TypeUpstream, "no upstream configured for model "+req.Model)
		return
	}

	start := time.Now()
	resp, err := upstream.Forward(r.Context(), "/chat/completions", raw)
	if err != nil {
		proxyRequests.WithLabelValues("chat_completions", "upstream_error").Inc()
		httperr.Upstream(w, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	proxyUpstreamLatency.WithLabelValues(upstream.Config.Provider).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		copyUpstreamError(w, resp)
		return
	}

	if req.Stream && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		s.streamResponse(w, r, identity, req.Model, resp, mapping, upstream.Config.BlockOnOutputRisk)
		proxyRequests.WithLabelValues("chat_completions", "streamed").Inc()
		return
	}
	s.bufferedResponse(w, r, identity, resp, mapping, upstream.Config.BlockOnOutputRisk)
	proxyRequests.WithLabelValues("chat_completions", "completed").Inc()
}

// bufferedResponse handles the non-streaming path: optional output detection
// over every choice, then placeholder restoration.
func (s *Service) bufferedResponse(w http.ResponseWriter, r *http.Request, identity *auth.Identity,
	resp *http.Response, mapping anonymizer.RestoreMapping, checkOutput bool) {
	var completion map[string]json.RawMessage
	if err := readJSON(resp.Body, &completion); err != nil {
		httperr.Upstream(w, "malformed upstream response")
		return
	}
	var choices []chatChoice
	if rawChoices, ok := completion["choices"]; ok {
		if err := json.Unmarshal(rawChoices, &choices); err != nil {
			httperr.Upstream(w, "malformed upstream choices")
			return
		}
	}

	if checkOutput {
		for _, c := range choices {
			if c.Message == nil || c.Message.Content == "" {
				continue
			}
			verdict, err := s.resolver.Resolve(r.Context(), detection.ResolveRequest{
				TenantID:      identity.TenantID,
				ApplicationID: identity.ApplicationID,
				Messages:      []detection.Message{detection.TextMessage("assistant", c.Message.Content)},
				Language:      r.Header.Get("Accept-Language"),
				IsOutput:      true,
				IsSuperAdmin:  identity.IsSuperAdmin,
			})
			if err != nil {
				s.log.Error(identity.TenantID, "", "output detection failed",
					map[string]interface{}{"error": err.Error()})
				continue
			}
			if verdict.SuggestAction == types.ActionReject {
				model := ""
				if rawModel, ok := completion["model"]; ok {
					json.Unmarshal(rawModel, &model)
				}
				s.writeFiltered(w, model, verdict.SuggestAnswer, false)
				return
			}
		}
	}

	if len(mapping) > 0 {
		for i := range choices {
			if choices[i].Message != nil {
				choices[i].Message.Content = anonymizer.Restore(choices[i].Message.Content, mapping)
			}
		}
		if rawChoices, err := json.Marshal(choices); err == nil {
			completion["choices"] = rawChoices
		}
	}

	writeJSON(w, http.StatusOK, completion)
}

// HandleCompletions is POST /v1/completions, the legacy text endpoint. The
// prompt is detected as a single user message.
func (s *Service) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}
	if identity.Credential == auth.CredentialModelKey {
		httperr.Forbidden(w, "direct-model keys are only valid on /v1/model/*")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httperr.BadRequest(w, "failed to read request body")
		return
	}
	var req struct {
		Model  string          `json:"model"`
		Prompt json.RawMessage `json:"prompt"`
		Stream bool            `json:"stream"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	prompt := flattenPrompt(req.Prompt)
	if strings.TrimSpace(prompt) == "" {
		httperr.BadRequest(w, "prompt must not be empty")
		return
	}

	requestID := uuid.New().String()
	verdict, err := s.resolver.Resolve(r.Context(), detection.ResolveRequest{
		TenantID:      identity.TenantID,
		ApplicationID: identity.ApplicationID,
		RequestID:     requestID,
		Messages:      []detection.Message{detection.TextMessage("user", prompt)},
		Language:      r.Header.Get("Accept-Language"),
		IsSuperAdmin:  identity.IsSuperAdmin,
	})
	if err != nil {
		httperr.Internal(w)
		return
	}
	s.recordResult(identity, []detection.Message{detection.TextMessage("user", prompt)}, verdict)

	switch verdict.SuggestAction {
	case types.ActionReject, types.ActionReplace:
		proxyRequests.WithLabelValues("completions", "blocked").Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":      "cmpl-" + requestID,
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]interface{}{{
				"index":         0,
				"text":          verdict.SuggestAnswer,
				"finish_reason": "content_filter",
			}},
		})
		return
	case types.ActionAnonymized:
		if rawPrompt, err := json.Marshal(verdict.Data.AnonymizedText); err == nil {
			raw = replaceField(raw, "prompt", rawPrompt)
		}
	}

	upstream, err := s.upstreams.Resolve(r.Context(), identity.TenantID, identity.ApplicationID, req.Model)
	if err != nil {
		httperr.Write(w, http.StatusBadGateway, httperr.TypeUpstream, "no upstream configured for model "+req.Model)
		return
	}
	resp, err := upstream.Forward(r.Context(), "/completions", raw)
	if err != nil {
		httperr.Upstream(w, "upstream request failed")
		return
	}
	defer resp.Body.Close()
	proxyRequests.WithLabelValues("completions", "completed").Inc()
	passThrough(w, resp)
}

// HandleModels is GET /v1/models, proxied from the default upstream. When no
// upstream answers, the configured route patterns are listed instead.
func (s *Service) HandleModels(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}

	cfg, err := s.store.Policies.DefaultUpstream(r.Context(), identity.TenantID)
	if err == nil {
		if upstream, kerr := s.upstreams.withKey(cfg); kerr == nil {
			if resp, gerr := upstream.Get(r.Context(), "/models"); gerr == nil {
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					passThrough(w, resp)
					return
				}
			}
		}
	}

	routes, err := s.store.Policies.ListRoutes(r.Context(), identity.TenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	models := make([]map[string]interface{}, 0, len(routes))
	for _, route := range routes {
		if !route.Active || route.MatchType != store.MatchExact {
			continue
		}
		models = append(models, map[string]interface{}{
			"id":       route.ModelPattern,
			"object":   "model",
			"owned_by": "openguard",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": models})
}

// HandleModelChat is POST /v1/model/chat/completions: direct model access
// under a model key. No policy runs; only usage is metered.
func (s *Service) HandleModelChat(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}
	if identity.Credential != auth.CredentialModelKey {
		httperr.Forbidden(w, "endpoint requires a direct-model API key")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httperr.BadRequest(w, "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}

	upstream, err := s.upstreams.Resolve(r.Context(), identity.TenantID, "", req.Model)
	if err != nil {
		httperr.Write(w, http.StatusBadGateway, httperr.TypeUpstream, "no upstream configured for model "+req.Model)
		return
	}
	resp, err := upstream.Forward(r.Context(), "/chat/completions", raw)
	if err != nil {
		proxyRequests.WithLabelValues("model_chat", "upstream_error").Inc()
		httperr.Upstream(w, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		copyUpstreamError(w, resp)
		return
	}

	if req.Stream && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		passThrough(w, resp)
		s.recordUsage(r, identity.TenantID, req.Model, nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		httperr.Upstream(w, "failed to read upstream response")
		return
	}
	var parsed struct {
		Usage *usageBlock `json:"usage"`
	}
	json.Unmarshal(body, &parsed)
	s.recordUsage(r, identity.TenantID, req.Model, parsed.Usage)

	proxyRequests.WithLabelValues("model_chat", "completed").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// recordUsage is best effort: a missing usage block still counts the request.
func (s *Service) recordUsage(r *http.Request, tenantID, model string, u *usageBlock) {
	var in, out int64
	if u != nil {
		in, out = u.PromptTokens, u.CompletionTokens
	}
	if err := s.store.Usage.Record(r.Context(), tenantID, model, in, out); err != nil {
		s.log.Warn(tenantID, "", "usage recording failed",
			map[string]interface{}{"model": model, "error": err.Error()})
	}
}

// writeFiltered emits a well-formed completion carrying the canned answer
// with finish_reason content_filter, so OpenAI SDKs handle blocks gracefully.
func (s *Service) writeFiltered(w http.ResponseWriter, model, answer string, stream bool) {
	s.writeSynthetic(w, model, answer, "content_filter", stream)
}

// writeReplaced emits the knowledge-base or template answer as a normal
// completion.
func (s *Service) writeReplaced(w http.ResponseWriter, model, answer string, stream bool) {
	s.writeSynthetic(w, model, answer, "stop", stream)
}

func (s *Service) writeSynthetic(w http.ResponseWriter, model, answer, finishReason string, stream bool) {
	id := "chatcmpl-" + uuid.New().String()
	if stream {
		writeSyntheticStream(w, id, model, answer, finishReason)
		return
	}
	writeJSON(w, http.StatusOK, chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      &choiceMessage{Role: "assistant", Content: answer},
			FinishReason: strPtr(finishReason),
		}},
		Usage: &usageBlock{},
	})
}

func (s *Service) recordResult(identity *auth.Identity, msgs []detection.Message, v *detection.Verdict) {
	if s.writer == nil {
		return
	}
	var sb strings.Builder
	for i := range msgs {
		if text, err := msgs[i].Text(); err == nil {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(msgs[i].Role + ": " + text)
		}
	}
	s.writer.Enqueue(&store.DetectionResult{
		RequestID:            v.ID,
		ApplicationID:        identity.ApplicationID,
		TenantID:             identity.TenantID,
		Content:              sb.String(),
		SecurityRiskLevel:    v.Security.RiskLevel,
		SecurityCategories:   v.Security.Categories,
		ComplianceRiskLevel:  v.Compliance.RiskLevel,
		ComplianceCategories: v.Compliance.Categories,
		DataRiskLevel:        v.Data.RiskLevel,
		DataCategories:       v.Data.Categories,
		SuggestAction:        v.SuggestAction,
		SuggestAnswer:        v.SuggestAnswer,
		Score:                v.Score,
		CreatedAt:            time.Now().UTC(),
	})
}

// replaceMessages swaps the messages array in the original request body,
// preserving every other field the client sent.
func replaceMessages(raw []byte, msgs []detection.Message) []byte {
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return raw
	}
	return replaceField(raw, "messages", encoded)
}

func replaceModel(raw []byte, model string) []byte {
	encoded, err := json.Marshal(model)
	if err != nil {
		return raw
	}
	return replaceField(raw, "model", encoded)
}

func replaceField(raw []byte, field string, value json.RawMessage) []byte {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw
	}
	body[field] = value
	out, err := json.Marshal(body)
	if err != nil {
		return raw
	}
	return out
}

// flattenPrompt accepts the legacy prompt forms: a string or a string list.
func flattenPrompt(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}
	return ""
}

func copyUpstreamError(w http.ResponseWriter, resp *http.Response) {
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, 1024*1024))
}

func passThrough(w http.ResponseWriter, resp *http.Response) {
	for _, h := range []string{"Content-Type", "Cache-Control"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func strPtr(s string) *string { return &s }
