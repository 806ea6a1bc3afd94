// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"openguard/platform/auth"
	"openguard/platform/common/httperr"
	"openguard/platform/logpipe"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

var (
	detectionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "openguard_detection_requests_total",
		Help: "Detection requests by endpoint and suggested action",
	}, []string{"endpoint", "action"})
	detectionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openguard_detection_duration_seconds",
		Help:    "Detection request latency by endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

var registerDetectionMetrics sync.Once

// Service is the detection HTTP surface: guardrails, scan, gateway, and the
// Dify moderation adapter.
type Service struct {
	store    *store.Store
	resolver *Resolver
	engine   *Engine
	cache    *ConfigCache
	writer   *logpipe.Writer
	log      *logger.Logger
	sessions *sessionStore
}

// NewService wires the handlers. writer may be nil when detection logging is
// disabled.
func NewService(st *store.Store, resolver *Resolver, engine *Engine, cache *ConfigCache,
	writer *logpipe.Writer, log *logger.Logger) *Service {
	registerDetectionMetrics.Do(func() {
		prometheus.MustRegister(detectionRequests, detectionLatency)
	})
	return &Service{
		store:    st,
		resolver: resolver,
		engine:   engine,
		cache:    cache,
		writer:   writer,
		log:      log,
		sessions: newSessionStore(),
	}
}

type guardrailsRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	UserID   string    `json:"user_id,omitempty"`
	// SkipKBRewrite serves knowledge-base answers verbatim instead of
	// rewriting them through the safety model.
	SkipKBRewrite bool `json:"skip_kb_rewrite,omitempty"`
}

type guardrailsResult struct {
	Compliance DimensionVerdict `json:"compliance"`
	Security   DimensionVerdict `json:"security"`
	Data       DataVerdict      `json:"data"`
}

type guardrailsResponse struct {
	ID               string              `json:"id"`
	Result           guardrailsResult    `json:"result"`
	OverallRiskLevel types.RiskLevel     `json:"overall_risk_level"`
	SuggestAction    types.SuggestAction `json:"suggest_action"`
	SuggestAnswer    string              `json:"suggest_answer,omitempty"`
	Score            *float64            `json:"score,omitempty"`
}

// HandleGuardrails is POST /v1/guardrails: one-shot detection with the full
// three-dimension verdict.
func (s *Service) HandleGuardrails(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}

	var req guardrailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if err := ValidateMessages(req.Messages); err != nil {
		httperr.BadRequest(w, err.Error())
		return
	}

	verdict, err := s.resolver.Resolve(r.Context(), ResolveRequest{
		TenantID:      identity.TenantID,
		ApplicationID: identity.ApplicationID,
		Messages:      req.Messages,
		Language:      r.Header.Get("Accept-Language"),
		IsSuperAdmin:  identity.IsSuperAdmin,
		SkipKBRewrite: req.SkipKBRewrite,
	})
	if err != nil {
		s.log.Error(identity.TenantID, "", "detection failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}

	s.recordResult(identity, req.Messages, verdict)
	detectionRequests.WithLabelValues("guardrails", string(verdict.SuggestAction)).Inc()
	detectionLatency.WithLabelValues("guardrails").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, guardrailsResponse{
		ID: verdict.ID,
		Result: guardrailsResult{
			Compliance: verdict.Compliance,
			Security:   verdict.Security,
			Data:       verdict.Data,
		},
		OverallRiskLevel: verdict.OverallRiskLevel,
		SuggestAction:    verdict.SuggestAction,
		SuggestAnswer:    verdict.SuggestAnswer,
		Score:            verdict.Score,
	})
}

type scanRequest struct {
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
}

type scanResponse struct {
	ID          string   `json:"id"`
	ScanType    string   `json:"scan_type"`
	RiskLevel   string   `json:"risk_level"`
	RiskTypes   []string `json:"risk_types"`
	RiskContent string   `json:"risk_content"`
	Score       *float64 `json:"score,omitempty"`
}

// HandleScanEmail is POST /v1/scan/email.
func (s *Service) HandleScanEmail(w http.ResponseWriter, r *http.Request) {
	s.handleScan(w, r, "email")
}

// HandleScanWebpage is POST /v1/scan/webpage.
func (s *Service) HandleScanWebpage(w http.ResponseWriter, r *http.Request) {
	s.handleScan(w, r, "webpage")
}

// handleScan runs only the threat scanners (prompt injection, jailbreak,
// phishing, malware) over a single blob of external content.
func (s *Service) handleScan(w http.ResponseWriter, r *http.Request, scanType string) {
	start := time.Now()
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		httperr.BadRequest(w, "content must not be empty")
		return
	}

	scanners, err := s.cache.Scanners(r.Context(), identity.TenantID, identity.ApplicationID, identity.IsSuperAdmin)
	if err != nil {
		httperr.Internal(w)
		return
	}
	var threatScanners []EffectiveScanner
	for _, sc := range scanners {
		if strings.HasPrefix(sc.Tag, "E") {
			threatScanners = append(threatScanners, sc)
		}
	}

	riskCfg, err := s.cache.RiskConfig(r.Context(), identity.ApplicationID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	outcome, err := s.engine.Scan(r.Context(), ScanInput{
		TenantID: identity.TenantID,
		Messages: []Message{TextMessage("user", req.Content)},
		Scanners: threatScanners,
		Risk:     riskCfg,
	})
	if err != nil {
		s.log.Error(identity.TenantID, "", "scan failed",
			map[string]interface{}{"scan_type": scanType, "error": err.Error()})
		httperr.Internal(w)
		return
	}

	level := types.MaxRisk(outcome.Security.RiskLevel, outcome.Compliance.RiskLevel)
	riskTypes := append([]string{}, outcome.Security.Categories...)
	riskTypes = append(riskTypes, outcome.Compliance.Categories...)
	riskContent := ""
	if level != types.RiskNone {
		riskContent = req.Content
	}

	detectionRequests.WithLabelValues("scan_"+scanType, scanRisk(level)).Inc()
	detectionLatency.WithLabelValues("scan_" + scanType).Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, scanResponse{
		ID:          newRequestID(),
		ScanType:    scanType,
		RiskLevel:   scanRisk(level),
		RiskTypes:   riskTypes,
		RiskContent: riskContent,
		Score:       outcome.MaxScore,
	})
}

// scanRisk maps internal levels to the scan API's short names.
func scanRisk(level types.RiskLevel) string {
	switch level {
	case types.RiskLow:
		return "low"
	case types.RiskMedium:
		return "medium"
	case types.RiskHigh:
		return "high"
	default:
		return "none"
	}
}

// HandleGatewayInput is POST /v1/gateway/process-input.
func (s *Service) HandleGatewayInput(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}
	var req GatewayInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if err := ValidateMessages(req.Messages); err != nil {
		httperr.BadRequest(w, err.Error())
		return
	}

	resp, err := s.ProcessInput(r.Context(), identity.TenantID, identity.ApplicationID,
		r.Header.Get("Accept-Language"), req)
	if err != nil {
		s.log.Error(identity.TenantID, "", "gateway input processing failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}
	if resp.DetectionResult != nil {
		s.recordResult(identity, req.Messages, resp.DetectionResult)
	}
	detectionRequests.WithLabelValues("gateway_input", resp.Action).Inc()
	writeJSON(w, http.StatusOK, resp)
}

// HandleGatewayOutput is POST /v1/gateway/process-output.
func (s *Service) HandleGatewayOutput(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}
	var req GatewayOutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}

	resp, err := s.ProcessOutput(r.Context(), identity.TenantID, identity.ApplicationID,
		r.Header.Get("Accept-Language"), req)
	if err != nil {
		s.log.Error(identity.TenantID, "", "gateway output processing failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}
	detectionRequests.WithLabelValues("gateway_output", resp.Action).Inc()
	writeJSON(w, http.StatusOK, resp)
}

type difyModerationRequest struct {
	Point  string `json:"point"`
	Params struct {
		Inputs map[string]string `json:"inputs,omitempty"`
		Query  string            `json:"query,omitempty"`
		Text   string            `json:"text,omitempty"`
	} `json:"params"`
}

type difyModerationResponse struct {
	Flagged        bool              `json:"flagged"`
	Action         string            `json:"action,omitempty"`
	PresetResponse string            `json:"preset_response,omitempty"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	Query          string            `json:"query,omitempty"`
	Text           string            `json:"text,omitempty"`
}

// HandleDifyModeration is POST /dify/moderation, the adapter for Dify's
// api-based extension protocol.
func (s *Service) HandleDifyModeration(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}
	var req difyModerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}

	switch req.Point {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"result": "pong"})
		return
	case "app.moderation.input", "app.moderation.output":
	default:
		httperr.BadRequest(w, "unknown extension point "+req.Point)
		return
	}

	isOutput := req.Point == "app.moderation.output"
	text := req.Params.Text
	if !isOutput {
		var parts []string
		for _, v := range req.Params.Inputs {
			if v != "" {
				parts = append(parts, v)
			}
		}
		if req.Params.Query != "" {
			parts = append(parts, req.Params.Query)
		}
		text = strings.Join(parts, "\n")
	}
	if strings.TrimSpace(text) == "" {
		writeJSON(w, http.StatusOK, difyModerationResponse{Flagged: false})
		return
	}

	role := "user"
	if isOutput {
		role = "assistant"
	}
	verdict, err := s.resolver.Resolve(r.Context(), ResolveRequest{
		TenantID:      identity.TenantID,
		ApplicationID: identity.ApplicationID,
		Messages:      []Message{TextMessage(role, text)},
		Language:      r.Header.Get("Accept-Language"),
		IsOutput:      isOutput,
		IsSuperAdmin:  identity.IsSuperAdmin,
	})
	if err != nil {
		s.log.Error(identity.TenantID, "", "dify moderation failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}

	resp := difyModerationResponse{Flagged: false}
	switch verdict.SuggestAction {
	case types.ActionReject, types.ActionReplace:
		resp.Flagged = true
		resp.Action = "direct_output"
		resp.PresetResponse = verdict.SuggestAnswer
	case types.ActionAnonymized:
		resp.Flagged = true
		resp.Action = "overridden"
		if isOutput {
			resp.Text = verdict.Data.AnonymizedText
		} else {
			resp.Inputs = req.Params.Inputs
			resp.Query = verdict.Data.AnonymizedText
		}
	}
	detectionRequests.WithLabelValues("dify_moderation", string(verdict.SuggestAction)).Inc()
	writeJSON(w, http.StatusOK, resp)
}

// recordResult enqueues the request log record for the async importer.
func (s *Service) recordResult(identity *auth.Identity, msgs []Message, v *Verdict) {
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

func newRequestID() string {
	return uuid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
