// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"openguard/platform/common/httperr"
	"openguard/platform/store"
)

// appealPage is the public page shown to an end user whose request was
// blocked. It is deliberately unauthenticated: the request id in the blocked
// answer is the only capability needed to appeal.
var appealPage = template.Must(template.New("appeal").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
.card { border: 1px solid #ddd; border-radius: 8px; padding: 1.5rem; }
.muted { color: #777; font-size: 0.85rem; }
button { background: #2b6cb0; color: #fff; border: 0; border-radius: 6px; padding: 0.6rem 1.4rem; cursor: pointer; }
.status { margin-top: 1rem; font-weight: bold; }
</style>
</head>
<body>
<div class="card">
<h2>{{.Title}}</h2>
<p>{{.Body}}</p>
<p class="muted">{{.RequestLabel}}: {{.RequestID}} · {{.TimeLabel}}: {{.CreatedAt}}</p>
{{if .AppealStatus}}
<p class="status">{{.StatusLabel}}: {{.AppealStatus}}</p>
{{else}}
<form method="POST">
<button type="submit">{{.ButtonLabel}}</button>
</form>
{{end}}
</div>
</body>
</html>
`))

type appealPageData struct {
	Lang         string
	Title        string
	Body         string
	RequestLabel string
	TimeLabel    string
	StatusLabel  string
	ButtonLabel  string
	RequestID    string
	CreatedAt    string
	AppealStatus string
}

func appealStrings(lang string) appealPageData {
	if strings.HasPrefix(strings.ToLower(lang), "zh") {
		return appealPageData{
			Lang:         "zh",
			Title:        "内容被拦截",
			Body:         "您的请求因触发安全策略被拦截。如果您认为这是误判，可以提交申诉,系统将重新审核。",
			RequestLabel: "请求编号",
			TimeLabel:    "时间",
			StatusLabel:  "申诉状态",
			ButtonLabel:  "提交申诉",
		}
	}
	return appealPageData{
		Lang:         "en",
		Title:        "Content blocked",
		Body:         "Your request was blocked by a safety policy. If you believe this was a mistake, submit an appeal and it will be re-reviewed.",
		RequestLabel: "Request ID",
		TimeLabel:    "Time",
		StatusLabel:  "Appeal status",
		ButtonLabel:  "Submit appeal",
	}
}

// HandleAppealPage is GET /v1/appeal/{request_id}?lang=.
func (s *Service) HandleAppealPage(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	result, err := s.store.Results.GetByRequestID(r.Context(), requestID)
	if errors.Is(err, store.ErrResultNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httperr.Internal(w)
		return
	}

	data := appealStrings(r.URL.Query().Get("lang"))
	data.RequestID = result.RequestID
	data.CreatedAt = result.CreatedAt.Format(time.RFC3339)
	if appeals, err := s.store.Results.ListAppealsByRequest(r.Context(), requestID); err == nil && len(appeals) > 0 {
		data.AppealStatus = string(appeals[0].Status)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := appealPage.Execute(w, data); err != nil {
		s.log.Error(result.TenantID, requestID, "appeal page render failed",
			map[string]interface{}{"error": err.Error()})
	}
}

// HandleSubmitAppeal is POST /v1/appeal/{request_id}. The AI re-review runs
// in the background so the page responds immediately.
func (s *Service) HandleSubmitAppeal(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	result, err := s.store.Results.GetByRequestID(r.Context(), requestID)
	if errors.Is(err, store.ErrResultNotFound) {
		httperr.NotFound(w, "request not found")
		return
	}
	if err != nil {
		httperr.Internal(w)
		return
	}

	appeal, err := s.store.Results.CreateAppeal(r.Context(), requestID)
	if err != nil {
		httperr.Internal(w)
		return
	}

	if s.genai != nil {
		go s.aiReviewAppeal(appeal.ID, result)
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusCreated, appeal)
		return
	}
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// aiReviewAppeal records the safety model's second opinion on the appeal.
// Human review still makes the final call.
func (s *Service) aiReviewAppeal(appealID string, result *store.DetectionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	verdict := fmt.Sprintf("action=%s security=%s compliance=%s data=%s categories=%s",
		result.SuggestAction, result.SecurityRiskLevel, result.ComplianceRiskLevel,
		result.DataRiskLevel, strings.Join(append(append(result.SecurityCategories,
			result.ComplianceCategories...), result.DataCategories...), ","))

	review, err := s.genai.Review(ctx, result.Content, verdict)
	if err != nil {
		s.log.Error(result.TenantID, result.RequestID, "ai appeal review failed",
			map[string]interface{}{"error": err.Error()})
		return
	}
	if err := s.store.Results.UpdateAppeal(ctx, appealID, store.AppealAIReviewed, review, "ai"); err != nil {
		s.log.Error(result.TenantID, result.RequestID, "appeal update failed",
			map[string]interface{}{"error": err.Error()})
	}
}

// HandleListAppeals is GET /api/v1/appeals?status=&limit= (super-admin).
func (s *Service) HandleListAppeals(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.IsSuperAdmin {
		httperr.Forbidden(w, "super-admin required")
		return
	}
	status := store.AppealStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.AppealAIReviewed
	}
	appeals, err := s.store.Results.ListAppeals(r.Context(), status, 200)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, appeals)
}

// HandleReviewAppeal is POST /api/v1/appeals/{appeal_id}/review (super-admin):
// the human decision that upholds or overturns the block.
func (s *Service) HandleReviewAppeal(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.IsSuperAdmin {
		httperr.Forbidden(w, "super-admin required")
		return
	}
	var req struct {
		Status  store.AppealStatus `json:"status"`
		Verdict string             `json:"verdict,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Status != store.AppealUpheld && req.Status != store.AppealOverturned {
		httperr.BadRequest(w, "status must be upheld or overturned")
		return
	}
	err := s.store.Results.UpdateAppeal(r.Context(), mux.Vars(r)["appeal_id"], req.Status, req.Verdict, identity.TenantID)
	if errors.Is(err, store.ErrResultNotFound) {
		httperr.NotFound(w, "appeal not found")
		return
	}
	if err != nil {
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
