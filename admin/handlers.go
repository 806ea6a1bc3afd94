// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"openguard/platform/auth"
	"openguard/platform/common/httperr"
	"openguard/platform/detection"
	"openguard/platform/logpipe"
	"openguard/platform/proxy"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

// Service is the admin HTTP surface.
type Service struct {
	store      *store.Store
	authn      *auth.Authenticator
	kb         *detection.KnowledgeSearcher
	genai      *detection.GuardrailsClient
	importer   *logpipe.Importer
	cipher     *proxy.KeyCipher
	deployment types.DeploymentConfig
	dataDir    string
	log        *logger.Logger
}

// NewService wires the admin handlers. kb, genai, and importer may be nil;
// the corresponding endpoints then respond 503.
func NewService(st *store.Store, authn *auth.Authenticator, kb *detection.KnowledgeSearcher,
	genai *detection.GuardrailsClient, importer *logpipe.Importer, cipher *proxy.KeyCipher,
	deployment types.DeploymentConfig, dataDir string, log *logger.Logger) *Service {
	return &Service{
		store:      st,
		authn:      authn,
		kb:         kb,
		genai:      genai,
		importer:   importer,
		cipher:     cipher,
		deployment: deployment,
		dataDir:    dataDir,
		log:        log,
	}
}

// requireIdentity loads the identity or writes a 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) *auth.Identity {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
	}
	return identity
}

// ownedApplication verifies the application in the path belongs to the
// caller's tenant. Super-admins may touch any application.
func (s *Service) ownedApplication(w http.ResponseWriter, r *http.Request, identity *auth.Identity) *store.Application {
	appID := mux.Vars(r)["id"]
	app, err := s.store.Applications.GetByID(r.Context(), appID)
	if errors.Is(err, store.ErrApplicationNotFound) {
		httperr.NotFound(w, "application not found")
		return nil
	}
	if err != nil {
		httperr.Internal(w)
		return nil
	}
	if app.TenantID != identity.TenantID && !identity.IsSuperAdmin {
		httperr.NotFound(w, "application not found")
		return nil
	}
	return app
}

// --- applications ---

func (s *Service) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	apps, err := s.store.Applications.ListByTenant(r.Context(), identity.TenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Service) HandleCreateApplication(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	var req struct {
		Name       string `json:"name"`
		ExternalID string `json:"external_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		httperr.BadRequest(w, "name is required")
		return
	}
	app, err := s.store.CreateApplicationWithDefaults(r.Context(), identity.TenantID, req.Name, req.ExternalID)
	if err != nil {
		s.log.Error(identity.TenantID, "", "application creation failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Service) HandleGetApplication(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if app := s.ownedApplication(w, r, identity); app != nil {
		writeJSON(w, http.StatusOK, app)
	}
}

func (s *Service) HandleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var req struct {
		Name   *string `json:"name,omitempty"`
		Active *bool   `json:"active,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Name != nil {
		if err := s.store.Applications.Rename(r.Context(), app.ID, *req.Name); err != nil {
			httperr.Internal(w)
			return
		}
	}
	if req.Active != nil {
		if err := s.store.Applications.SetActive(r.Context(), app.ID, *req.Active); err != nil {
			httperr.Internal(w)
			return
		}
	}
	updated, err := s.store.Applications.GetByID(r.Context(), app.ID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Service) HandleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	if err := s.store.Applications.Delete(r.Context(), app.ID); err != nil {
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- scanners ---

type effectiveScannerView struct {
	store.Scanner
	IsEnabled    bool             `json:"is_enabled"`
	RiskOverride *types.RiskLevel `json:"risk_level_override,omitempty"`
}

func (s *Service) HandleListScanners(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	scanners, err := s.store.Scanners.EffectiveSet(r.Context(), identity.TenantID, app.ID, identity.IsSuperAdmin)
	if err != nil {
		httperr.Internal(w)
		return
	}
	configs, err := s.store.Scanners.GetConfigs(r.Context(), app.ID)
	if err != nil {
		httperr.Internal(w)
		return
	}

	out := make([]effectiveScannerView, 0, len(scanners))
	for _, sc := range scanners {
		view := effectiveScannerView{Scanner: sc, IsEnabled: true}
		if c, ok := configs[sc.ID]; ok {
			view.IsEnabled = c.IsEnabled
			view.RiskOverride = c.RiskLevel
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) HandleUpsertScannerConfig(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var cfg store.ApplicationScannerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if cfg.RiskLevel != nil && !cfg.RiskLevel.IsValid() {
		httperr.BadRequest(w, "invalid risk_level")
		return
	}
	cfg.ApplicationID = app.ID
	cfg.ScannerID = mux.Vars(r)["scanner_id"]
	if err := s.store.Scanners.UpsertConfig(r.Context(), &cfg); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) HandleCreateCustomScanner(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var sc store.Scanner
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(sc.Name) == "" || strings.TrimSpace(sc.Definition) == "" {
		httperr.BadRequest(w, "name and definition are required")
		return
	}
	switch sc.Type {
	case types.ScannerGenAI, types.ScannerRegex, types.ScannerKeyword:
	default:
		httperr.BadRequest(w, "type must be genai, regex, or keyword")
		return
	}
	if !sc.RiskLevel.IsValid() {
		sc.RiskLevel = types.RiskMedium
	}

	tag, err := s.store.Scanners.NextCustomTag(r.Context())
	if err != nil {
		httperr.Internal(w)
		return
	}
	sc.Tag = tag
	if err := s.store.Scanners.CreateCustom(r.Context(), app.ID, &sc); err != nil {
		s.log.Error(identity.TenantID, "", "custom scanner creation failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Service) HandleUpdateScanner(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	scannerID := mux.Vars(r)["scanner_id"]
	existing, err := s.store.Scanners.GetByID(r.Context(), scannerID)
	if errors.Is(err, store.ErrScannerNotFound) {
		httperr.NotFound(w, "scanner not found")
		return
	}
	if err != nil {
		httperr.Internal(w)
		return
	}
	// built-in scanners are immutable except for super-admins
	if existing.PackageID != nil && !identity.IsSuperAdmin {
		httperr.Forbidden(w, "built-in scanners cannot be edited")
		return
	}

	var sc store.Scanner
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	sc.ID = scannerID
	if err := s.store.Scanners.Update(r.Context(), &sc); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Service) HandleDeleteScanner(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	scannerID := mux.Vars(r)["scanner_id"]
	existing, err := s.store.Scanners.GetByID(r.Context(), scannerID)
	if errors.Is(err, store.ErrScannerNotFound) {
		httperr.NotFound(w, "scanner not found")
		return
	}
	if err != nil {
		httperr.Internal(w)
		return
	}
	if existing.PackageID != nil && !identity.IsSuperAdmin {
		httperr.Forbidden(w, "built-in scanners cannot be deleted")
		return
	}
	if err := s.store.Scanners.SoftDelete(r.Context(), scannerID); err != nil {
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- scanner packages and purchases ---

func (s *Service) HandleListPackages(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}
	if !s.deployment.EnableMarketplace {
		httperr.Write(w, http.StatusServiceUnavailable, httperr.TypeUnavailable,
			"marketplace is disabled in this deployment")
		return
	}
	pkgs, err := s.store.Scanners.ListPackages(r.Context())
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Service) HandlePurchasePackage(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !s.deployment.EnableMarketplace {
		httperr.Write(w, http.StatusServiceUnavailable, httperr.TypeUnavailable,
			"marketplace is disabled in this deployment")
		return
	}
	purchase, err := s.store.Scanners.Purchase(r.Context(), identity.TenantID, mux.Vars(r)["package_id"])
	if errors.Is(err, store.ErrPurchaseExists) {
		httperr.Conflict(w, "package already purchased")
		return
	}
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, purchase)
}

// HandleUpsertPackage is POST /api/v1/packages (super-admin): publishes or
// refreshes a purchasable scanner package.
func (s *Service) HandleUpsertPackage(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.IsSuperAdmin {
		httperr.Forbidden(w, "super-admin required")
		return
	}
	var req struct {
		store.ScannerPackage
		Scanners []store.Scanner `json:"scanners"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Code == "" || len(req.Scanners) == 0 {
		httperr.BadRequest(w, "code and scanners are required")
		return
	}
	if req.Type == "" {
		req.Type = store.PackagePurchasable
	}
	if err := s.store.Scanners.UpsertPackage(r.Context(), &req.ScannerPackage, req.Scanners); err != nil {
		s.log.Error(identity.TenantID, "", "package upsert failed",
			map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, req.ScannerPackage)
}

func (s *Service) HandleListPurchases(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	purchases, err := s.store.Scanners.ListPurchases(r.Context(), identity.TenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, purchases)
}

func (s *Service) HandleReviewPurchase(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.IsSuperAdmin {
		httperr.Forbidden(w, "super-admin required")
		return
	}
	var req struct {
		Status store.PurchaseStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	switch req.Status {
	case store.PurchaseApproved, store.PurchaseRejected:
	default:
		httperr.BadRequest(w, "status must be approved or rejected")
		return
	}
	if err := s.store.Scanners.SetPurchaseStatus(r.Context(), mux.Vars(r)["purchase_id"], req.Status); err != nil {
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- keyword lists ---

func (s *Service) HandleListKeywordLists(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var whitelist *bool
	if v := r.URL.Query().Get("whitelist"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httperr.BadRequest(w, "whitelist must be a boolean")
			return
		}
		whitelist = &b
	}
	lists, err := s.store.Lists.ListByApplication(r.Context(), app.ID, whitelist)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Service) HandleCreateKeywordList(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var l store.KeywordList
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(l.Name) == "" || len(l.Keywords) == 0 {
		httperr.BadRequest(w, "name and keywords are required")
		return
	}
	l.ApplicationID = app.ID
	l.Active = true
	if err := s.store.Lists.Create(r.Context(), &l); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Service) HandleUpdateKeywordList(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var l store.KeywordList
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	l.ID = mux.Vars(r)["list_id"]
	l.ApplicationID = app.ID
	if err := s.store.Lists.Update(r.Context(), &l); err != nil {
		if errors.Is(err, store.ErrListNotFound) {
			httperr.NotFound(w, "keyword list not found")
			return
		}
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Service) HandleDeleteKeywordList(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if app := s.ownedApplication(w, r, identity); app == nil {
		return
	}
	if err := s.store.Lists.Delete(r.Context(), mux.Vars(r)["list_id"]); err != nil {
		if errors.Is(err, store.ErrListNotFound) {
			httperr.NotFound(w, "keyword list not found")
			return
		}
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- response templates ---

func (s *Service) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	templates, err := s.store.Templates.ListByApplication(r.Context(), app.ID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Service) HandleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var t store.ResponseTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if t.ScannerType != store.TemplateForScanner && t.ScannerType != store.TemplateForBlacklist {
		httperr.BadRequest(w, "scanner_type must be scanner or blacklist")
		return
	}
	if t.ScannerIdentifier == "" || len(t.Content) == 0 {
		httperr.BadRequest(w, "scanner_identifier and content are required")
		return
	}
	t.ApplicationID = app.ID
	if err := s.store.Templates.Upsert(r.Context(), &t); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Service) HandleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if app := s.ownedApplication(w, r, identity); app == nil {
		return
	}
	if err := s.store.Templates.Delete(r.Context(), mux.Vars(r)["template_id"]); err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			httperr.NotFound(w, "template not found")
			return
		}
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- risk config and policies ---

func (s *Service) HandleGetRiskConfig(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	cfg, err := s.store.Policies.GetRiskConfig(r.Context(), app.ID)
	if errors.Is(err, store.ErrPolicyNotFound) {
		cfg = &store.RiskTypeConfig{
			ApplicationID:           app.ID,
			LowThreshold:            store.DefaultLowThreshold,
			MediumThreshold:         store.DefaultMediumThreshold,
			HighThreshold:           store.DefaultHighThreshold,
			SensitivityTriggerLevel: store.DefaultSensitivityTriggerLevel,
		}
	} else if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) HandleUpdateRiskConfig(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var cfg store.RiskTypeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	cfg.ApplicationID = app.ID
	if err := s.store.Policies.UpsertRiskConfig(r.Context(), &cfg); err != nil {
		if strings.Contains(err.Error(), "high < medium < low") {
			httperr.BadRequest(w, err.Error())
			return
		}
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) HandleGetDataLeakagePolicy(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	matrix, err := s.store.Policies.EffectiveDataLeakagePolicy(r.Context(), identity.TenantID, app.ID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, matrix)
}

// validDisposal checks one matrix cell against the allowed action set.
func validDisposal(a *types.DisposalAction, allowed ...types.DisposalAction) bool {
	if a == nil {
		return true
	}
	for _, v := range allowed {
		if *a == v {
			return true
		}
	}
	return false
}

func (s *Service) HandleUpdateDataLeakagePolicy(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var p store.DataLeakagePolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	allowed := []types.DisposalAction{
		types.DisposalBlock, types.DisposalSwitchModel, types.DisposalAnonymize, types.DisposalPass,
	}
	for _, cell := range []*types.DisposalAction{
		p.InputHighAction, p.InputMediumAction, p.InputLowAction,
		p.OutputHighAction, p.OutputMediumAction, p.OutputLowAction,
	} {
		if !validDisposal(cell, allowed...) {
			httperr.BadRequest(w, "actions must be block, switch_private_model, anonymize, or pass")
			return
		}
	}
	p.TenantID = identity.TenantID
	p.ApplicationID = &app.ID
	if err := s.store.Policies.UpdateDataLeakagePolicy(r.Context(), &p); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) HandleGetGatewayPolicy(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	matrix, err := s.store.Policies.EffectiveGatewayPolicy(r.Context(), identity.TenantID, app.ID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, matrix)
}

func (s *Service) HandleUpdateGatewayPolicy(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	var p store.GatewayPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	allowed := []types.DisposalAction{types.DisposalBlock, types.DisposalReplace, types.DisposalPass}
	for _, cell := range []*types.DisposalAction{
		p.InputHighAction, p.InputMediumAction, p.InputLowAction,
		p.OutputHighAction, p.OutputMediumAction, p.OutputLowAction,
	} {
		if !validDisposal(cell, allowed...) {
			httperr.BadRequest(w, "actions must be block, replace, or pass")
			return
		}
	}
	p.TenantID = identity.TenantID
	p.ApplicationID = &app.ID
	if err := s.store.Policies.UpdateGatewayPolicy(r.Context(), &p); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- upstream configs and model routes ---

func (s *Service) HandleListUpstreams(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	upstreams, err := s.store.Policies.ListUpstreams(r.Context(), identity.TenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, upstreams)
}

type upstreamRequest struct {
	store.UpstreamAPIConfig
	APIKey string `json:"api_key,omitempty"`
}

func (s *Service) HandleCreateUpstream(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	var req upstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ConfigName) == "" || strings.TrimSpace(req.BaseURL) == "" {
		httperr.BadRequest(w, "config_name and base_url are required")
		return
	}
	u := req.UpstreamAPIConfig
	u.TenantID = identity.TenantID
	var err error
	u.APIKeyEncrypted, err = s.encryptKey(req.APIKey)
	if err != nil {
		httperr.Internal(w)
		return
	}
	if err := s.store.Policies.CreateUpstream(r.Context(), &u); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Service) HandleUpdateUpstream(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	var req upstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	u := req.UpstreamAPIConfig
	u.ID = mux.Vars(r)["upstream_id"]
	u.TenantID = identity.TenantID
	if req.APIKey != "" {
		var err error
		u.APIKeyEncrypted, err = s.encryptKey(req.APIKey)
		if err != nil {
			httperr.Internal(w)
			return
		}
	} else {
		// no key in the payload keeps the stored one
		existing, err := s.store.Policies.GetUpstream(r.Context(), u.ID)
		if errors.Is(err, store.ErrUpstreamNotFound) {
			httperr.NotFound(w, "upstream config not found")
			return
		}
		if err != nil {
			httperr.Internal(w)
			return
		}
		u.APIKeyEncrypted = existing.APIKeyEncrypted
	}
	if err := s.store.Policies.UpdateUpstream(r.Context(), &u); err != nil {
		if errors.Is(err, store.ErrUpstreamNotFound) {
			httperr.NotFound(w, "upstream config not found")
			return
		}
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Service) HandleDeleteUpstream(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}
	if err := s.store.Policies.DeleteUpstream(r.Context(), mux.Vars(r)["upstream_id"]); err != nil {
		if errors.Is(err, store.ErrUpstreamNotFound) {
			httperr.NotFound(w, "upstream config not found")
			return
		}
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) HandleListRoutes(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	routes, err := s.store.Policies.ListRoutes(r.Context(), identity.TenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Service) HandleCreateRoute(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	var route store.ModelRoute
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if route.ModelPattern == "" || route.UpstreamAPIConfigID == "" {
		httperr.BadRequest(w, "model_pattern and upstream_api_config_id are required")
		return
	}
	if route.MatchType != store.MatchExact && route.MatchType != store.MatchPrefix {
		httperr.BadRequest(w, "match_type must be exact or prefix")
		return
	}
	route.TenantID = identity.TenantID
	route.Active = true
	if err := s.store.Policies.CreateRoute(r.Context(), &route); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

func (s *Service) HandleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}
	if err := s.store.Policies.DeleteRoute(r.Context(), mux.Vars(r)["route_id"]); err != nil {
		if errors.Is(err, store.ErrRouteNotFound) {
			httperr.NotFound(w, "model route not found")
			return
		}
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- knowledge bases ---

func (s *Service) HandleListKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	kbs, err := s.store.KnowledgeBase.ListByApplication(r.Context(), app.ID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, kbs)
}

// HandleCreateKnowledgeBase accepts the Q&A source as JSONL lines in the
// body, embeds every question, and persists the sidecar index.
func (s *Service) HandleCreateKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	if s.kb == nil {
		httperr.Write(w, http.StatusServiceUnavailable, httperr.TypeUnavailable,
			"no embedding model configured")
		return
	}
	var req struct {
		Name                string  `json:"name"`
		ScannerTag          string  `json:"scanner_tag"`
		SimilarityThreshold float64 `json:"similarity_threshold"`
		IsGlobal            bool    `json:"is_global"`
		SourcePath          string  `json:"source_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" || req.SourcePath == "" {
		httperr.BadRequest(w, "name and source_path are required")
		return
	}
	if req.SimilarityThreshold <= 0 || req.SimilarityThreshold > 1 {
		req.SimilarityThreshold = 0.7
	}

	kb := &store.KnowledgeBase{
		ID:                  uuid.New().String(),
		ApplicationID:       app.ID,
		Name:                req.Name,
		ScannerTag:          req.ScannerTag,
		SimilarityThreshold: req.SimilarityThreshold,
		IsGlobal:            req.IsGlobal,
		Active:              true,
	}
	kb.VectorFilePath = filepath.Join(s.dataDir, "kb", kb.ID+".index.json")

	pairs, err := s.kb.BuildIndex(r.Context(), req.SourcePath, kb.VectorFilePath)
	if err != nil {
		s.log.Error(identity.TenantID, "", "kb indexing failed",
			map[string]interface{}{"error": err.Error()})
		httperr.BadRequest(w, "failed to index knowledge base: "+err.Error())
		return
	}
	kb.TotalPairs = pairs

	if err := s.store.KnowledgeBase.Create(r.Context(), kb); err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

func (s *Service) HandleDeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	if identity := requireIdentity(w, r); identity == nil {
		return
	}
	if err := s.store.KnowledgeBase.Delete(r.Context(), mux.Vars(r)["kb_id"]); err != nil {
		if errors.Is(err, store.ErrKnowledgeBaseNotFound) {
			httperr.NotFound(w, "knowledge base not found")
			return
		}
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- detection results ---

func (s *Service) HandleListResults(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	q := store.ResultQuery{
		TenantID: identity.TenantID,
		Limit:    100,
	}
	params := r.URL.Query()
	q.ApplicationID = params.Get("application_id")
	q.RiskOnly = params.Get("risk_only") == "true"
	if v := params.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			q.Limit = n
		}
	}
	if v := params.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			q.Offset = n
		}
	}
	if v := params.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = ts
		}
	}
	if v := params.Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.Until = ts
		}
	}

	results, err := s.store.Results.List(r.Context(), q)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Service) HandleResultStats(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	app := s.ownedApplication(w, r, identity)
	if app == nil {
		return
	}
	since := time.Now().AddDate(0, 0, -30)
	if v := r.URL.Query().Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			since = ts
		}
	}
	counts, err := s.store.Results.CountByAction(r.Context(), app.ID, since)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"since": since, "by_action": counts})
}

// --- usage and tenant settings ---

func (s *Service) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !s.deployment.EnableBilling {
		httperr.Write(w, http.StatusServiceUnavailable, httperr.TypeUnavailable,
			"billing is disabled in this deployment")
		return
	}
	sub, err := s.store.Tenants.GetSubscription(r.Context(), identity.TenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Service) HandleModelUsage(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	since := time.Now().AddDate(0, -1, 0)
	usage, err := s.store.Usage.ListByTenant(r.Context(), identity.TenantID, since)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Service) HandleEnableModelAccess(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	key, err := s.store.Tenants.EnableModelAccess(r.Context(), identity.TenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"model_api_key": key})
}

func (s *Service) HandleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.IsSuperAdmin {
		httperr.Forbidden(w, "super-admin required")
		return
	}
	var req struct {
		RPS int `json:"requests_per_second"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RPS < 0 {
		httperr.BadRequest(w, "requests_per_second must be >= 0")
		return
	}
	if err := s.store.Tenants.SetRateLimit(r.Context(), mux.Vars(r)["tenant_id"], req.RPS); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			httperr.NotFound(w, "tenant not found")
			return
		}
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSwitchTenant is POST /api/v1/tenants/{tenant_id}/switch (super-admin):
// it mints the X-Switch-Session token that scopes subsequent requests to the
// named tenant's view.
func (s *Service) HandleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.IsSuperAdmin {
		httperr.Forbidden(w, "super-admin required")
		return
	}
	tenantID := mux.Vars(r)["tenant_id"]
	if _, err := s.store.Tenants.GetByID(r.Context(), tenantID); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			httperr.NotFound(w, "tenant not found")
			return
		}
		httperr.Internal(w)
		return
	}
	token, err := s.authn.IssueSwitchToken(tenantID)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"switch_session": token})
}

// --- log pipeline ---

// HandleForceSync is POST /api/v1/logs/force-sync {start_date, end_date}: it
// clears importer offsets so the selected days are re-imported from line 0.
func (s *Service) HandleForceSync(w http.ResponseWriter, r *http.Request) {
	identity := requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.IsSuperAdmin {
		httperr.Forbidden(w, "super-admin required")
		return
	}
	if s.importer == nil {
		httperr.Write(w, http.StatusServiceUnavailable, httperr.TypeUnavailable,
			"log importer is not running in this process")
		return
	}
	var req struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		httperr.BadRequest(w, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		httperr.BadRequest(w, "end_date must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		httperr.BadRequest(w, "end_date must not precede start_date")
		return
	}
	if err := s.importer.ForceSync(start, end); err != nil {
		httperr.Internal(w)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) encryptKey(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return s.cipher.Encrypt(plaintext)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
