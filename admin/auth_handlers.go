// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package admin implements the management API: registration and login,
// application and scanner administration, policy configuration, detection
// result browsing, and the appeal flow.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"openguard/platform/auth"
	"openguard/platform/common/httperr"
	"openguard/platform/store"
)

const minPasswordLength = 8

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token  string        `json:"access_token"`
	Type   string        `json:"token_type"`
	Tenant *store.Tenant `json:"tenant"`
}

// HandleRegister is POST /auth/register. A fresh tenant gets an API key, a
// free subscription, and a default application.
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		httperr.BadRequest(w, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		httperr.BadRequest(w, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		httperr.Internal(w)
		return
	}

	tenant, err := s.store.Tenants.Create(r.Context(), req.Email, string(hash))
	if errors.Is(err, store.ErrDuplicateEmail) {
		httperr.Conflict(w, "email already registered")
		return
	}
	if err != nil {
		s.log.Error("", "", "tenant registration failed", map[string]interface{}{"error": err.Error()})
		httperr.Internal(w)
		return
	}

	if _, err := s.store.CreateApplicationWithDefaults(r.Context(), tenant.ID, "default", ""); err != nil {
		s.log.Error(tenant.ID, "", "default application setup failed",
			map[string]interface{}{"error": err.Error()})
	}

	token, err := s.authn.IssueToken(tenant)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, Type: "bearer", Tenant: tenant})
}

// HandleLogin is POST /auth/login.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}

	tenant, err := s.store.Tenants.GetByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		// same response as a wrong password, no account enumeration
		httperr.Unauthorized(w, "invalid email or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(tenant.PasswordHash), []byte(req.Password)); err != nil {
		httperr.Unauthorized(w, "invalid email or password")
		return
	}
	if !tenant.Active {
		httperr.Forbidden(w, "account is disabled")
		return
	}

	token, err := s.authn.IssueToken(tenant)
	if err != nil {
		httperr.Internal(w)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, Type: "bearer", Tenant: tenant})
}

// HandleMe is GET /auth/me.
func (s *Service) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httperr.Unauthorized(w, "missing credentials")
		return
	}
	tenant, err := s.store.Tenants.GetByID(r.Context(), identity.TenantID)
	if err != nil {
		httperr.NotFound(w, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}
