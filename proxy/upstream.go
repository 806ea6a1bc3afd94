// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"openguard/platform/store"
)

// Upstream is a resolved outbound target: the config row plus the decrypted
// API key.
type Upstream struct {
	Config *store.UpstreamAPIConfig
	APIKey string
}

// UpstreamResolver turns (tenant, application, model) into a concrete
// upstream via the model routing table, decrypting the stored key.
type UpstreamResolver struct {
	store  *store.Store
	cipher *KeyCipher
}

// NewUpstreamResolver builds the resolver.
func NewUpstreamResolver(st *store.Store, cipher *KeyCipher) *UpstreamResolver {
	return &UpstreamResolver{store: st, cipher: cipher}
}

// Resolve picks the upstream for a model request.
func (r *UpstreamResolver) Resolve(ctx context.Context, tenantID, applicationID, model string) (*Upstream, error) {
	cfg, err := r.store.Policies.ResolveRoute(ctx, tenantID, applicationID, model)
	if err != nil {
		return nil, err
	}
	return r.withKey(cfg)
}

// PrivateModel returns the tenant's default data-safe upstream for the
// switch_private_model disposition.
func (r *UpstreamResolver) PrivateModel(ctx context.Context, tenantID string) (*Upstream, error) {
	cfg, err := r.store.Policies.DefaultPrivateModelUpstream(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return r.withKey(cfg)
}

func (r *UpstreamResolver) withKey(cfg *store.UpstreamAPIConfig) (*Upstream, error) {
	key, err := r.cipher.Decrypt(cfg.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", cfg.ConfigName, err)
	}
	return &Upstream{Config: cfg, APIKey: key}, nil
}

// forwardClient is the HTTP client used for upstream calls: connect 5 s,
// total 120 s to allow for long completions.
var forwardClient = &http.Client{
	Timeout: 120 * time.Second,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	},
}

// Forward sends the body to the upstream's endpoint and returns the raw
// response. The caller owns resp.Body.
func (u *Upstream) Forward(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(u.Config.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.APIKey)
	}
	resp, err := forwardClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}
	return resp, nil
}

// Get issues a GET against the upstream, used for /models.
func (u *Upstream) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(u.Config.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	if u.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.APIKey)
	}
	resp, err := forwardClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}
	return resp, nil
}

// readJSON decodes an upstream response body with a size cap.
func readJSON(body io.Reader, v interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(body, 32*1024*1024))
	if err != nil {
		return fmt.Errorf("failed to read upstream response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}
