// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"openguard/platform/store"
)

// ttlEntry is one cached value with its expiry.
type ttlEntry struct {
	value     interface{}
	expiresAt time.Time
}

// loaderCache is a read-through TTL cache keyed by application ID. A single
// mutex serializes refreshes so a cold key is loaded once, not once per
// concurrent caller.
type loaderCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ttlEntry
	loader  func(ctx context.Context, key string) (interface{}, error)
}

func newLoaderCache(ttl time.Duration, loader func(ctx context.Context, key string) (interface{}, error)) *loaderCache {
	return &loaderCache{
		ttl:     ttl,
		entries: make(map[string]ttlEntry),
		loader:  loader,
	}
}

func (c *loaderCache) get(ctx context.Context, key string) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err := c.loader(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = ttlEntry{value: v, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

func (c *loaderCache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// KeywordLists is the cached shape of an application's lists: name -> set of
// lower-cased keywords.
type KeywordLists struct {
	Whitelists map[string][]string
	Blacklists map[string][]string
}

// ConfigCache bundles the keyword, template, and risk-config caches the
// detection path reads on every request. TTLs follow the refresh windows the
// admin UI tolerates: 300s for keywords and risk config, 600s for templates.
type ConfigCache struct {
	store     *store.Store
	keywords  *loaderCache
	templates *loaderCache
	risk      *loaderCache
	scanners  *loaderCache
}

// NewConfigCache builds the caches over the store.
func NewConfigCache(st *store.Store) *ConfigCache {
	c := &ConfigCache{store: st}
	c.keywords = newLoaderCache(300*time.Second, c.loadKeywords)
	c.templates = newLoaderCache(600*time.Second, c.loadTemplates)
	c.risk = newLoaderCache(300*time.Second, c.loadRiskConfig)
	c.scanners = newLoaderCache(300*time.Second, c.loadScanners)
	return c
}

// Keywords returns the application's enabled lists.
func (c *ConfigCache) Keywords(ctx context.Context, appID string) (*KeywordLists, error) {
	v, err := c.keywords.get(ctx, appID)
	if err != nil {
		return nil, err
	}
	return v.(*KeywordLists), nil
}

// Templates returns the application's canned answers keyed by
// (scanner_type, identifier).
func (c *ConfigCache) Templates(ctx context.Context, appID string) (map[string]map[string]string, error) {
	v, err := c.templates.get(ctx, appID)
	if err != nil {
		return nil, err
	}
	return v.(map[string]map[string]string), nil
}

// RiskConfig returns the application's thresholds and category toggles.
func (c *ConfigCache) RiskConfig(ctx context.Context, appID string) (*store.RiskTypeConfig, error) {
	v, err := c.risk.get(ctx, appID)
	if err != nil {
		return nil, err
	}
	return v.(*store.RiskTypeConfig), nil
}

// scannerSet is the cached effective scanner list plus override rows.
type scannerSet struct {
	scanners []EffectiveScanner
}

// Scanners returns the application's effective scanner set with overrides
// applied. The cache key carries both IDs because the set depends on the
// tenant's purchases; super-admin sets are keyed apart because they span
// every package.
func (c *ConfigCache) Scanners(ctx context.Context, tenantID, appID string, superAdmin bool) ([]EffectiveScanner, error) {
	v, err := c.scanners.get(ctx, scannerCacheKey(tenantID, appID, superAdmin))
	if err != nil {
		return nil, err
	}
	return v.(*scannerSet).scanners, nil
}

func scannerCacheKey(tenantID, appID string, superAdmin bool) string {
	return tenantID + "/" + appID + "/" + strconv.FormatBool(superAdmin)
}

// Invalidate drops every cached view of one application. Admin CRUD handlers
// call it after writes.
func (c *ConfigCache) Invalidate(appID string) {
	c.keywords.invalidate(appID)
	c.templates.invalidate(appID)
	c.risk.invalidate(appID)
	// scanner keys are tenant-scoped; cheapest correct move is a full drop
	c.scanners.mu.Lock()
	for k := range c.scanners.entries {
		if strings.Contains(k, "/"+appID+"/") {
			delete(c.scanners.entries, k)
		}
	}
	c.scanners.mu.Unlock()
}

// InvalidateTenant drops scanner sets for a tenant after purchases change.
func (c *ConfigCache) InvalidateTenant(tenantID string) {
	c.scanners.mu.Lock()
	for k := range c.scanners.entries {
		if strings.HasPrefix(k, tenantID+"/") {
			delete(c.scanners.entries, k)
		}
	}
	c.scanners.mu.Unlock()
}

func (c *ConfigCache) loadKeywords(ctx context.Context, appID string) (interface{}, error) {
	lists, err := c.store.Lists.ListByApplication(ctx, appID, nil)
	if err != nil {
		return nil, err
	}
	out := &KeywordLists{
		Whitelists: make(map[string][]string),
		Blacklists: make(map[string][]string),
	}
	for _, l := range lists {
		lowered := make([]string, 0, len(l.Keywords))
		for _, kw := range l.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				lowered = append(lowered, kw)
			}
		}
		if l.IsWhitelist {
			out.Whitelists[l.Name] = lowered
		} else {
			out.Blacklists[l.Name] = lowered
		}
	}
	return out, nil
}

func (c *ConfigCache) loadTemplates(ctx context.Context, appID string) (interface{}, error) {
	templates, err := c.store.Templates.ListByApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(templates))
	for _, t := range templates {
		out[t.ScannerType+"/"+t.ScannerIdentifier] = t.Content
	}
	return out, nil
}

func (c *ConfigCache) loadRiskConfig(ctx context.Context, appID string) (interface{}, error) {
	cfg, err := c.store.Policies.GetRiskConfig(ctx, appID)
	if err == store.ErrPolicyNotFound {
		// initialize defaults on read
		cfg = &store.RiskTypeConfig{
			ApplicationID:           appID,
			EnabledCategories:       map[string]bool{},
			LowThreshold:            store.DefaultLowThreshold,
			MediumThreshold:         store.DefaultMediumThreshold,
			HighThreshold:           store.DefaultHighThreshold,
			SensitivityTriggerLevel: store.DefaultSensitivityTriggerLevel,
		}
		if upsertErr := c.store.Policies.UpsertRiskConfig(ctx, cfg); upsertErr != nil {
			return nil, upsertErr
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ConfigCache) loadScanners(ctx context.Context, key string) (interface{}, error) {
	parts := strings.SplitN(key, "/", 3)
	tenantID, appID := parts[0], parts[1]
	superAdmin := parts[2] == "true"

	scanners, err := c.store.Scanners.EffectiveSet(ctx, tenantID, appID, superAdmin)
	if err != nil {
		return nil, err
	}
	configs, err := c.store.Scanners.GetConfigs(ctx, appID)
	if err != nil {
		return nil, err
	}
	return &scannerSet{scanners: applyOverrides(scanners, configs)}, nil
}
