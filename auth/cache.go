// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// identityCache memoizes resolved credentials for a fixed TTL. Keys are
// hashed so raw API keys and JWTs never sit in memory as map keys.
type identityCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedIdentity
}

type cachedIdentity struct {
	identity  *Identity
	expiresAt time.Time
}

func newIdentityCache(ttl time.Duration) *identityCache {
	return &identityCache{
		ttl:     ttl,
		entries: make(map[string]cachedIdentity),
	}
}

func hashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (c *identityCache) get(raw string) (*Identity, bool) {
	key := hashCredential(raw)
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.identity, true
}

func (c *identityCache) put(raw string, id *Identity) {
	key := hashCredential(raw)
	c.mu.Lock()
	defer c.mu.Unlock()

	// opportunistic sweep keeps the map from growing unbounded
	if len(c.entries) > 10000 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cachedIdentity{identity: id, expiresAt: time.Now().Add(c.ttl)}
}

func (c *identityCache) drop(raw string) {
	key := hashCredential(raw)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
