// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"openguard/platform/anonymizer"
	"openguard/platform/shared/types"
)

const (
	sessionTTL        = 10 * time.Minute
	sessionMaxEntries = 100_000
)

// sessionStore keeps restore mappings between a gateway's process-input and
// process-output calls. In-process only: entries expire after sessionTTL and
// the least recently used entry is evicted past sessionMaxEntries.
type sessionStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
}

type sessionEntry struct {
	id        string
	mapping   anonymizer.RestoreMapping
	expiresAt time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Put stores a mapping and returns the opaque session id.
func (s *sessionStore) Put(mapping anonymizer.RestoreMapping) string {
	id := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.lru.PushFront(&sessionEntry{
		id:        id,
		mapping:   mapping,
		expiresAt: time.Now().Add(sessionTTL),
	})
	s.entries[id] = elem

	for s.lru.Len() > sessionMaxEntries {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*sessionEntry).id)
	}
	return id
}

// Get returns the mapping for a session, promoting it in the LRU. Expired
// sessions are removed and miss.
func (s *sessionStore) Get(id string) (anonymizer.RestoreMapping, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*sessionEntry)
	if time.Now().After(entry.expiresAt) {
		s.lru.Remove(elem)
		delete(s.entries, id)
		return nil, false
	}
	s.lru.MoveToFront(elem)
	return entry.mapping, true
}

// Len reports the live entry count, expired or not.
func (s *sessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Gateway actions returned to third-party proxies.
const (
	GatewayActionPass        = "pass"
	GatewayActionBlock       = "block"
	GatewayActionReplace     = "replace"
	GatewayActionAnonymize   = "anonymize"
	GatewayActionSwitchModel = "switch_private_model"
	GatewayActionRestore     = "restore"
)

// GatewayInputRequest is the process-input body.
type GatewayInputRequest struct {
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	ClientIP string    `json:"client_ip,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
}

// GatewayInputResponse tells the calling proxy what to do with the request.
type GatewayInputResponse struct {
	Action           string    `json:"action"`
	Messages         []Message `json:"messages,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Replacement      string    `json:"replacement,omitempty"`
	Error            string    `json:"error,omitempty"`
	DetectionResult  *Verdict  `json:"detection_result"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
}

// GatewayOutputRequest is the process-output body. For streaming callers,
// each chunk arrives with its index and the session id from process-input.
type GatewayOutputRequest struct {
	Content     string `json:"content"`
	SessionID   string `json:"session_id,omitempty"`
	IsStreaming bool   `json:"is_streaming"`
	ChunkIndex  int    `json:"chunk_index"`
}

// GatewayOutputResponse tells the caller what to emit.
type GatewayOutputResponse struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
}

// ProcessInput runs input detection for a third-party proxy and translates
// the verdict into a gateway action. Anonymized messages come back with a
// session id the caller passes to ProcessOutput for restoration.
func (s *Service) ProcessInput(ctx context.Context, tenantID, appID, language string, req GatewayInputRequest) (*GatewayInputResponse, error) {
	start := time.Now()

	verdict, err := s.resolver.Resolve(ctx, ResolveRequest{
		TenantID:      tenantID,
		ApplicationID: appID,
		Messages:      req.Messages,
		Language:      language,
		Restorable:    true,
	})
	if err != nil {
		return nil, err
	}

	resp := &GatewayInputResponse{
		Action:          GatewayActionPass,
		DetectionResult: verdict,
	}
	switch {
	case verdict.SuggestAction == types.ActionReject:
		resp.Action = GatewayActionBlock
		resp.Replacement = verdict.SuggestAnswer
	case verdict.SuggestAction == types.ActionReplace:
		resp.Action = GatewayActionReplace
		resp.Replacement = verdict.SuggestAnswer
	case verdict.SuggestAction == types.ActionAnonymized:
		resp.Action = GatewayActionAnonymize
		resp.Messages = verdict.AnonymizedMessages
		if len(verdict.Data.RestoreMapping) > 0 {
			resp.SessionID = s.sessions.Put(verdict.Data.RestoreMapping)
		}
	case verdict.SwitchPrivateModel:
		resp.Action = GatewayActionSwitchModel
	}

	resp.ProcessingTimeMS = time.Since(start).Milliseconds()
	return resp, nil
}

// ProcessOutput handles the response side. Streaming chunks only get
// placeholder restoration; whole responses additionally run output detection
// against the application's output-side policy matrices.
func (s *Service) ProcessOutput(ctx context.Context, tenantID, appID, language string, req GatewayOutputRequest) (*GatewayOutputResponse, error) {
	mapping, haveSession := s.sessions.Get(req.SessionID)

	if req.IsStreaming {
		if haveSession {
			restored := anonymizer.Restore(req.Content, mapping)
			if restored != req.Content {
				return &GatewayOutputResponse{Action: GatewayActionRestore, Content: restored}, nil
			}
		}
		return &GatewayOutputResponse{Action: GatewayActionPass}, nil
	}

	if req.Content != "" {
		verdict, err := s.resolver.Resolve(ctx, ResolveRequest{
			TenantID:      tenantID,
			ApplicationID: appID,
			Messages:      []Message{TextMessage("assistant", req.Content)},
			Language:      language,
			IsOutput:      true,
		})
		if err != nil {
			return nil, err
		}
		switch verdict.SuggestAction {
		case types.ActionReject:
			return &GatewayOutputResponse{Action: GatewayActionBlock, Content: verdict.SuggestAnswer}, nil
		case types.ActionReplace:
			return &GatewayOutputResponse{Action: GatewayActionReplace, Content: verdict.SuggestAnswer}, nil
		case types.ActionAnonymized:
			content := verdict.Data.AnonymizedText
			if haveSession {
				content = anonymizer.Restore(content, mapping)
			}
			return &GatewayOutputResponse{Action: GatewayActionReplace, Content: content}, nil
		}
	}

	if haveSession {
		restored := anonymizer.Restore(req.Content, mapping)
		if restored != req.Content {
			return &GatewayOutputResponse{Action: GatewayActionRestore, Content: restored}, nil
		}
	}
	return &GatewayOutputResponse{Action: GatewayActionPass}, nil
}
