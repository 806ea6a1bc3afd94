// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"openguard/platform/shared/logger"
	"openguard/platform/store"
)

// EmbeddingClient calls the OpenAI-compatible /embeddings endpoint of the
// configured embedding model.
type EmbeddingClient struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewEmbeddingClient builds the client.
func NewEmbeddingClient(baseURL, apiKey, model string, dimension int) *EmbeddingClient {
	return &EmbeddingClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text.
func (e *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding model returned %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding model returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	out := make([][]float64, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// QAPair is one knowledge-base entry.
type QAPair struct {
	QuestionID string `json:"questionid"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
}

// kbIndex is the sidecar vector file layout: the Q&A pairs plus one vector
// per question.
type kbIndex struct {
	Pairs   []QAPair    `json:"pairs"`
	Vectors [][]float64 `json:"vectors"`
}

// KnowledgeSearcher answers "has someone already asked this" lookups for the
// resolver's replace path.
type KnowledgeSearcher struct {
	store      *store.Store
	embeddings *EmbeddingClient
	log        *logger.Logger
	maxResults int
}

// NewKnowledgeSearcher builds the searcher. embeddings may be nil; lookups
// then always miss.
func NewKnowledgeSearcher(st *store.Store, embeddings *EmbeddingClient, log *logger.Logger, maxResults int) *KnowledgeSearcher {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &KnowledgeSearcher{store: st, embeddings: embeddings, log: log, maxResults: maxResults}
}

// KBMatch is the best answer found for a query.
type KBMatch struct {
	Answer     string
	Question   string
	Similarity float64
}

// Lookup embeds the query and scans every knowledge base bound to the
// scanner tag (plus globals). Any failure degrades to a miss; the caller
// falls back to the response template.
func (s *KnowledgeSearcher) Lookup(ctx context.Context, appID, scannerTag, query string) *KBMatch {
	if s.embeddings == nil || query == "" {
		return nil
	}
	kbs, err := s.store.KnowledgeBase.ForScanner(ctx, appID, scannerTag)
	if err != nil || len(kbs) == 0 {
		return nil
	}

	vectors, err := s.embeddings.Embed(ctx, []string{query})
	if err != nil {
		s.log.Warn("", "", "kb embedding failed, falling back to template",
			map[string]interface{}{"error": err.Error()})
		return nil
	}
	queryVec := vectors[0]

	var best *KBMatch
	for _, kb := range kbs {
		idx, err := loadKBIndex(kb.VectorFilePath)
		if err != nil {
			s.log.Warn("", "", "kb index unreadable",
				map[string]interface{}{"kb_id": kb.ID, "error": err.Error()})
			continue
		}
		for i, vec := range idx.Vectors {
			if i >= len(idx.Pairs) {
				break
			}
			sim := cosineSimilarity(queryVec, vec)
			if sim < kb.SimilarityThreshold {
				continue
			}
			if best == nil || sim > best.Similarity {
				best = &KBMatch{
					Answer:     idx.Pairs[i].Answer,
					Question:   idx.Pairs[i].Question,
					Similarity: sim,
				}
			}
		}
	}
	return best
}

// BuildIndex embeds every question of a JSONL source and writes the sidecar
// vector file. Returns the number of pairs indexed.
func (s *KnowledgeSearcher) BuildIndex(ctx context.Context, sourcePath, indexPath string) (int, error) {
	if s.embeddings == nil {
		return 0, fmt.Errorf("no embedding model configured")
	}
	f, err := os.Open(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open kb source: %w", err)
	}
	defer f.Close()

	var pairs []QAPair
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var p QAPair
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return 0, fmt.Errorf("malformed kb line: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read kb source: %w", err)
	}
	if len(pairs) == 0 {
		return 0, fmt.Errorf("kb source contains no pairs")
	}

	questions := make([]string, len(pairs))
	for i, p := range pairs {
		questions[i] = p.Question
	}
	vectors, err := s.embeddings.Embed(ctx, questions)
	if err != nil {
		return 0, fmt.Errorf("failed to embed kb questions: %w", err)
	}

	if err := writeKBIndex(indexPath, &kbIndex{Pairs: pairs, Vectors: vectors}); err != nil {
		return 0, err
	}
	return len(pairs), nil
}

func loadKBIndex(path string) (*kbIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx kbIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("corrupt kb index %s: %w", path, err)
	}
	return &idx, nil
}

func writeKBIndex(path string, idx *kbIndex) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to encode kb index: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write kb index: %w", err)
	}
	return os.Rename(tmp, path)
}

// cosineSimilarity is the dot product over the magnitudes. Mismatched or
// zero-length vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
