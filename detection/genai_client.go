// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// GuardrailsClient calls the GenAI safety model through its OpenAI-compatible
// chat endpoint. The model answers "safe" or "unsafe\n<tag>,<tag>,..." and
// the first response token's log-probability becomes the sensitivity score.
type GuardrailsClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// GuardrailsOption customizes the client.
type GuardrailsOption func(*GuardrailsClient)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) GuardrailsOption {
	return func(g *GuardrailsClient) { g.httpClient = c }
}

// NewGuardrailsClient builds a client against the configured safety model.
func NewGuardrailsClient(baseURL, apiKey, model string, opts ...GuardrailsOption) *GuardrailsClient {
	g := &GuardrailsClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ClassifyResult is one window's verdict from the safety model.
type ClassifyResult struct {
	Safe bool
	Tags []string
	// Score is e^(first-token logprob), nil when the model did not return
	// logprobs.
	Score *float64
}

const classifyInstruction = `You are a content-safety classifier. Judge the conversation against the unsafe categories below.
Respond with exactly "safe", or "unsafe" followed by a newline and the comma-separated tags of every violated category.

<UNSAFE CATEGORIES>
%s
</UNSAFE CATEGORIES>

<CONVERSATION>
%s
</CONVERSATION>`

// BuildPrompt renders the single-instruction classification prompt.
func BuildPrompt(scanners []EffectiveScanner, w window) string {
	var cats strings.Builder
	for _, s := range scanners {
		fmt.Fprintf(&cats, "%s: %s. %s\n", s.Tag, s.Name, s.Definition)
	}
	var conv strings.Builder
	for _, m := range w.messages {
		fmt.Fprintf(&conv, "%s: %s\n", m.role, m.text)
	}
	return fmt.Sprintf(classifyInstruction, strings.TrimRight(cats.String(), "\n"), strings.TrimRight(conv.String(), "\n"))
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Logprobs bool          `json:"logprobs"`
	MaxTok   int           `json:"max_tokens"`
	Temp     float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Logprobs *struct {
			Content []struct {
				Token   string  `json:"token"`
				Logprob float64 `json:"logprob"`
			} `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
}

// Classify runs one window against the safety model.
func (g *GuardrailsClient) Classify(ctx context.Context, scanners []EffectiveScanner, w window) (*ClassifyResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: []chatMessage{{Role: "user", Content: BuildPrompt(scanners, w)}},
		Logprobs: true,
		MaxTok:   64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("safety model call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("safety model returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode safety model response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("safety model returned no choices")
	}

	choice := parsed.Choices[0]
	result := parseClassification(choice.Message.Content)
	if choice.Logprobs != nil && len(choice.Logprobs.Content) > 0 {
		score := math.Exp(choice.Logprobs.Content[0].Logprob)
		result.Score = &score
	}
	return result, nil
}

const reviewInstruction = `A user appealed a blocked request. Re-examine the blocked content and the original verdict.
Respond with exactly "uphold" if the block was correct, or "overturn" followed by a newline and a one-sentence reason if it was not.

<BLOCKED CONTENT>
%s
</BLOCKED CONTENT>

<ORIGINAL VERDICT>
%s
</ORIGINAL VERDICT>`

// Review asks the safety model to second-guess a block for the appeal flow.
// It returns the raw verdict text.
func (g *GuardrailsClient) Review(ctx context.Context, content, originalVerdict string) (string, error) {
	return g.complete(ctx, fmt.Sprintf(reviewInstruction, content, originalVerdict), 128)
}

const rewriteInstruction = `A knowledge-base answer is about to replace a blocked model response. Rewrite it as a direct reply to the user's question: keep every fact of the answer, drop anything unrelated to the question, and reply in the question's language.
Respond with the rewritten reply only.

<QUESTION>
%s
</QUESTION>

<ANSWER>
%s
</ANSWER>`

// Rewrite reshapes a stored knowledge-base answer into a direct reply to the
// user's question.
func (g *GuardrailsClient) Rewrite(ctx context.Context, question, answer string) (string, error) {
	return g.complete(ctx, fmt.Sprintf(rewriteInstruction, question, answer), 512)
}

// complete runs one plain prompt through the chat endpoint and returns the
// trimmed answer text.
func (g *GuardrailsClient) complete(ctx context.Context, prompt string, maxTok int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		MaxTok:   maxTok,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("safety model call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("safety model returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode safety model response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("safety model returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// parseClassification interprets the model's "safe" / "unsafe\ntags" answer.
// Anything unparseable is treated as safe.
func parseClassification(content string) *ClassifyResult {
	content = strings.TrimSpace(content)
	lower := strings.ToLower(content)
	if !strings.HasPrefix(lower, "unsafe") {
		return &ClassifyResult{Safe: true}
	}
	res := &ClassifyResult{Safe: false}
	lines := strings.SplitN(content, "\n", 2)
	if len(lines) == 2 {
		for _, tag := range strings.Split(lines[1], ",") {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				res.Tags = append(res.Tags, tag)
			}
		}
	}
	if len(res.Tags) == 0 {
		res.Safe = true
	}
	return res
}
