// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"openguard/platform/anonymizer"
	"openguard/platform/auth"
	"openguard/platform/detection"
	"openguard/platform/shared/types"
)

// outputCheckInterval is how much newly accumulated text triggers another
// output detection pass during streaming.
const outputCheckInterval = 2000

// streamResponse forwards SSE chunks in order, restoring placeholders in the
// text that leaves the proxy and gating on accumulated content when output
// detection is enabled. A rejection cancels the upstream stream and emits a
// final content_filter chunk.
func (s *Service) streamResponse(w http.ResponseWriter, r *http.Request, identity *auth.Identity,
	model string, resp *http.Response, mapping anonymizer.RestoreMapping, checkOutput bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		passThrough(w, resp)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	carry := ""
	accumulated := strings.Builder{}
	lastChecked := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(payload) == "[DONE]" {
			if carry != "" {
				emitContentChunk(w, model, anonymizer.Restore(carry, mapping))
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}

		var chunk map[string]json.RawMessage
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
			continue
		}
		content, choices := extractDelta(chunk)
		if content == "" {
			// finish or keepalive chunk: release the held-back tail first so
			// nothing trails the finish_reason
			if carry != "" {
				emitContentChunk(w, model, anonymizer.Restore(carry, mapping))
				carry = ""
			}
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
			continue
		}

		accumulated.WriteString(content)
		if checkOutput && accumulated.Len()-lastChecked >= outputCheckInterval {
			lastChecked = accumulated.Len()
			if answer, rejected := s.outputRejects(r, identity, accumulated.String()); rejected {
				// cancel upstream by returning; the deferred Body.Close
				// aborts the connection
				emitContentChunk(w, model, answer)
				emitFinishChunk(w, model, "content_filter")
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
		}

		restored := anonymizer.Restore(carry+content, mapping)
		var emit string
		emit, carry = splitPartialPlaceholder(restored, mapping)
		if emit == "" {
			continue
		}

		if rewritten, err := rewriteDelta(chunk, choices, emit); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", rewritten)
		} else {
			fmt.Fprintf(w, "%s\n", line)
		}
		flusher.Flush()
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn(identity.TenantID, "", "upstream stream interrupted",
			map[string]interface{}{"error": err.Error()})
	}
	if carry != "" {
		emitContentChunk(w, model, anonymizer.Restore(carry, mapping))
		flusher.Flush()
	}
}

// outputRejects runs output detection over the accumulated text.
func (s *Service) outputRejects(r *http.Request, identity *auth.Identity, text string) (string, bool) {
	verdict, err := s.resolver.Resolve(r.Context(), detection.ResolveRequest{
		TenantID:      identity.TenantID,
		ApplicationID: identity.ApplicationID,
		Messages:      []detection.Message{detection.TextMessage("assistant", text)},
		Language:      r.Header.Get("Accept-Language"),
		IsOutput:      true,
		IsSuperAdmin:  identity.IsSuperAdmin,
	})
	if err != nil {
		s.log.Error(identity.TenantID, "", "streaming output detection failed",
			map[string]interface{}{"error": err.Error()})
		return "", false
	}
	if verdict.SuggestAction == types.ActionReject {
		return verdict.SuggestAnswer, true
	}
	return "", false
}

// extractDelta pulls the first choice's delta content out of a chunk.
func extractDelta(chunk map[string]json.RawMessage) (string, []chatChoice) {
	rawChoices, ok := chunk["choices"]
	if !ok {
		return "", nil
	}
	var choices []chatChoice
	if err := json.Unmarshal(rawChoices, &choices); err != nil || len(choices) == 0 {
		return "", nil
	}
	if choices[0].Delta == nil {
		return "", choices
	}
	return choices[0].Delta.Content, choices
}

// rewriteDelta swaps the first choice's delta content and re-encodes the
// chunk, preserving unknown fields.
func rewriteDelta(chunk map[string]json.RawMessage, choices []chatChoice, content string) ([]byte, error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("chunk has no choices")
	}
	if choices[0].Delta == nil {
		choices[0].Delta = &choiceMessage{}
	}
	choices[0].Delta.Content = content
	rawChoices, err := json.Marshal(choices)
	if err != nil {
		return nil, err
	}
	chunk["choices"] = rawChoices
	return json.Marshal(chunk)
}

func emitContentChunk(w http.ResponseWriter, model, content string) {
	chunk := chatCompletion{
		ID:      "chatcmpl-proxy",
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index: 0,
			Delta: &choiceMessage{Content: content},
		}},
	}
	raw, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", raw)
}

func emitFinishChunk(w http.ResponseWriter, model, finishReason string) {
	chunk := chatCompletion{
		ID:      "chatcmpl-proxy",
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Delta:        &choiceMessage{},
			FinishReason: strPtr(finishReason),
		}},
	}
	raw, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", raw)
}

// writeSyntheticStream emits a complete one-message SSE stream for requests
// answered without contacting upstream.
func writeSyntheticStream(w http.ResponseWriter, id, model, answer, finishReason string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	first := chatCompletion{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index: 0,
			Delta: &choiceMessage{Role: "assistant", Content: answer},
		}},
	}
	last := chatCompletion{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Delta:        &choiceMessage{},
			FinishReason: strPtr(finishReason),
		}},
	}
	rawFirst, _ := json.Marshal(first)
	rawLast, _ := json.Marshal(last)
	fmt.Fprintf(w, "data: %s\n\ndata: %s\n\ndata: [DONE]\n\n", rawFirst, rawLast)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// splitPartialPlaceholder holds back the longest suffix of text that could
// be the beginning of a placeholder split across chunk boundaries. The next
// chunk completes it and restoration runs on the joined text.
func splitPartialPlaceholder(text string, mapping anonymizer.RestoreMapping) (emit, carry string) {
	if len(mapping) == 0 {
		return text, ""
	}
	maxLen := 0
	for k := range mapping {
		if len(k) > maxLen {
			maxLen = len(k)
		}
	}
	limit := maxLen - 1
	if limit > len(text) {
		limit = len(text)
	}
	for n := limit; n > 0; n-- {
		suffix := text[len(text)-n:]
		for k := range mapping {
			if strings.HasPrefix(k, suffix) {
				return text[:len(text)-n], suffix
			}
		}
	}
	return text, ""
}
