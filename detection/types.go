// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package detection implements the scanner engine, disposition resolver, and
// the detection service's HTTP surface.
package detection

import (
	"encoding/json"
	"fmt"

	"openguard/platform/anonymizer"
	"openguard/platform/shared/types"
)

// MaxMessageLength bounds a single message's text.
const MaxMessageLength = 1_000_000

// Message is one turn of a conversation. Content is either a plain string or
// a list of {type, text|image_url} parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a multi-part message content.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Text extracts the textual content, concatenating text parts.
func (m *Message) Text() (string, error) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or a part list")
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out, nil
}

// ImageURLs extracts image parts, if any.
func (m *Message) ImageURLs() []string {
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil
	}
	var urls []string
	for _, p := range parts {
		if p.Type == "image_url" && p.ImageURL != nil {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

// TextMessage builds a plain-string message.
func TextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// ValidateMessages enforces the input constraints shared by all detection
// entrypoints.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i := range msgs {
		switch msgs[i].Role {
		case "user", "system", "assistant":
		default:
			return fmt.Errorf("message %d: unknown role %q", i, msgs[i].Role)
		}
		text, err := msgs[i].Text()
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		if text == "" && len(msgs[i].ImageURLs()) == 0 {
			return fmt.Errorf("message %d: content must not be empty", i)
		}
		if len(text) > MaxMessageLength {
			return fmt.Errorf("message %d: content exceeds %d characters", i, MaxMessageLength)
		}
	}
	return nil
}

// DimensionVerdict is the per-dimension outcome of a scan.
type DimensionVerdict struct {
	RiskLevel  types.RiskLevel `json:"risk_level"`
	Categories []string        `json:"categories"`
	Score      *float64        `json:"score,omitempty"`
}

// DataVerdict extends the data dimension with detected entities and the
// optional anonymization artifacts.
type DataVerdict struct {
	DimensionVerdict
	DetectedEntities []anonymizer.Entity       `json:"detected_entities,omitempty"`
	AnonymizedText   string                    `json:"anonymized_text,omitempty"`
	RestoreMapping   anonymizer.RestoreMapping `json:"restore_mapping,omitempty"`
}

// Verdict is the full detection + disposition outcome for one request.
type Verdict struct {
	ID               string              `json:"id"`
	Compliance       DimensionVerdict    `json:"compliance"`
	Security         DimensionVerdict    `json:"security"`
	Data             DataVerdict         `json:"data"`
	OverallRiskLevel types.RiskLevel     `json:"overall_risk_level"`
	SuggestAction    types.SuggestAction `json:"suggest_action"`
	SuggestAnswer    string              `json:"suggest_answer,omitempty"`
	Score            *float64            `json:"score,omitempty"`

	// SwitchPrivateModel is the resolver's side channel telling the proxy
	// to reroute to the configured safe upstream.
	SwitchPrivateModel bool `json:"-"`
	// AnonymizedMessages is set when SuggestAction is
	// replace_with_anonymized.
	AnonymizedMessages []Message `json:"-"`
}
