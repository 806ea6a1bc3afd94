// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"regexp"
	"strings"

	"openguard/platform/shared/types"
	"openguard/platform/store"
)

// EffectiveScanner is a scanner with the application's overrides folded in.
type EffectiveScanner struct {
	store.Scanner
	EffectiveRisk types.RiskLevel
	PromptOn      bool
	ResponseOn    bool
}

// applyOverrides folds per-application config rows onto the scanner set.
// Disabled scanners are dropped. A missing config row leaves defaults.
func applyOverrides(scanners []store.Scanner, configs map[string]store.ApplicationScannerConfig) []EffectiveScanner {
	out := make([]EffectiveScanner, 0, len(scanners))
	for _, s := range scanners {
		es := EffectiveScanner{
			Scanner:       s,
			EffectiveRisk: s.RiskLevel,
			PromptOn:      s.ScanPrompt,
			ResponseOn:    s.ScanResponse,
		}
		if c, ok := configs[s.ID]; ok {
			if !c.IsEnabled {
				continue
			}
			if c.RiskLevel != nil && c.RiskLevel.IsValid() {
				es.EffectiveRisk = *c.RiskLevel
			}
			if c.ScanPrompt != nil {
				es.PromptOn = *c.ScanPrompt
			}
			if c.ScanResponse != nil {
				es.ResponseOn = *c.ScanResponse
			}
		}
		out = append(out, es)
	}
	return out
}

// appliesTo reports whether the scanner's direction covers the conversation,
// based on the final message's role.
func (s *EffectiveScanner) appliesTo(finalRole string) bool {
	if finalRole == "assistant" {
		return s.ResponseOn
	}
	return s.PromptOn
}

// Dimension classifies the scanner. Data-leakage tags map to data,
// attack-style scanners to security, everything else to compliance. The
// split is static per tag.
func (s *EffectiveScanner) Dimension() types.Dimension {
	return dimensionForTag(s.Tag, s.Type)
}

// securityTags are the built-in attack scanners: prompt injection,
// jailbreak, phishing, malware, plus the email/webpage scan set.
var securityTags = map[string]bool{
	"S9": true, "S10": true, "S11": true, "S12": true,
	"E1": true, "E2": true, "E3": true, "E4": true,
}

// dataTags are the built-in PII/secret leak scanners.
var dataTags = map[string]bool{
	"S20": true, "S21": true,
}

func dimensionForTag(tag string, _ types.ScannerType) types.Dimension {
	if dataTags[tag] {
		return types.DimensionData
	}
	if securityTags[tag] {
		return types.DimensionSecurity
	}
	return types.DimensionCompliance
}

// matchRegex compiles the definition and tests every message in the window.
// A compile error disables the scanner for this request; the caller logs it.
func matchRegex(definition string, w window) (matched bool, compileErr error) {
	re, err := regexp.Compile(definition)
	if err != nil {
		return false, err
	}
	for _, m := range w.messages {
		if re.MatchString(m.text) {
			return true, nil
		}
	}
	return false, nil
}

// matchKeywords treats the definition as a newline-separated list and does
// case-insensitive substring matching.
func matchKeywords(definition string, w window) bool {
	var keywords []string
	for _, line := range strings.Split(definition, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line != "" {
			keywords = append(keywords, line)
		}
	}
	if len(keywords) == 0 {
		return false
	}
	for _, m := range w.messages {
		lower := strings.ToLower(m.text)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}
