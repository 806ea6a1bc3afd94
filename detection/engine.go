// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"context"
	"sort"
	"strings"
	"sync"

	"openguard/platform/anonymizer"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

// Engine runs the scanner set over a conversation and aggregates per-
// dimension verdicts. It is stateless; all per-application configuration
// arrives with the call.
type Engine struct {
	genai            *GuardrailsClient
	anonymizer       *anonymizer.Anonymizer
	log              *logger.Logger
	maxContextTokens int
}

// NewEngine builds the engine. genai may be nil when no safety model is
// configured; GenAI scanners are then skipped.
func NewEngine(genai *GuardrailsClient, anon *anonymizer.Anonymizer, log *logger.Logger, maxContextTokens int) *Engine {
	return &Engine{genai: genai, anonymizer: anon, log: log, maxContextTokens: maxContextTokens}
}

// ScanInput carries one request's conversation plus the application's
// resolved configuration.
type ScanInput struct {
	TenantID  string
	RequestID string
	Messages  []Message
	Scanners  []EffectiveScanner
	Risk      *store.RiskTypeConfig
}

// matchedScanner is one scanner hit after threshold filtering.
type matchedScanner struct {
	scanner EffectiveScanner
	score   *float64
}

// ScanOutcome is the aggregated engine result consumed by the resolver.
type ScanOutcome struct {
	Compliance DimensionVerdict
	Security   DimensionVerdict
	Data       DataVerdict
	// Matches keyed by dimension, ordered by risk desc then tag asc.
	Matches map[types.Dimension][]matchedScanner
	// MaxScore is the highest sensitivity score across windows, nil when
	// no GenAI call produced one.
	MaxScore *float64
}

// Scan runs all windows in parallel and aggregates the union of matched
// categories with the maximum score.
func (e *Engine) Scan(ctx context.Context, in ScanInput) (*ScanOutcome, error) {
	if err := ValidateMessages(in.Messages); err != nil {
		return nil, err
	}
	windows, err := buildWindows(in.Messages, e.maxContextTokens)
	if err != nil {
		return nil, err
	}

	finalRole := lastRole(in.Messages)
	var genaiScanners, localScanners []EffectiveScanner
	for _, s := range in.Scanners {
		if !s.Active || !s.appliesTo(finalRole) {
			continue
		}
		if !e.categoryEnabled(in.Risk, s.Tag) {
			continue
		}
		if s.Type == types.ScannerGenAI {
			genaiScanners = append(genaiScanners, s)
		} else {
			localScanners = append(localScanners, s)
		}
	}

	type windowResult struct {
		tags  map[string]bool
		score *float64
	}
	results := make([]windowResult, len(windows))

	var wg sync.WaitGroup
	for i := range windows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := windowResult{tags: make(map[string]bool)}

			for _, s := range localScanners {
				switch s.Type {
				case types.ScannerRegex:
					matched, compileErr := matchRegex(s.Definition, windows[i])
					if compileErr != nil {
						e.log.Warn(in.TenantID, in.RequestID, "regex scanner disabled for request",
							map[string]interface{}{"tag": s.Tag, "error": compileErr.Error()})
						continue
					}
					if matched {
						res.tags[s.Tag] = true
					}
				case types.ScannerKeyword:
					if matchKeywords(s.Definition, windows[i]) {
						res.tags[s.Tag] = true
					}
				}
			}

			if len(genaiScanners) > 0 && e.genai != nil {
				verdict, err := e.genai.Classify(ctx, genaiScanners, windows[i])
				if err != nil {
					// infrastructure failures never block the request
					e.log.Warn(in.TenantID, in.RequestID, "safety model call failed, treating window as safe",
						map[string]interface{}{"error": err.Error()})
				} else {
					res.score = verdict.Score
					if !verdict.Safe {
						for _, tag := range verdict.Tags {
							res.tags[tag] = true
						}
					}
				}
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	// union of tags, max of scores
	matchedTags := make(map[string]bool)
	var maxScore *float64
	for _, res := range results {
		for tag := range res.tags {
			matchedTags[tag] = true
		}
		if res.score != nil && (maxScore == nil || *res.score > *maxScore) {
			maxScore = res.score
		}
	}

	outcome := &ScanOutcome{
		Matches:  make(map[types.Dimension][]matchedScanner),
		MaxScore: maxScore,
	}
	for _, s := range in.Scanners {
		if !matchedTags[s.Tag] {
			continue
		}
		if s.Type == types.ScannerGenAI && !e.scoreCounts(in.Risk, maxScore) {
			continue
		}
		dim := s.Dimension()
		outcome.Matches[dim] = append(outcome.Matches[dim], matchedScanner{scanner: s, score: maxScore})
	}
	for dim := range outcome.Matches {
		sortMatches(outcome.Matches[dim])
	}

	outcome.Compliance = e.dimensionVerdict(outcome.Matches[types.DimensionCompliance], maxScore)
	outcome.Security = e.dimensionVerdict(outcome.Matches[types.DimensionSecurity], maxScore)
	outcome.Data.DimensionVerdict = e.dimensionVerdict(outcome.Matches[types.DimensionData], maxScore)
	e.detectEntities(in.Messages, &outcome.Data)

	return outcome, nil
}

// detectEntities runs the PII detector over user text and folds the result
// into the data verdict: a high-confidence entity raises the level to at
// least medium, any entity to at least low.
func (e *Engine) detectEntities(msgs []Message, data *DataVerdict) {
	var sb strings.Builder
	for i := range msgs {
		if msgs[i].Role == "assistant" {
			continue
		}
		text, err := msgs[i].Text()
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	entities := e.anonymizer.Detect(sb.String())
	if len(entities) == 0 {
		return
	}
	data.DetectedEntities = entities

	floor := types.RiskLow
	for _, ent := range entities {
		if ent.Confidence >= 0.9 {
			floor = types.RiskMedium
			break
		}
	}
	if floor.Rank() > data.RiskLevel.Rank() {
		data.RiskLevel = floor
	}
	seen := make(map[string]bool)
	for _, ent := range entities {
		name := string(ent.Type)
		if !seen[name] {
			seen[name] = true
			data.Categories = append(data.Categories, name)
		}
	}
}

func (e *Engine) dimensionVerdict(matches []matchedScanner, score *float64) DimensionVerdict {
	v := DimensionVerdict{RiskLevel: types.RiskNone, Categories: []string{}}
	if len(matches) == 0 {
		return v
	}
	for _, m := range matches {
		if m.scanner.EffectiveRisk.Rank() > v.RiskLevel.Rank() {
			v.RiskLevel = m.scanner.EffectiveRisk
		}
		v.Categories = append(v.Categories, m.scanner.Name)
	}
	v.Score = score
	return v
}

// scoreCounts applies the sensitivity thresholds: the score maps to a
// trigger band (high < medium < low thresholds, inclusive), and the match
// only counts when the band reaches the configured trigger level.
func (e *Engine) scoreCounts(cfg *store.RiskTypeConfig, score *float64) bool {
	if cfg == nil || score == nil {
		// no thresholds configured, or the model returned no logprobs:
		// the tag match alone decides
		return true
	}
	band := scoreBand(cfg, *score)
	trigger := types.RiskLevel("")
	switch cfg.SensitivityTriggerLevel {
	case "low":
		trigger = types.RiskLow
	case "medium":
		trigger = types.RiskMedium
	case "high":
		trigger = types.RiskHigh
	default:
		trigger = types.RiskMedium
	}
	return band.Rank() >= trigger.Rank()
}

// scoreBand maps a sensitivity score to a risk band. Smaller scores mean
// riskier content, so the bands run (low,1] -> low, (medium,low] -> medium,
// (high,medium] -> high. Comparisons are inclusive at each threshold.
func scoreBand(cfg *store.RiskTypeConfig, score float64) types.RiskLevel {
	switch {
	case score >= cfg.LowThreshold:
		return types.RiskLow
	case score >= cfg.MediumThreshold:
		return types.RiskMedium
	case score >= cfg.HighThreshold:
		return types.RiskHigh
	default:
		return types.RiskHigh
	}
}

// categoryEnabled consults the legacy per-category booleans. A tag absent
// from the map stays enabled; per-scanner config rows are the authoritative
// switch and are applied before the engine sees the set.
func (e *Engine) categoryEnabled(cfg *store.RiskTypeConfig, tag string) bool {
	if cfg == nil || len(cfg.EnabledCategories) == 0 {
		return true
	}
	enabled, ok := cfg.EnabledCategories[strings.ToLower(tag)+"_enabled"]
	if !ok {
		return true
	}
	return enabled
}

// sortMatches orders by effective risk desc, then tag asc, making the first
// category deterministic for template selection.
func sortMatches(matches []matchedScanner) {
	sort.Slice(matches, func(i, j int) bool {
		ri, rj := matches[i].scanner.EffectiveRisk.Rank(), matches[j].scanner.EffectiveRisk.Rank()
		if ri != rj {
			return ri > rj
		}
		return matches[i].scanner.Tag < matches[j].scanner.Tag
	})
}
