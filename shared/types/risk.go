// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package types

// RiskLevel is the four-step severity scale used across all three detection
// dimensions. The zero-value ordering is no_risk < low < medium < high.
type RiskLevel string

const (
	RiskNone   RiskLevel = "no_risk"
	RiskLow    RiskLevel = "low_risk"
	RiskMedium RiskLevel = "medium_risk"
	RiskHigh   RiskLevel = "high_risk"
)

var riskRank = map[RiskLevel]int{
	RiskNone:   0,
	RiskLow:    1,
	RiskMedium: 2,
	RiskHigh:   3,
}

// Rank returns the position of the level in the total order. Unknown levels
// rank as no_risk.
func (r RiskLevel) Rank() int {
	return riskRank[r]
}

// IsValid returns true for one of the four known levels.
func (r RiskLevel) IsValid() bool {
	_, ok := riskRank[r]
	return ok
}

// MaxRisk returns the highest of the given levels.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	max := RiskNone
	for _, l := range levels {
		if l.Rank() > max.Rank() {
			max = l
		}
	}
	return max
}

// Dimension is one of the three orthogonal detection dimensions. Every
// scanner belongs to exactly one.
type Dimension string

const (
	DimensionCompliance Dimension = "compliance"
	DimensionSecurity   Dimension = "security"
	DimensionData       Dimension = "data"
)

// SuggestAction is the disposition resolver's verdict for a request.
type SuggestAction string

const (
	ActionPass           SuggestAction = "pass"
	ActionReject         SuggestAction = "reject"
	ActionReplace        SuggestAction = "replace"
	ActionAnonymized     SuggestAction = "replace_with_anonymized"
	ActionSwitchModel    SuggestAction = "switch_private_model"
)

// DisposalAction is a policy-matrix cell: what to do when a given risk level
// fires on a given direction.
type DisposalAction string

const (
	DisposalBlock       DisposalAction = "block"
	DisposalReplace     DisposalAction = "replace"
	DisposalPass        DisposalAction = "pass"
	DisposalAnonymize   DisposalAction = "anonymize"
	DisposalSwitchModel DisposalAction = "switch_private_model"
)

// ScannerType identifies how a scanner's definition is evaluated.
type ScannerType string

const (
	ScannerGenAI   ScannerType = "genai"
	ScannerRegex   ScannerType = "regex"
	ScannerKeyword ScannerType = "keyword"
)
