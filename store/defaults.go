// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

// GenAI sensitivity score thresholds. Scores are probabilities of the safe
// token, so smaller means riskier and the order is high < medium < low.
const (
	DefaultHighThreshold   = 0.1
	DefaultMediumThreshold = 0.4
	DefaultLowThreshold    = 0.7
)

// DefaultSensitivityTriggerLevel is the minimum risk level at which a GenAI
// scanner verdict counts as a hit.
const DefaultSensitivityTriggerLevel = "medium"

// DefaultTemplateContent builds the initial multilingual canned answer for a
// scanner's response template.
func DefaultTemplateContent(scannerName string) map[string]string {
	return map[string]string{
		"en": "I'm sorry, I can't help with that request (" + scannerName + ").",
		"zh": "抱歉，该请求涉及" + scannerName + "，无法处理。",
	}
}
