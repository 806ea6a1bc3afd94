// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package anonymizer detects sensitive entities in message text and rewrites
// them either irreversibly (mask, hash, ...) or with restorable placeholders.
package anonymizer

import (
	"regexp"
	"strconv"
	"strings"
)

// EntityType is a lower-snake-case identifier for a detected entity kind.
type EntityType string

const (
	EntityEmail        EntityType = "email"
	EntityPhoneNumber  EntityType = "phone_number"
	EntityIDCardNumber EntityType = "id_card_number"
	EntityCreditCard   EntityType = "credit_card"
	EntitySSN          EntityType = "ssn"
	EntityIBAN         EntityType = "iban"
	EntityIPAddress    EntityType = "ip_address"
	EntityBankAccount  EntityType = "bank_account"
	EntityAPIKey       EntityType = "api_key"
)

// Entity is one detected occurrence.
type Entity struct {
	Text            string     `json:"text"`
	Type            EntityType `json:"entity_type"`
	Start           int        `json:"start"`
	End             int        `json:"end"`
	Confidence      float64    `json:"confidence"`
	AnonymizedValue string     `json:"anonymized_value,omitempty"`
}

// pattern couples a regex with an optional checksum/context validator that
// returns (valid, confidence).
type pattern struct {
	entityType EntityType
	re         *regexp.Regexp
	validator  func(match, context string) (bool, float64)
}

// Detector finds entities by regex plus validation. Confidence below the
// configured minimum is discarded.
type Detector struct {
	patterns      []pattern
	contextWindow int
	minConfidence float64
}

// NewDetector builds a detector over all supported entity types.
func NewDetector() *Detector {
	return &Detector{
		contextWindow: 50,
		minConfidence: 0.5,
		patterns: []pattern{
			{
				entityType: EntityEmail,
				re:         regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
				validator:  func(m, _ string) (bool, float64) { return true, 0.95 },
			},
			{
				entityType: EntityCreditCard,
				re:         regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
				validator:  validateCreditCard,
			},
			{
				entityType: EntitySSN,
				re:         regexp.MustCompile(`\b(\d{3})[- ]?(\d{2})[- ]?(\d{4})\b`),
				validator:  validateSSN,
			},
			{
				entityType: EntityIBAN,
				re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
				validator:  validateIBAN,
			},
			{
				entityType: EntityIDCardNumber,
				re:         regexp.MustCompile(`\b\d{17}[\dXx]\b`),
				validator:  validateChineseID,
			},
			{
				entityType: EntityPhoneNumber,
				re:         regexp.MustCompile(`(?:\+?\d{1,3}[- ]?)?(?:\(\d{2,4}\)[- ]?)?\d{3,4}[- ]?\d{3,4}[- ]?\d{0,4}`),
				validator:  validatePhone,
			},
			{
				entityType: EntityIPAddress,
				re:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
				validator:  validateIPv4,
			},
			{
				entityType: EntityAPIKey,
				re:         regexp.MustCompile(`\b(?:sk|pk|api|key|token)[-_][A-Za-z0-9_-]{16,}\b`),
				validator:  func(m, _ string) (bool, float64) { return true, 0.8 },
			},
			{
				entityType: EntityBankAccount,
				re:         regexp.MustCompile(`\b\d{10,17}\b`),
				validator:  validateBankAccount,
			},
		},
	}
}

// Detect returns all validated entities in text, ordered by start offset.
// Overlapping matches keep the earlier, longer one.
func (d *Detector) Detect(text string) []Entity {
	var found []Entity
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			ctx := contextAround(text, loc[0], loc[1], d.contextWindow)
			ok, confidence := p.validator(match, ctx)
			if !ok || confidence < d.minConfidence {
				continue
			}
			found = append(found, Entity{
				Text:       match,
				Type:       p.entityType,
				Start:      loc[0],
				End:        loc[1],
				Confidence: confidence,
			})
		}
	}
	return dedupeOverlaps(found)
}

func contextAround(text string, start, end, window int) string {
	lo := start - window
	if lo < 0 {
		lo = 0
	}
	hi := end + window
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

// dedupeOverlaps keeps at most one entity per text span, preferring earlier
// starts, then longer matches, then higher confidence.
func dedupeOverlaps(entities []Entity) []Entity {
	if len(entities) < 2 {
		return entities
	}
	sortEntities(entities)
	out := entities[:0]
	lastEnd := -1
	for _, e := range entities {
		if e.Start < lastEnd {
			continue
		}
		out = append(out, e)
		lastEnd = e.End
	}
	return out
}

func sortEntities(entities []Entity) {
	// insertion sort; entity counts per message are small
	for i := 1; i < len(entities); i++ {
		for j := i; j > 0; j-- {
			a, b := &entities[j-1], &entities[j]
			if b.Start < a.Start ||
				(b.Start == a.Start && b.End > a.End) ||
				(b.Start == a.Start && b.End == a.End && b.Confidence > a.Confidence) {
				*a, *b = *b, *a
			} else {
				break
			}
		}
	}
}

// --- validators ---

// validateCreditCard requires a Luhn-valid digit string of plausible length.
func validateCreditCard(match, context string) (bool, float64) {
	digits := strings.Map(keepDigits, match)
	if len(digits) < 13 || len(digits) > 19 {
		return false, 0
	}
	if !luhnValid(digits) {
		return false, 0
	}
	confidence := 0.85
	if containsAny(strings.ToLower(context), "card", "credit", "visa", "mastercard", "amex", "payment") {
		confidence = 0.95
	}
	return true, confidence
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validateSSN applies the SSA area/group/serial rules: no zero fields, area
// not 666 and below 900.
func validateSSN(match, context string) (bool, float64) {
	digits := strings.Map(keepDigits, match)
	if len(digits) != 9 {
		return false, 0
	}
	area, _ := strconv.Atoi(digits[0:3])
	group, _ := strconv.Atoi(digits[3:5])
	serial, _ := strconv.Atoi(digits[5:9])
	if area == 0 || area == 666 || area >= 900 || group == 0 || serial == 0 {
		return false, 0
	}
	confidence := 0.6
	lc := strings.ToLower(context)
	if containsAny(lc, "ssn", "social security", "social-security") {
		confidence = 0.95
	} else if strings.Contains(match, "-") {
		confidence = 0.8
	}
	return true, confidence
}

// validateIBAN runs the mod-97 check after moving the country prefix to the
// end and expanding letters.
func validateIBAN(match, context string) (bool, float64) {
	if len(match) < 15 || len(match) > 34 {
		return false, 0
	}
	rearranged := match[4:] + match[:4]
	var expanded strings.Builder
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			expanded.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			expanded.WriteString(strconv.Itoa(int(ch-'A') + 10))
		default:
			return false, 0
		}
	}
	rem := 0
	for _, ch := range expanded.String() {
		rem = (rem*10 + int(ch-'0')) % 97
	}
	if rem != 1 {
		return false, 0
	}
	return true, 0.95
}

// validateChineseID checks the 18-digit resident ID checksum.
func validateChineseID(match, context string) (bool, float64) {
	if len(match) != 18 {
		return false, 0
	}
	weights := []int{7, 9, 10, 5, 8, 4, 2, 1, 6, 3, 7, 9, 10, 5, 8, 4, 2}
	codes := "10X98765432"
	sum := 0
	for i := 0; i < 17; i++ {
		if match[i] < '0' || match[i] > '9' {
			return false, 0
		}
		sum += int(match[i]-'0') * weights[i]
	}
	check := codes[sum%11]
	last := match[17]
	if last == 'x' {
		last = 'X'
	}
	if last != check {
		return false, 0
	}
	return true, 0.95
}

func validatePhone(match, context string) (bool, float64) {
	digits := strings.Map(keepDigits, match)
	if len(digits) < 7 || len(digits) > 15 {
		return false, 0
	}
	confidence := 0.4
	lc := strings.ToLower(context)
	if containsAny(lc, "phone", "tel", "mobile", "call", "fax", "contact") {
		confidence = 0.85
	} else if strings.HasPrefix(strings.TrimSpace(match), "+") {
		confidence = 0.75
	}
	return confidence >= 0.5, confidence
}

func validateIPv4(match, context string) (bool, float64) {
	parts := strings.Split(match, ".")
	if len(parts) != 4 {
		return false, 0
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false, 0
		}
	}
	return true, 0.85
}

// validateBankAccount is deliberately conservative: a bare digit run only
// counts with an account-related context word nearby.
func validateBankAccount(match, context string) (bool, float64) {
	lc := strings.ToLower(context)
	if !containsAny(lc, "account", "routing", "bank", "acct", "账户", "银行") {
		return false, 0
	}
	return true, 0.7
}

func keepDigits(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
