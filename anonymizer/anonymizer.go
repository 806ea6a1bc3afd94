// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package anonymizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// Method selects how an entity type is rewritten when restoration is not
// required.
type Method string

const (
	MethodMask         Method = "mask"
	MethodHash         Method = "hash"
	MethodReplace      Method = "replace"
	MethodShuffle      Method = "shuffle"
	MethodRandom       Method = "random"
	MethodRegexReplace Method = "regex_replace"
)

// MethodConfig binds an entity type to a method plus its parameters.
type MethodConfig struct {
	Method      Method `json:"method"`
	Replacement string `json:"replacement,omitempty"` // for replace / regex_replace
}

// Anonymizer rewrites detected entities. It is stateless; the per-request
// restore mapping is returned to the caller, never kept in process globals.
type Anonymizer struct {
	detector *Detector
	methods  map[EntityType]MethodConfig
}

// DefaultMethods is the per-entity rewrite configuration applied when the
// application has not configured one.
func DefaultMethods() map[EntityType]MethodConfig {
	return map[EntityType]MethodConfig{
		EntityEmail:        {Method: MethodMask},
		EntityPhoneNumber:  {Method: MethodMask},
		EntityIDCardNumber: {Method: MethodMask},
		EntityCreditCard:   {Method: MethodMask},
		EntitySSN:          {Method: MethodMask},
		EntityIBAN:         {Method: MethodHash},
		EntityIPAddress:    {Method: MethodReplace, Replacement: "0.0.0.0"},
		EntityBankAccount:  {Method: MethodMask},
		EntityAPIKey:       {Method: MethodReplace, Replacement: "[REDACTED_KEY]"},
	}
}

// New builds an Anonymizer. methods may be nil to use the defaults.
func New(methods map[EntityType]MethodConfig) *Anonymizer {
	if methods == nil {
		methods = DefaultMethods()
	}
	return &Anonymizer{detector: NewDetector(), methods: methods}
}

// Detect exposes raw entity detection with the anonymized value filled in.
func (a *Anonymizer) Detect(text string) []Entity {
	entities := a.detector.Detect(text)
	for i := range entities {
		entities[i].AnonymizedValue = a.anonymizeValue(entities[i].Type, entities[i].Text)
	}
	return entities
}

// Anonymize irreversibly rewrites every detected entity. Replacements are
// applied longest-first so one entity's text never partially clobbers
// another's.
func (a *Anonymizer) Anonymize(text string) (string, []Entity) {
	entities := a.Detect(text)
	out := text
	for _, e := range byTextLengthDesc(entities) {
		out = strings.ReplaceAll(out, e.Text, e.AnonymizedValue)
	}
	return out, entities
}

// RestoreMapping maps placeholder -> original text for one request.
type RestoreMapping map[string]string

// AnonymizeRestore rewrites entities with __<entity_type>_<n>__ placeholders
// and returns the mapping needed to undo it. Counters are per entity type,
// starting at 1, and identical originals share one placeholder.
func (a *Anonymizer) AnonymizeRestore(text string, mapping RestoreMapping, counters map[EntityType]int) string {
	entities := a.detector.Detect(text)
	if counters == nil {
		counters = make(map[EntityType]int)
	}

	assigned := make(map[string]string)
	for ph, orig := range mapping {
		assigned[orig] = ph
	}

	out := text
	for _, e := range byTextLengthDesc(entities) {
		ph, ok := assigned[e.Text]
		if !ok {
			counters[e.Type]++
			ph = fmt.Sprintf("__%s_%d__", e.Type, counters[e.Type])
			assigned[e.Text] = ph
			mapping[ph] = e.Text
		}
		out = strings.ReplaceAll(out, e.Text, ph)
	}
	return out
}

// Restore substitutes every placeholder in the mapping back to its original.
// Placeholders are processed longest-first so __email_1__ is never consumed
// as a prefix of __email_12__.
func Restore(text string, mapping RestoreMapping) string {
	if len(mapping) == 0 {
		return text
	}
	placeholders := make([]string, 0, len(mapping))
	for ph := range mapping {
		placeholders = append(placeholders, ph)
	}
	sort.Slice(placeholders, func(i, j int) bool {
		if len(placeholders[i]) != len(placeholders[j]) {
			return len(placeholders[i]) > len(placeholders[j])
		}
		return placeholders[i] < placeholders[j]
	})
	for _, ph := range placeholders {
		text = strings.ReplaceAll(text, ph, mapping[ph])
	}
	return text
}

func (a *Anonymizer) anonymizeValue(t EntityType, text string) string {
	cfg, ok := a.methods[t]
	if !ok {
		cfg = MethodConfig{Method: MethodMask}
	}
	switch cfg.Method {
	case MethodHash:
		sum := sha256.Sum256([]byte(text))
		return hex.EncodeToString(sum[:8])
	case MethodReplace, MethodRegexReplace:
		if cfg.Replacement != "" {
			return cfg.Replacement
		}
		return maskValue(text)
	case MethodShuffle:
		return shuffleValue(text)
	case MethodRandom:
		return randomValue(text)
	default:
		return maskValue(text)
	}
}

// maskValue keeps the first and last character and stars the middle; short
// values are fully starred.
func maskValue(text string) string {
	runes := []rune(text)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-2) + string(runes[len(runes)-1])
}

// shuffleValue deterministically permutes the characters, seeded from the
// value, so the same input shuffles the same way within a request.
func shuffleValue(text string) string {
	runes := []rune(text)
	sum := sha256.Sum256([]byte(text))
	seed := int64(sum[0])<<24 | int64(sum[1])<<16 | int64(sum[2])<<8 | int64(sum[3])
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(runes), func(i, j int) { runes[i], runes[j] = runes[j], runes[i] })
	return string(runes)
}

// randomValue replaces each character with a random one of the same class.
func randomValue(text string) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	out := make([]rune, 0, len(text))
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			out = append(out, rune('0'+rand.Intn(10)))
		case r >= 'a' && r <= 'z':
			out = append(out, rune(letters[rand.Intn(26)]))
		case r >= 'A' && r <= 'Z':
			out = append(out, rune(letters[rand.Intn(26)])-('a'-'A'))
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func byTextLengthDesc(entities []Entity) []Entity {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Text) > len(sorted[j].Text)
	})
	return sorted
}
