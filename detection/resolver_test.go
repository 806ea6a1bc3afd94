// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
)

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"en", "en"},
		{"EN-us", "en"},
		{"zh-CN", "zh"},
		{"zh-CN,zh;q=0.9,en;q=0.8", "zh"},
		{" fr-FR ", "fr"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeLanguage(tc.in), "input %q", tc.in)
	}
}

func TestMatchAnyList(t *testing.T) {
	lists := map[string][]string{
		"banned-topics": {"forbidden fruit", "secret sauce"},
	}
	msgs := []Message{
		TextMessage("system", "be nice"),
		TextMessage("user", "tell me about the Forbidden Fruit"),
	}
	assert.Equal(t, "banned-topics", matchAnyList(lists, msgs))
	assert.Equal(t, "", matchAnyList(lists, []Message{TextMessage("user", "hello")}))
	assert.Equal(t, "", matchAnyList(nil, msgs))
}

func TestMergeDimension(t *testing.T) {
	score := 0.3
	dst := DimensionVerdict{RiskLevel: types.RiskLow, Categories: []string{"a"}}
	mergeDimension(&dst, DimensionVerdict{RiskLevel: types.RiskHigh, Categories: []string{"b"}, Score: &score})
	assert.Equal(t, types.RiskHigh, dst.RiskLevel)
	assert.Equal(t, []string{"a", "b"}, dst.Categories)
	assert.Equal(t, &score, dst.Score)

	// lower incoming level never downgrades
	mergeDimension(&dst, DimensionVerdict{RiskLevel: types.RiskLow})
	assert.Equal(t, types.RiskHigh, dst.RiskLevel)
}

func TestBuiltinAnswer(t *testing.T) {
	assert.Contains(t, builtinAnswer("zh", "S1"), "抱歉")
	assert.Contains(t, builtinAnswer("en", "S1"), "can't help")
	assert.Contains(t, builtinAnswer("", "S1"), "can't help")
}

func TestLastUserText(t *testing.T) {
	msgs := []Message{
		TextMessage("user", "first"),
		TextMessage("assistant", "reply"),
		TextMessage("user", "second"),
	}
	assert.Equal(t, "second", lastUserText(msgs))
	assert.Equal(t, "", lastUserText([]Message{TextMessage("assistant", "only")}))
}

func TestRewriteKBAnswerReshapesReply(t *testing.T) {
	srv := stubSafetyModel(t, "Here is the policy you asked about.", nil)
	defer srv.Close()

	r := &Resolver{genai: NewGuardrailsClient(srv.URL, "", "m"), log: logger.New("test")}
	match := &KBMatch{Answer: "Policy doc v3: section 2 covers refunds."}
	req := ResolveRequest{Messages: []Message{TextMessage("user", "what is the refund policy?")}}

	assert.Equal(t, "Here is the policy you asked about.",
		r.rewriteKBAnswer(context.Background(), req, match))
}

func TestRewriteKBAnswerHonorsOptOut(t *testing.T) {
	srv := stubSafetyModel(t, "should never be served", nil)
	defer srv.Close()

	r := &Resolver{genai: NewGuardrailsClient(srv.URL, "", "m"), log: logger.New("test")}
	match := &KBMatch{Answer: "stored answer"}
	req := ResolveRequest{
		Messages:      []Message{TextMessage("user", "question")},
		SkipKBRewrite: true,
	}

	assert.Equal(t, "stored answer", r.rewriteKBAnswer(context.Background(), req, match))
}

func TestRewriteKBAnswerWithoutModel(t *testing.T) {
	r := &Resolver{log: logger.New("test")}
	match := &KBMatch{Answer: "stored answer"}

	assert.Equal(t, "stored answer",
		r.rewriteKBAnswer(context.Background(), ResolveRequest{}, match))
}

func TestRewriteKBAnswerFailureServesStored(t *testing.T) {
	srv := stubSafetyModel(t, "unused", nil)
	srv.Close()

	r := &Resolver{genai: NewGuardrailsClient(srv.URL, "", "m"), log: logger.New("test")}
	match := &KBMatch{Answer: "stored answer"}

	assert.Equal(t, "stored answer",
		r.rewriteKBAnswer(context.Background(), ResolveRequest{}, match))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}
