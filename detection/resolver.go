// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package detection

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"openguard/platform/anonymizer"
	"openguard/platform/shared/logger"
	"openguard/platform/shared/types"
	"openguard/platform/store"
)

// Resolver combines scanner verdicts, keyword lists, policy matrices, and
// the knowledge base into a single disposition.
type Resolver struct {
	engine          *Engine
	cache           *ConfigCache
	store           *store.Store
	kb              *KnowledgeSearcher
	genai           *GuardrailsClient
	anonymizer      *anonymizer.Anonymizer
	log             *logger.Logger
	defaultLanguage string
}

// NewResolver wires the resolver. genai may be nil; KB answers are then
// served verbatim.
func NewResolver(engine *Engine, cache *ConfigCache, st *store.Store, kb *KnowledgeSearcher,
	genai *GuardrailsClient, anon *anonymizer.Anonymizer, log *logger.Logger, defaultLanguage string) *Resolver {
	return &Resolver{
		engine:          engine,
		cache:           cache,
		store:           st,
		kb:              kb,
		genai:           genai,
		anonymizer:      anon,
		log:             log,
		defaultLanguage: defaultLanguage,
	}
}

// ResolveRequest carries one detection request through the resolver.
type ResolveRequest struct {
	TenantID      string
	ApplicationID string
	RequestID     string
	Messages      []Message
	// Language selects the template translation, from Accept-Language.
	Language string
	// Restorable switches anonymization to placeholder mode (proxy input
	// path); the restore mapping is attached to the verdict.
	Restorable bool
	// IsOutput selects the output side of the policy matrices.
	IsOutput bool
	// IsSuperAdmin widens the scanner set to every premium package.
	IsSuperAdmin bool
	// SkipKBRewrite disables the optional generator rewrite of KB answers.
	SkipKBRewrite bool
}

// Resolve runs the ordered disposition steps.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Verdict, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	v := &Verdict{
		ID:               req.RequestID,
		OverallRiskLevel: types.RiskNone,
		SuggestAction:    types.ActionPass,
		Compliance:       DimensionVerdict{RiskLevel: types.RiskNone, Categories: []string{}},
		Security:         DimensionVerdict{RiskLevel: types.RiskNone, Categories: []string{}},
		Data:             DataVerdict{DimensionVerdict: DimensionVerdict{RiskLevel: types.RiskNone, Categories: []string{}}},
	}

	lists, err := r.cache.Keywords(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}

	// 1. whitelist short-circuit
	if matchAnyList(lists.Whitelists, req.Messages) != "" {
		return v, nil
	}

	// 2. blacklists fire regardless of thresholds, as high-risk compliance
	blacklistHit := matchAnyList(lists.Blacklists, req.Messages)
	if blacklistHit != "" {
		v.Compliance.RiskLevel = types.RiskHigh
		v.Compliance.Categories = append(v.Compliance.Categories, blacklistHit)
	}

	// 3. scanner evaluation
	scanners, err := r.cache.Scanners(ctx, req.TenantID, req.ApplicationID, req.IsSuperAdmin)
	if err != nil {
		return nil, err
	}
	riskCfg, err := r.cache.RiskConfig(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}
	outcome, err := r.engine.Scan(ctx, ScanInput{
		TenantID:  req.TenantID,
		RequestID: req.RequestID,
		Messages:  req.Messages,
		Scanners:  scanners,
		Risk:      riskCfg,
	})
	if err != nil {
		return nil, err
	}

	mergeDimension(&v.Compliance, outcome.Compliance)
	mergeDimension(&v.Security, outcome.Security)
	mergeDimension(&v.Data.DimensionVerdict, outcome.Data.DimensionVerdict)
	v.Data.DetectedEntities = outcome.Data.DetectedEntities
	v.Score = outcome.MaxScore

	// 4. data-leakage disposal
	if v.Data.RiskLevel != types.RiskNone {
		if err := r.applyDataDisposal(ctx, req, v); err != nil {
			return nil, err
		}
	}

	// 5. security/compliance disposal (skip if already rejected)
	if v.SuggestAction != types.ActionReject {
		level := types.MaxRisk(v.Compliance.RiskLevel, v.Security.RiskLevel)
		if level != types.RiskNone {
			if err := r.applyGatewayDisposal(ctx, req, v, level, outcome, blacklistHit); err != nil {
				return nil, err
			}
		}
	}

	// 6. overall level
	v.OverallRiskLevel = types.MaxRisk(v.Compliance.RiskLevel, v.Security.RiskLevel, v.Data.RiskLevel)
	return v, nil
}

func (r *Resolver) applyDataDisposal(ctx context.Context, req ResolveRequest, v *Verdict) error {
	matrix, err := r.store.Policies.EffectiveDataLeakagePolicy(ctx, req.TenantID, req.ApplicationID)
	if err != nil {
		return err
	}
	action := matrix.Cell(req.IsOutput, v.Data.RiskLevel)

	// output-side anonymize/switch requires a configured private model;
	// downgrade to block otherwise
	if req.IsOutput && (action == types.DisposalAnonymize || action == types.DisposalSwitchModel) {
		if matrix.PrivateModelID == "" && !r.hasPrivateModel(ctx, req.TenantID) {
			action = types.DisposalBlock
		}
	}

	switch action {
	case types.DisposalBlock:
		v.SuggestAction = types.ActionReject
		v.SuggestAnswer = r.templateAnswer(ctx, req, store.TemplateForScanner, firstDataCategory(v))
	case types.DisposalSwitchModel:
		v.SuggestAction = types.ActionPass
		v.SwitchPrivateModel = true
	case types.DisposalAnonymize:
		v.SuggestAction = types.ActionAnonymized
		r.rewriteMessages(req, v)
	case types.DisposalPass:
		// log only
	}
	return nil
}

func (r *Resolver) hasPrivateModel(ctx context.Context, tenantID string) bool {
	_, err := r.store.Policies.DefaultPrivateModelUpstream(ctx, tenantID)
	return err == nil
}

// rewriteMessages produces the anonymized conversation. In restorable mode
// every entity becomes a placeholder and the mapping rides on the verdict.
func (r *Resolver) rewriteMessages(req ResolveRequest, v *Verdict) {
	rewritten := make([]Message, len(req.Messages))
	mapping := make(anonymizer.RestoreMapping)
	counters := make(map[anonymizer.EntityType]int)

	var b strings.Builder
	for i := range req.Messages {
		text, err := req.Messages[i].Text()
		if err != nil || text == "" {
			rewritten[i] = req.Messages[i]
			continue
		}
		var out string
		if req.Restorable {
			out = r.anonymizer.AnonymizeRestore(text, mapping, counters)
		} else {
			out, _ = r.anonymizer.Anonymize(text)
		}
		rewritten[i] = TextMessage(req.Messages[i].Role, out)
		b.WriteString(out)
		b.WriteString("\n")
	}

	v.AnonymizedMessages = rewritten
	v.Data.AnonymizedText = strings.TrimRight(b.String(), "\n")
	if req.Restorable {
		v.Data.RestoreMapping = mapping
	}
}

func (r *Resolver) applyGatewayDisposal(ctx context.Context, req ResolveRequest, v *Verdict,
	level types.RiskLevel, outcome *ScanOutcome, blacklistHit string) error {
	matrix, err := r.store.Policies.EffectiveGatewayPolicy(ctx, req.TenantID, req.ApplicationID)
	if err != nil {
		return err
	}

	// the template/KB key is the highest-priority matched category
	templateType, identifier := r.primaryCategory(outcome, blacklistHit)

	switch matrix.Cell(req.IsOutput, level) {
	case types.DisposalBlock:
		v.SuggestAction = types.ActionReject
		v.SuggestAnswer = r.templateAnswer(ctx, req, templateType, identifier)
	case types.DisposalReplace:
		v.SuggestAction = types.ActionReplace
		v.SuggestAnswer = r.kbOrTemplateAnswer(ctx, req, templateType, identifier)
	default:
		// pass: log only
	}
	return nil
}

// primaryCategory picks the scanner tag (or blacklist name) used to select
// the canned answer: security before compliance, matches already ordered by
// risk desc then tag asc.
func (r *Resolver) primaryCategory(outcome *ScanOutcome, blacklistHit string) (templateType, identifier string) {
	if m := outcome.Matches[types.DimensionSecurity]; len(m) > 0 {
		return store.TemplateForScanner, m[0].scanner.Tag
	}
	if m := outcome.Matches[types.DimensionCompliance]; len(m) > 0 {
		return store.TemplateForScanner, m[0].scanner.Tag
	}
	if blacklistHit != "" {
		return store.TemplateForBlacklist, blacklistHit
	}
	return store.TemplateForScanner, ""
}

// kbOrTemplateAnswer consults the knowledge base first; any miss or failure
// falls back to the response template.
func (r *Resolver) kbOrTemplateAnswer(ctx context.Context, req ResolveRequest, templateType, identifier string) string {
	if match := r.kb.Lookup(ctx, req.ApplicationID, identifier, lastUserText(req.Messages)); match != nil {
		return r.rewriteKBAnswer(ctx, req, match)
	}
	return r.templateAnswer(ctx, req, templateType, identifier)
}

// rewriteKBAnswer reshapes the stored answer into a direct reply to the
// user's question through the safety model. Any failure, or the caller's
// opt-out, serves the stored answer untouched.
func (r *Resolver) rewriteKBAnswer(ctx context.Context, req ResolveRequest, match *KBMatch) string {
	if req.SkipKBRewrite || r.genai == nil {
		return match.Answer
	}
	text, err := r.genai.Rewrite(ctx, lastUserText(req.Messages), match.Answer)
	if err != nil {
		r.log.Warn(req.TenantID, req.RequestID, "kb answer rewrite failed, serving stored answer",
			map[string]interface{}{"error": err.Error()})
		return match.Answer
	}
	if text == "" {
		return match.Answer
	}
	return text
}

// templateAnswer resolves the canned answer chain: application template in
// the request language, then the default language, then the built-in string.
func (r *Resolver) templateAnswer(ctx context.Context, req ResolveRequest, templateType, identifier string) string {
	templates, err := r.cache.Templates(ctx, req.ApplicationID)
	if err != nil {
		r.log.Warn(req.TenantID, req.RequestID, "template cache load failed",
			map[string]interface{}{"error": err.Error()})
		templates = nil
	}
	if content, ok := templates[templateType+"/"+identifier]; ok {
		if text := content[normalizeLanguage(req.Language)]; text != "" {
			return text
		}
		if text := content[r.defaultLanguage]; text != "" {
			return text
		}
		for _, text := range content {
			if text != "" {
				return text
			}
		}
	}
	return builtinAnswer(normalizeLanguage(req.Language), identifier)
}

// builtinAnswer is the last-resort canned reply.
func builtinAnswer(lang, identifier string) string {
	if strings.HasPrefix(lang, "zh") {
		return "抱歉，该内容涉及受限话题，无法继续处理。"
	}
	_ = identifier
	return "I'm sorry, but I can't help with that request."
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return lang
	}
	// Accept-Language may carry a quality list; keep the primary tag
	if i := strings.IndexAny(lang, ",;"); i >= 0 {
		lang = lang[:i]
	}
	if i := strings.Index(lang, "-"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}

func firstDataCategory(v *Verdict) string {
	if len(v.Data.Categories) > 0 {
		return v.Data.Categories[0]
	}
	return ""
}

// matchAnyList returns the name of the first list containing a keyword that
// appears (case-insensitive substring) in any message.
func matchAnyList(lists map[string][]string, msgs []Message) string {
	if len(lists) == 0 {
		return ""
	}
	var texts []string
	for i := range msgs {
		if text, err := msgs[i].Text(); err == nil && text != "" {
			texts = append(texts, strings.ToLower(text))
		}
	}
	for name, keywords := range lists {
		for _, kw := range keywords {
			for _, text := range texts {
				if strings.Contains(text, kw) {
					return name
				}
			}
		}
	}
	return ""
}

func lastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			if text, err := msgs[i].Text(); err == nil {
				return text
			}
		}
	}
	return ""
}

func mergeDimension(dst *DimensionVerdict, src DimensionVerdict) {
	if src.RiskLevel.Rank() > dst.RiskLevel.Rank() {
		dst.RiskLevel = src.RiskLevel
	}
	dst.Categories = append(dst.Categories, src.Categories...)
	if src.Score != nil {
		dst.Score = src.Score
	}
}
