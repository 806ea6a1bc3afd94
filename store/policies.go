// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"openguard/platform/shared/types"
)

// ErrPolicyNotFound is returned when a policy lookup misses.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrUpstreamNotFound is returned when an upstream config lookup misses.
var ErrUpstreamNotFound = errors.New("upstream config not found")

// ErrRouteNotFound is returned when no model route matches.
var ErrRouteNotFound = errors.New("no model route matched")

// PolicyRepository provides risk-type configs, disposal policies, upstream
// model configs, and model routes.
type PolicyRepository struct {
	db *sql.DB
}

// --- risk type config ---

// GetRiskConfig returns the application's risk-type configuration.
func (r *PolicyRepository) GetRiskConfig(ctx context.Context, applicationID string) (*RiskTypeConfig, error) {
	c := &RiskTypeConfig{}
	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, application_id, enabled_categories, low_threshold, medium_threshold, high_threshold, sensitivity_trigger_level, updated_at
		FROM risk_type_configs WHERE application_id = $1
	`, applicationID).Scan(&c.ID, &c.ApplicationID, &raw, &c.LowThreshold, &c.MediumThreshold,
		&c.HighThreshold, &c.SensitivityTriggerLevel, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query risk config: %w", err)
	}
	c.EnabledCategories = map[string]bool{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.EnabledCategories); err != nil {
			return nil, fmt.Errorf("failed to decode enabled categories: %w", err)
		}
	}
	return c, nil
}

// UpsertRiskConfig validates the threshold ordering (high < medium < low)
// and writes the row.
func (r *PolicyRepository) UpsertRiskConfig(ctx context.Context, c *RiskTypeConfig) error {
	if !(c.HighThreshold < c.MediumThreshold && c.MediumThreshold < c.LowThreshold) {
		return fmt.Errorf("thresholds must satisfy high < medium < low, got %.2f/%.2f/%.2f",
			c.HighThreshold, c.MediumThreshold, c.LowThreshold)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO risk_type_configs (id, application_id, enabled_categories, low_threshold, medium_threshold, high_threshold, sensitivity_trigger_level, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, now())
		ON CONFLICT (application_id) DO UPDATE
		SET enabled_categories = EXCLUDED.enabled_categories,
		    low_threshold = EXCLUDED.low_threshold,
		    medium_threshold = EXCLUDED.medium_threshold,
		    high_threshold = EXCLUDED.high_threshold,
		    sensitivity_trigger_level = EXCLUDED.sensitivity_trigger_level,
		    updated_at = now()
	`, c.ID, c.ApplicationID, marshalJSONB(c.EnabledCategories, "{}"),
		c.LowThreshold, c.MediumThreshold, c.HighThreshold, c.SensitivityTriggerLevel)
	if err != nil {
		return fmt.Errorf("failed to upsert risk config: %w", err)
	}
	return nil
}

// --- disposal policies ---

const disposalColumns = `id, tenant_id, application_id,
	input_high_risk_action, input_medium_risk_action, input_low_risk_action,
	output_high_risk_action, output_medium_risk_action, output_low_risk_action`

func scanDisposalRow(row interface{ Scan(...interface{}) error }, withPrivateModel bool) (id, tenantID string, appID *string, actions [6]*types.DisposalAction, privateModel *string, updatedAt time.Time, err error) {
	var app, pm sql.NullString
	var cells [6]sql.NullString
	dest := []interface{}{&id, &tenantID, &app, &cells[0], &cells[1], &cells[2], &cells[3], &cells[4], &cells[5]}
	if withPrivateModel {
		dest = append(dest, &pm)
	}
	dest = append(dest, &updatedAt)
	if err = row.Scan(dest...); err != nil {
		return
	}
	if app.Valid {
		appID = &app.String
	}
	if pm.Valid {
		privateModel = &pm.String
	}
	for i, c := range cells {
		if c.Valid {
			a := types.DisposalAction(c.String)
			actions[i] = &a
		}
	}
	return
}

// GetDataLeakagePolicy returns the raw row for a tenant (applicationID nil)
// or an application override.
func (r *PolicyRepository) GetDataLeakagePolicy(ctx context.Context, tenantID string, applicationID *string) (*DataLeakagePolicy, error) {
	where := `WHERE tenant_id = $1 AND application_id IS NULL`
	args := []interface{}{tenantID}
	if applicationID != nil {
		where = `WHERE tenant_id = $1 AND application_id = $2`
		args = append(args, *applicationID)
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+disposalColumns+`, private_model_id, updated_at
		FROM data_leakage_policies `+where, args...)
	id, tid, appID, actions, pm, updatedAt, err := scanDisposalRow(row, true)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query data-leakage policy: %w", err)
	}
	return &DataLeakagePolicy{
		ID: id, TenantID: tid, ApplicationID: appID,
		InputHighAction: actions[0], InputMediumAction: actions[1], InputLowAction: actions[2],
		OutputHighAction: actions[3], OutputMediumAction: actions[4], OutputLowAction: actions[5],
		PrivateModelID: pm, UpdatedAt: updatedAt,
	}, nil
}

// GetGatewayPolicy returns the raw row for a tenant or application.
func (r *PolicyRepository) GetGatewayPolicy(ctx context.Context, tenantID string, applicationID *string) (*GatewayPolicy, error) {
	where := `WHERE tenant_id = $1 AND application_id IS NULL`
	args := []interface{}{tenantID}
	if applicationID != nil {
		where = `WHERE tenant_id = $1 AND application_id = $2`
		args = append(args, *applicationID)
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+disposalColumns+`, updated_at
		FROM gateway_policies `+where, args...)
	id, tid, appID, actions, _, updatedAt, err := scanDisposalRow(row, false)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query gateway policy: %w", err)
	}
	return &GatewayPolicy{
		ID: id, TenantID: tid, ApplicationID: appID,
		InputHighAction: actions[0], InputMediumAction: actions[1], InputLowAction: actions[2],
		OutputHighAction: actions[3], OutputMediumAction: actions[4], OutputLowAction: actions[5],
		UpdatedAt: updatedAt,
	}, nil
}

func coalesceAction(override, base *types.DisposalAction, fallback types.DisposalAction) types.DisposalAction {
	if override != nil {
		return *override
	}
	if base != nil {
		return *base
	}
	return fallback
}

// EffectiveDisposalMatrix is the fully resolved action matrix for one
// application, with every cell populated.
type EffectiveDisposalMatrix struct {
	InputHigh, InputMedium, InputLow    types.DisposalAction
	OutputHigh, OutputMedium, OutputLow types.DisposalAction
	PrivateModelID                      string
}

// Cell returns the action for one (isOutput, level) pair. Levels below low
// resolve to pass.
func (m *EffectiveDisposalMatrix) Cell(isOutput bool, level types.RiskLevel) types.DisposalAction {
	if isOutput {
		switch level {
		case types.RiskHigh:
			return m.OutputHigh
		case types.RiskMedium:
			return m.OutputMedium
		case types.RiskLow:
			return m.OutputLow
		}
		return types.DisposalPass
	}
	switch level {
	case types.RiskHigh:
		return m.InputHigh
	case types.RiskMedium:
		return m.InputMedium
	case types.RiskLow:
		return m.InputLow
	}
	return types.DisposalPass
}

// EffectiveDataLeakagePolicy merges the application override over the tenant
// defaults, cell by cell. Unset cells fall back to block for high risk,
// switch_private_model for medium, and anonymize for low.
func (r *PolicyRepository) EffectiveDataLeakagePolicy(ctx context.Context, tenantID, applicationID string) (*EffectiveDisposalMatrix, error) {
	base, err := r.GetDataLeakagePolicy(ctx, tenantID, nil)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}
	if base == nil {
		base = &DataLeakagePolicy{}
	}
	override, err := r.GetDataLeakagePolicy(ctx, tenantID, &applicationID)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}
	if override == nil {
		override = &DataLeakagePolicy{}
	}

	m := &EffectiveDisposalMatrix{
		InputHigh:    coalesceAction(override.InputHighAction, base.InputHighAction, types.DisposalBlock),
		InputMedium:  coalesceAction(override.InputMediumAction, base.InputMediumAction, types.DisposalSwitchModel),
		InputLow:     coalesceAction(override.InputLowAction, base.InputLowAction, types.DisposalAnonymize),
		OutputHigh:   coalesceAction(override.OutputHighAction, base.OutputHighAction, types.DisposalBlock),
		OutputMedium: coalesceAction(override.OutputMediumAction, base.OutputMediumAction, types.DisposalSwitchModel),
		OutputLow:    coalesceAction(override.OutputLowAction, base.OutputLowAction, types.DisposalAnonymize),
	}
	if override.PrivateModelID != nil {
		m.PrivateModelID = *override.PrivateModelID
	} else if base.PrivateModelID != nil {
		m.PrivateModelID = *base.PrivateModelID
	}
	return m, nil
}

// EffectiveGatewayPolicy merges the application override over the tenant
// defaults. Unset cells fall back to block for high, replace for medium, and
// pass for low.
func (r *PolicyRepository) EffectiveGatewayPolicy(ctx context.Context, tenantID, applicationID string) (*EffectiveDisposalMatrix, error) {
	base, err := r.GetGatewayPolicy(ctx, tenantID, nil)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}
	if base == nil {
		base = &GatewayPolicy{}
	}
	override, err := r.GetGatewayPolicy(ctx, tenantID, &applicationID)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}
	if override == nil {
		override = &GatewayPolicy{}
	}

	return &EffectiveDisposalMatrix{
		InputHigh:    coalesceAction(override.InputHighAction, base.InputHighAction, types.DisposalBlock),
		InputMedium:  coalesceAction(override.InputMediumAction, base.InputMediumAction, types.DisposalReplace),
		InputLow:     coalesceAction(override.InputLowAction, base.InputLowAction, types.DisposalPass),
		OutputHigh:   coalesceAction(override.OutputHighAction, base.OutputHighAction, types.DisposalBlock),
		OutputMedium: coalesceAction(override.OutputMediumAction, base.OutputMediumAction, types.DisposalReplace),
		OutputLow:    coalesceAction(override.OutputLowAction, base.OutputLowAction, types.DisposalPass),
	}, nil
}

// UpdateDataLeakagePolicy rewrites the matrix cells of one row.
func (r *PolicyRepository) UpdateDataLeakagePolicy(ctx context.Context, p *DataLeakagePolicy) error {
	where := `tenant_id = $7 AND application_id IS NULL`
	args := []interface{}{
		actionArg(p.InputHighAction), actionArg(p.InputMediumAction), actionArg(p.InputLowAction),
		actionArg(p.OutputHighAction), actionArg(p.OutputMediumAction), actionArg(p.OutputLowAction),
		p.TenantID,
	}
	if p.ApplicationID != nil {
		where = `tenant_id = $7 AND application_id = $8`
		args = append(args, *p.ApplicationID)
	}
	var pmArg interface{}
	if p.PrivateModelID != nil {
		pmArg = *p.PrivateModelID
	}
	args = append(args, pmArg)
	pmIdx := len(args)

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE data_leakage_policies
		SET input_high_risk_action = $1, input_medium_risk_action = $2, input_low_risk_action = $3,
		    output_high_risk_action = $4, output_medium_risk_action = $5, output_low_risk_action = $6,
		    private_model_id = $%d, updated_at = now()
		WHERE %s`, pmIdx, where), args...)
	if err != nil {
		return fmt.Errorf("failed to update data-leakage policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// UpdateGatewayPolicy rewrites the matrix cells of one row.
func (r *PolicyRepository) UpdateGatewayPolicy(ctx context.Context, p *GatewayPolicy) error {
	where := `tenant_id = $7 AND application_id IS NULL`
	args := []interface{}{
		actionArg(p.InputHighAction), actionArg(p.InputMediumAction), actionArg(p.InputLowAction),
		actionArg(p.OutputHighAction), actionArg(p.OutputMediumAction), actionArg(p.OutputLowAction),
		p.TenantID,
	}
	if p.ApplicationID != nil {
		where = `tenant_id = $7 AND application_id = $8`
		args = append(args, *p.ApplicationID)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE gateway_policies
		SET input_high_risk_action = $1, input_medium_risk_action = $2, input_low_risk_action = $3,
		    output_high_risk_action = $4, output_medium_risk_action = $5, output_low_risk_action = $6,
		    updated_at = now()
		WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("failed to update gateway policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func actionArg(a *types.DisposalAction) interface{} {
	if a == nil {
		return nil
	}
	return string(*a)
}

// --- upstream API configs ---

const upstreamColumns = `id, tenant_id, config_name, provider, base_url, api_key_encrypted,
	is_data_safe, is_default_private_model, private_model_names,
	block_on_input_risk, block_on_output_risk, is_default, created_at, updated_at`

func scanUpstream(row interface{ Scan(...interface{}) error }) (*UpstreamAPIConfig, error) {
	u := &UpstreamAPIConfig{}
	var names []byte
	err := row.Scan(&u.ID, &u.TenantID, &u.ConfigName, &u.Provider, &u.BaseURL, &u.APIKeyEncrypted,
		&u.IsDataSafe, &u.IsDefaultPrivateModel, &names,
		&u.BlockOnInputRisk, &u.BlockOnOutputRisk, &u.IsDefault, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		if err := json.Unmarshal(names, &u.PrivateModelNames); err != nil {
			return nil, fmt.Errorf("failed to decode private model names: %w", err)
		}
	}
	return u, nil
}

// CreateUpstream inserts an upstream config. The API key must already be
// encrypted by the caller.
func (r *PolicyRepository) CreateUpstream(ctx context.Context, u *UpstreamAPIConfig) error {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upstream_api_configs (`+upstreamColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $13)
	`, u.ID, u.TenantID, u.ConfigName, u.Provider, u.BaseURL, u.APIKeyEncrypted,
		u.IsDataSafe, u.IsDefaultPrivateModel, marshalJSONB(u.PrivateModelNames, "[]"),
		u.BlockOnInputRisk, u.BlockOnOutputRisk, u.IsDefault, now)
	if err != nil {
		return fmt.Errorf("failed to insert upstream config: %w", err)
	}
	return nil
}

// UpdateUpstream rewrites a config. Pass an empty APIKeyEncrypted to keep the
// stored key.
func (r *PolicyRepository) UpdateUpstream(ctx context.Context, u *UpstreamAPIConfig) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upstream_api_configs
		SET config_name = $2, provider = $3, base_url = $4,
		    api_key_encrypted = CASE WHEN $5 = '' THEN api_key_encrypted ELSE $5 END,
		    is_data_safe = $6, is_default_private_model = $7, private_model_names = $8::jsonb,
		    block_on_input_risk = $9, block_on_output_risk = $10, is_default = $11, updated_at = now()
		WHERE id = $1
	`, u.ID, u.ConfigName, u.Provider, u.BaseURL, u.APIKeyEncrypted,
		u.IsDataSafe, u.IsDefaultPrivateModel, marshalJSONB(u.PrivateModelNames, "[]"),
		u.BlockOnInputRisk, u.BlockOnOutputRisk, u.IsDefault)
	if err != nil {
		return fmt.Errorf("failed to update upstream config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUpstreamNotFound
	}
	return nil
}

// DeleteUpstream removes a config and its routes.
func (r *PolicyRepository) DeleteUpstream(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM upstream_api_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upstream config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUpstreamNotFound
	}
	return nil
}

// GetUpstream fetches one config by ID.
func (r *PolicyRepository) GetUpstream(ctx context.Context, id string) (*UpstreamAPIConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+upstreamColumns+` FROM upstream_api_configs WHERE id = $1`, id)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, ErrUpstreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query upstream config: %w", err)
	}
	return u, nil
}

// ListUpstreams returns a tenant's upstream configs.
func (r *PolicyRepository) ListUpstreams(ctx context.Context, tenantID string) ([]UpstreamAPIConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+upstreamColumns+` FROM upstream_api_configs
		WHERE tenant_id = $1 ORDER BY config_name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query upstream configs: %w", err)
	}
	defer rows.Close()

	var out []UpstreamAPIConfig
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upstream row: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// DefaultUpstream returns the tenant's default upstream config.
func (r *PolicyRepository) DefaultUpstream(ctx context.Context, tenantID string) (*UpstreamAPIConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+upstreamColumns+` FROM upstream_api_configs
		WHERE tenant_id = $1 AND is_default = true LIMIT 1
	`, tenantID)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, ErrUpstreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query default upstream: %w", err)
	}
	return u, nil
}

// DefaultPrivateModelUpstream returns the tenant's designated private-model
// endpoint for switch_private_model dispositions.
func (r *PolicyRepository) DefaultPrivateModelUpstream(ctx context.Context, tenantID string) (*UpstreamAPIConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+upstreamColumns+` FROM upstream_api_configs
		WHERE tenant_id = $1 AND is_default_private_model = true LIMIT 1
	`, tenantID)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, ErrUpstreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query private-model upstream: %w", err)
	}
	return u, nil
}

// --- model routes ---

// CreateRoute inserts a model route.
func (r *PolicyRepository) CreateRoute(ctx context.Context, route *ModelRoute) error {
	if route.ID == "" {
		route.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_routes (id, tenant_id, model_pattern, match_type, priority, upstream_api_config_id, application_ids, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, true)
	`, route.ID, route.TenantID, route.ModelPattern, route.MatchType, route.Priority,
		route.UpstreamAPIConfigID, marshalJSONB(route.ApplicationIDs, "[]"))
	if err != nil {
		return fmt.Errorf("failed to insert model route: %w", err)
	}
	return nil
}

// DeleteRoute removes a route.
func (r *PolicyRepository) DeleteRoute(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM model_routes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete model route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRouteNotFound
	}
	return nil
}

// ListRoutes returns all active routes of a tenant.
func (r *PolicyRepository) ListRoutes(ctx context.Context, tenantID string) ([]ModelRoute, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, model_pattern, match_type, priority, upstream_api_config_id, application_ids, active
		FROM model_routes WHERE tenant_id = $1 AND active = true
		ORDER BY priority DESC, model_pattern
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query model routes: %w", err)
	}
	defer rows.Close()

	var out []ModelRoute
	for rows.Next() {
		var m ModelRoute
		var apps []byte
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ModelPattern, &m.MatchType, &m.Priority,
			&m.UpstreamAPIConfigID, &apps, &m.Active); err != nil {
			return nil, fmt.Errorf("failed to scan route row: %w", err)
		}
		if len(apps) > 0 {
			if err := json.Unmarshal(apps, &m.ApplicationIDs); err != nil {
				return nil, fmt.Errorf("failed to decode route applications: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ResolveRoute picks the upstream for a requested model name. Higher priority
// wins; at equal priority an exact match beats a prefix match and an
// application-scoped route beats a global one. Falls back to the tenant's
// default upstream when no route matches.
func (r *PolicyRepository) ResolveRoute(ctx context.Context, tenantID, applicationID, model string) (*UpstreamAPIConfig, error) {
	routes, err := r.ListRoutes(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var best *ModelRoute
	bestScore := -1
	for i := range routes {
		rt := &routes[i]
		if !routeMatches(rt, model) || !routeAppliesTo(rt, applicationID) {
			continue
		}
		score := rt.Priority * 4
		if rt.MatchType == MatchExact {
			score += 2
		}
		if len(rt.ApplicationIDs) > 0 {
			score++
		}
		if score > bestScore {
			best = rt
			bestScore = score
		}
	}
	if best != nil {
		return r.GetUpstream(ctx, best.UpstreamAPIConfigID)
	}
	u, err := r.DefaultUpstream(ctx, tenantID)
	if errors.Is(err, ErrUpstreamNotFound) {
		return nil, ErrRouteNotFound
	}
	return u, err
}

func routeMatches(rt *ModelRoute, model string) bool {
	switch rt.MatchType {
	case MatchExact:
		return rt.ModelPattern == model
	case MatchPrefix:
		return strings.HasPrefix(model, rt.ModelPattern)
	}
	return false
}

func routeAppliesTo(rt *ModelRoute, applicationID string) bool {
	if len(rt.ApplicationIDs) == 0 {
		return true
	}
	for _, id := range rt.ApplicationIDs {
		if id == applicationID {
			return true
		}
	}
	return false
}
