// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
)

// schemaStatements are executed in order at admin boot. Every statement is
// idempotent so a restart against an initialized database is a no-op.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		verified BOOLEAN NOT NULL DEFAULT false,
		is_super_admin BOOLEAN NOT NULL DEFAULT false,
		api_key TEXT NOT NULL UNIQUE,
		model_api_key TEXT UNIQUE,
		rate_limit_rps INTEGER NOT NULL DEFAULT 10,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tenant_subscriptions (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL UNIQUE REFERENCES tenants(id) ON DELETE CASCADE,
		type TEXT NOT NULL DEFAULT 'free',
		monthly_quota BIGINT NOT NULL,
		current_month_usage BIGINT NOT NULL DEFAULT 0,
		usage_reset_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS applications (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		api_key TEXT NOT NULL UNIQUE,
		external_id TEXT,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, external_id)
	)`,

	`CREATE TABLE IF NOT EXISTS scanner_packages (
		id UUID PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		author TEXT,
		version TEXT,
		license TEXT,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS scanners (
		id UUID PRIMARY KEY,
		package_id UUID REFERENCES scanner_packages(id) ON DELETE CASCADE,
		tag TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		type TEXT NOT NULL,
		definition TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		scan_prompt BOOLEAN NOT NULL DEFAULT true,
		scan_response BOOLEAN NOT NULL DEFAULT false,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS application_scanner_configs (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
		scanner_id UUID NOT NULL REFERENCES scanners(id) ON DELETE CASCADE,
		is_enabled BOOLEAN NOT NULL DEFAULT true,
		risk_level TEXT,
		scan_prompt BOOLEAN,
		scan_response BOOLEAN,
		UNIQUE (application_id, scanner_id)
	)`,

	`CREATE TABLE IF NOT EXISTS custom_scanners (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
		scanner_id UUID NOT NULL REFERENCES scanners(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (application_id, scanner_id)
	)`,

	`CREATE TABLE IF NOT EXISTS package_purchases (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		package_id UUID NOT NULL REFERENCES scanner_packages(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, package_id)
	)`,

	`CREATE TABLE IF NOT EXISTS keyword_lists (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		keywords JSONB NOT NULL DEFAULT '[]'::jsonb,
		is_whitelist BOOLEAN NOT NULL DEFAULT false,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS knowledge_bases (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		scanner_tag TEXT NOT NULL DEFAULT '',
		vector_file_path TEXT NOT NULL,
		total_pairs INTEGER NOT NULL DEFAULT 0,
		similarity_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		is_global BOOLEAN NOT NULL DEFAULT false,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS response_templates (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
		scanner_type TEXT NOT NULL,
		scanner_identifier TEXT NOT NULL,
		content JSONB NOT NULL DEFAULT '{}'::jsonb,
		is_default BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (application_id, scanner_type, scanner_identifier)
	)`,

	`CREATE TABLE IF NOT EXISTS risk_type_configs (
		id UUID PRIMARY KEY,
		application_id UUID NOT NULL UNIQUE REFERENCES applications(id) ON DELETE CASCADE,
		enabled_categories JSONB NOT NULL DEFAULT '{}'::jsonb,
		low_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		medium_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.4,
		high_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.1,
		sensitivity_trigger_level TEXT NOT NULL DEFAULT 'medium',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS data_leakage_policies (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		application_id UUID REFERENCES applications(id) ON DELETE CASCADE,
		input_high_risk_action TEXT,
		input_medium_risk_action TEXT,
		input_low_risk_action TEXT,
		output_high_risk_action TEXT,
		output_medium_risk_action TEXT,
		output_low_risk_action TEXT,
		private_model_id TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS data_leakage_policies_tenant_default
		ON data_leakage_policies (tenant_id) WHERE application_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS data_leakage_policies_app
		ON data_leakage_policies (tenant_id, application_id) WHERE application_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS gateway_policies (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		application_id UUID REFERENCES applications(id) ON DELETE CASCADE,
		input_high_risk_action TEXT,
		input_medium_risk_action TEXT,
		input_low_risk_action TEXT,
		output_high_risk_action TEXT,
		output_medium_risk_action TEXT,
		output_low_risk_action TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS gateway_policies_tenant_default
		ON gateway_policies (tenant_id) WHERE application_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS gateway_policies_app
		ON gateway_policies (tenant_id, application_id) WHERE application_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS upstream_api_configs (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		config_name TEXT NOT NULL,
		provider TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key_encrypted TEXT NOT NULL DEFAULT '',
		is_data_safe BOOLEAN NOT NULL DEFAULT false,
		is_default_private_model BOOLEAN NOT NULL DEFAULT false,
		private_model_names JSONB NOT NULL DEFAULT '[]'::jsonb,
		block_on_input_risk BOOLEAN NOT NULL DEFAULT false,
		block_on_output_risk BOOLEAN NOT NULL DEFAULT false,
		is_default BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, config_name)
	)`,

	`CREATE TABLE IF NOT EXISTS model_routes (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		model_pattern TEXT NOT NULL,
		match_type TEXT NOT NULL DEFAULT 'exact',
		priority INTEGER NOT NULL DEFAULT 0,
		upstream_api_config_id UUID NOT NULL REFERENCES upstream_api_configs(id) ON DELETE CASCADE,
		application_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
		active BOOLEAN NOT NULL DEFAULT true
	)`,

	`CREATE TABLE IF NOT EXISTS detection_results (
		id UUID PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		application_id UUID NOT NULL,
		tenant_id UUID NOT NULL,
		content TEXT NOT NULL,
		security_risk_level TEXT NOT NULL DEFAULT 'no_risk',
		security_categories JSONB NOT NULL DEFAULT '[]'::jsonb,
		compliance_risk_level TEXT NOT NULL DEFAULT 'no_risk',
		compliance_categories JSONB NOT NULL DEFAULT '[]'::jsonb,
		data_risk_level TEXT NOT NULL DEFAULT 'no_risk',
		data_categories JSONB NOT NULL DEFAULT '[]'::jsonb,
		suggest_action TEXT NOT NULL,
		suggest_answer TEXT,
		model_response TEXT,
		score DOUBLE PRECISION,
		image_paths JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS detection_results_app_created
		ON detection_results (application_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS appeal_records (
		id UUID PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES detection_results(request_id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		ai_verdict TEXT,
		reviewed_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS model_usage (
		tenant_id UUID NOT NULL,
		model TEXT NOT NULL,
		date DATE NOT NULL,
		requests BIGINT NOT NULL DEFAULT 0,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, model, date)
	)`,
}

// InitSchema creates all tables and indexes. Only the admin service calls it;
// detection and proxy assume the schema exists.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
