// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageRepository stores the daily per-(tenant, model) token aggregates used
// for direct-model billing. Content never reaches this table.
type UsageRepository struct {
	db *sql.DB
}

// Record folds one completed request into the day's aggregate row.
func (r *UsageRepository) Record(ctx context.Context, tenantID, model string, inputTokens, outputTokens int64) error {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_usage (tenant_id, model, date, requests, input_tokens, output_tokens, total_tokens)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (tenant_id, model, date) DO UPDATE
		SET requests = model_usage.requests + 1,
		    input_tokens = model_usage.input_tokens + EXCLUDED.input_tokens,
		    output_tokens = model_usage.output_tokens + EXCLUDED.output_tokens,
		    total_tokens = model_usage.total_tokens + EXCLUDED.total_tokens
	`, tenantID, model, day, inputTokens, outputTokens, inputTokens+outputTokens)
	if err != nil {
		return fmt.Errorf("failed to record model usage: %w", err)
	}
	return nil
}

// ListByTenant returns the tenant's daily aggregates within the window,
// newest first.
func (r *UsageRepository) ListByTenant(ctx context.Context, tenantID string, since time.Time) ([]ModelUsage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, model, date, requests, input_tokens, output_tokens, total_tokens
		FROM model_usage WHERE tenant_id = $1 AND date >= $2
		ORDER BY date DESC, model
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query model usage: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.TenantID, &u.Model, &u.Date, &u.Requests, &u.InputTokens, &u.OutputTokens, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
