// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Template scanner types. A template answers for either a scanner tag or a
// blacklist name.
const (
	TemplateForScanner   = "scanner"
	TemplateForBlacklist = "blacklist"
)

// ErrTemplateNotFound is returned when a template lookup misses.
var ErrTemplateNotFound = errors.New("response template not found")

// TemplateRepository provides the per-application canned answers keyed by
// the unique (application_id, scanner_type, scanner_identifier) triple.
type TemplateRepository struct {
	db *sql.DB
}

// Upsert writes the template for one triple, replacing the content map.
func (r *TemplateRepository) Upsert(ctx context.Context, t *ResponseTemplate) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO response_templates (id, application_id, scanner_type, scanner_identifier, content, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $7)
		ON CONFLICT (application_id, scanner_type, scanner_identifier) DO UPDATE
		SET content = EXCLUDED.content, is_default = EXCLUDED.is_default, updated_at = now()
	`, t.ID, t.ApplicationID, t.ScannerType, t.ScannerIdentifier, marshalJSONB(t.Content, "{}"), t.IsDefault, now)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}

// Get fetches the template for one triple.
func (r *TemplateRepository) Get(ctx context.Context, applicationID, scannerType, identifier string) (*ResponseTemplate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, application_id, scanner_type, scanner_identifier, content, is_default, created_at, updated_at
		FROM response_templates
		WHERE application_id = $1 AND scanner_type = $2 AND scanner_identifier = $3
	`, applicationID, scannerType, identifier)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query template: %w", err)
	}
	return t, nil
}

// ListByApplication returns all templates of an application.
func (r *TemplateRepository) ListByApplication(ctx context.Context, applicationID string) ([]ResponseTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, application_id, scanner_type, scanner_identifier, content, is_default, created_at, updated_at
		FROM response_templates WHERE application_id = $1 ORDER BY scanner_type, scanner_identifier
	`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var out []ResponseTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Delete removes a template by ID.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM response_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func scanTemplate(row interface{ Scan(...interface{}) error }) (*ResponseTemplate, error) {
	t := &ResponseTemplate{}
	var raw []byte
	err := row.Scan(&t.ID, &t.ApplicationID, &t.ScannerType, &t.ScannerIdentifier, &raw, &t.IsDefault, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.Content); err != nil {
			return nil, fmt.Errorf("failed to decode template content: %w", err)
		}
	}
	return t, nil
}
