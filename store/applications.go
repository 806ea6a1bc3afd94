// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrApplicationNotFound is returned when an application lookup misses.
var ErrApplicationNotFound = errors.New("application not found")

// ApplicationRepository provides application CRUD plus the create-time
// fan-out that seeds every per-application config table.
type ApplicationRepository struct {
	db *sql.DB
}

// GetByID fetches an application by ID.
func (r *ApplicationRepository) GetByID(ctx context.Context, id string) (*Application, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetByAPIKey fetches an application by its API key.
func (r *ApplicationRepository) GetByAPIKey(ctx context.Context, key string) (*Application, error) {
	return r.getOne(ctx, `WHERE api_key = $1`, key)
}

// GetByExternalID fetches the application a third-party consumer registered
// under X-OG-Application-ID for the given tenant.
func (r *ApplicationRepository) GetByExternalID(ctx context.Context, tenantID, externalID string) (*Application, error) {
	return r.getOne(ctx, `WHERE tenant_id = $1 AND external_id = $2`, tenantID, externalID)
}

func (r *ApplicationRepository) getOne(ctx context.Context, where string, args ...interface{}) (*Application, error) {
	a := &Application{}
	var externalID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, api_key, external_id, active, created_at, updated_at
		FROM applications `+where, args...).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.APIKey, &externalID, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query application: %w", err)
	}
	a.ExternalID = externalID.String
	return a, nil
}

// ListByTenant returns all applications owned by a tenant.
func (r *ApplicationRepository) ListByTenant(ctx context.Context, tenantID string) ([]Application, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, api_key, external_id, active, created_at, updated_at
		FROM applications WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		var a Application
		var externalID sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.APIKey, &externalID, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		a.ExternalID = externalID.String
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// Rename updates the application name.
func (r *ApplicationRepository) Rename(ctx context.Context, id, name string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE applications SET name = $2, updated_at = now() WHERE id = $1
	`, id, name)
	if err != nil {
		return fmt.Errorf("failed to rename application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrApplicationNotFound
	}
	return nil
}

// SetActive toggles the application.
func (r *ApplicationRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE applications SET active = $2, updated_at = now() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to toggle application: %w", err)
	}
	return nil
}

// Delete removes the application. Per-application rows cascade via foreign
// keys.
func (r *ApplicationRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrApplicationNotFound
	}
	return nil
}

// CreateApplicationWithDefaults atomically creates an application and its
// default configuration: a RiskTypeConfig, empty data-leakage and gateway
// policy override rows, an ApplicationScannerConfig row for every scanner in
// the tenant's effective set, and a ResponseTemplate for every one of those
// scanners.
//
// externalID may be empty; it is set when a third-party consumer auto-creates
// the application through X-OG-Application-ID.
func (s *Store) CreateApplicationWithDefaults(ctx context.Context, tenantID, name, externalID string) (*Application, error) {
	now := time.Now().UTC()
	app := &Application{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Name:       name,
		APIKey:     NewAPIKey(),
		ExternalID: externalID,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	scanners, err := s.Scanners.EffectiveSet(ctx, tenantID, "", false)
	if err != nil {
		return nil, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var extID interface{}
	if externalID != "" {
		extID = externalID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applications (id, tenant_id, name, api_key, external_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6)
	`, app.ID, app.TenantID, app.Name, app.APIKey, extID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert application: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_type_configs (id, application_id, enabled_categories, low_threshold, medium_threshold, high_threshold, sensitivity_trigger_level, updated_at)
		VALUES ($1, $2, '{}'::jsonb, $3, $4, $5, 'medium', $6)
	`, uuid.New().String(), app.ID, DefaultLowThreshold, DefaultMediumThreshold, DefaultHighThreshold, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert risk config: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO data_leakage_policies (id, tenant_id, application_id, updated_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New().String(), tenantID, app.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert data-leakage policy: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gateway_policies (id, tenant_id, application_id, updated_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New().String(), tenantID, app.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert gateway policy: %w", err)
	}

	for _, sc := range scanners {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO application_scanner_configs (id, application_id, scanner_id, is_enabled)
			VALUES ($1, $2, $3, true)
		`, uuid.New().String(), app.ID, sc.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert scanner config: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO response_templates (id, application_id, scanner_type, scanner_identifier, content, is_default, created_at, updated_at)
			VALUES ($1, $2, 'scanner', $3, $4::jsonb, true, $5, $5)
			ON CONFLICT (application_id, scanner_type, scanner_identifier) DO NOTHING
		`, uuid.New().String(), app.ID, sc.Tag, marshalJSONB(DefaultTemplateContent(sc.Name), "{}"), now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert response template: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return app, nil
}
