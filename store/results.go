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

// ErrResultNotFound is returned when a detection result lookup misses.
var ErrResultNotFound = errors.New("detection result not found")

// ResultRepository stores the immutable per-request detection log. Rows are
// written by the log importer, so inserts are idempotent on request_id.
type ResultRepository struct {
	db *sql.DB
}

const resultColumns = `id, request_id, application_id, tenant_id, content,
	security_risk_level, security_categories, compliance_risk_level, compliance_categories,
	data_risk_level, data_categories, suggest_action, suggest_answer, model_response,
	score, image_paths, created_at`

// Insert writes one result. Duplicate request IDs are silently skipped, which
// makes re-importing a partially consumed log file safe.
func (r *ResultRepository) Insert(ctx context.Context, d *DetectionResult) (inserted bool, err error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO detection_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11::jsonb, $12, $13, $14, $15, $16::jsonb, $17)
		ON CONFLICT (request_id) DO NOTHING
	`, d.ID, d.RequestID, d.ApplicationID, d.TenantID, d.Content,
		d.SecurityRiskLevel, marshalJSONB(d.SecurityCategories, "[]"),
		d.ComplianceRiskLevel, marshalJSONB(d.ComplianceCategories, "[]"),
		d.DataRiskLevel, marshalJSONB(d.DataCategories, "[]"),
		d.SuggestAction, d.SuggestAnswer, d.ModelResponse,
		d.Score, marshalJSONB(d.ImagePaths, "[]"), d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert detection result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func scanResult(row interface{ Scan(...interface{}) error }) (*DetectionResult, error) {
	d := &DetectionResult{}
	var secCats, compCats, dataCats, images []byte
	var answer, modelResp sql.NullString
	var score sql.NullFloat64
	err := row.Scan(&d.ID, &d.RequestID, &d.ApplicationID, &d.TenantID, &d.Content,
		&d.SecurityRiskLevel, &secCats, &d.ComplianceRiskLevel, &compCats,
		&d.DataRiskLevel, &dataCats, &d.SuggestAction, &answer, &modelResp,
		&score, &images, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.SuggestAnswer = answer.String
	d.ModelResponse = modelResp.String
	if score.Valid {
		d.Score = &score.Float64
	}
	for raw, dst := range map[*[]byte]*[]string{
		&secCats: &d.SecurityCategories, &compCats: &d.ComplianceCategories,
		&dataCats: &d.DataCategories, &images: &d.ImagePaths,
	} {
		if len(*raw) > 0 {
			if err := json.Unmarshal(*raw, dst); err != nil {
				return nil, fmt.Errorf("failed to decode result categories: %w", err)
			}
		}
	}
	return d, nil
}

// GetByRequestID fetches one result.
func (r *ResultRepository) GetByRequestID(ctx context.Context, requestID string) (*DetectionResult, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM detection_results WHERE request_id = $1
	`, requestID)
	d, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query detection result: %w", err)
	}
	return d, nil
}

// ResultQuery filters the log listing.
type ResultQuery struct {
	ApplicationID string
	TenantID      string
	RiskOnly      bool
	Since         time.Time
	Until         time.Time
	Limit         int
	Offset        int
}

// List returns results newest first.
func (r *ResultRepository) List(ctx context.Context, q ResultQuery) ([]DetectionResult, error) {
	query := `SELECT ` + resultColumns + ` FROM detection_results WHERE 1=1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if q.ApplicationID != "" {
		add(` AND application_id = $%d`, q.ApplicationID)
	}
	if q.TenantID != "" {
		add(` AND tenant_id = $%d`, q.TenantID)
	}
	if q.RiskOnly {
		query += ` AND suggest_action != 'pass'`
	}
	if !q.Since.IsZero() {
		add(` AND created_at >= $%d`, q.Since)
	}
	if !q.Until.IsZero() {
		add(` AND created_at < $%d`, q.Until)
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	add(` LIMIT $%d`, q.Limit)
	if q.Offset > 0 {
		add(` OFFSET $%d`, q.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection results: %w", err)
	}
	defer rows.Close()

	var out []DetectionResult
	for rows.Next() {
		d, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CountByAction aggregates the log for dashboards: action -> count within
// the window.
func (r *ResultRepository) CountByAction(ctx context.Context, applicationID string, since time.Time) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT suggest_action, count(*)
		FROM detection_results
		WHERE application_id = $1 AND created_at >= $2
		GROUP BY suggest_action
	`, applicationID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		out[action] = n
	}
	return out, rows.Err()
}

// importerLockKey namespaces the advisory lock the log importer takes so
// only one process imports at a time.
const importerLockKey = 7428391

// TryImporterLock takes the session-scoped advisory lock for the importer.
// Returns false without blocking when another process holds it.
func (r *ResultRepository) TryImporterLock(ctx context.Context) (bool, error) {
	var got bool
	err := r.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, importerLockKey).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("failed to take importer lock: %w", err)
	}
	return got, nil
}

// ReleaseImporterLock drops the advisory lock.
func (r *ResultRepository) ReleaseImporterLock(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, importerLockKey)
	if err != nil {
		return fmt.Errorf("failed to release importer lock: %w", err)
	}
	return nil
}

// --- appeals ---

// CreateAppeal records a public appeal for a blocked request.
func (r *ResultRepository) CreateAppeal(ctx context.Context, requestID string) (*AppealRecord, error) {
	now := time.Now().UTC()
	a := &AppealRecord{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Status:    AppealPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO appeal_records (id, request_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, a.ID, a.RequestID, a.Status, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert appeal: %w", err)
	}
	return a, nil
}

// UpdateAppeal moves an appeal through review.
func (r *ResultRepository) UpdateAppeal(ctx context.Context, id string, status AppealStatus, aiVerdict, reviewedBy string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE appeal_records
		SET status = $2, ai_verdict = $3, reviewed_by = $4, updated_at = now()
		WHERE id = $1
	`, id, status, aiVerdict, reviewedBy)
	if err != nil {
		return fmt.Errorf("failed to update appeal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrResultNotFound
	}
	return nil
}

// ListAppeals returns appeals by status, newest first.
func (r *ResultRepository) ListAppeals(ctx context.Context, status AppealStatus, limit int) ([]AppealRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, status, ai_verdict, reviewed_by, created_at, updated_at
		FROM appeal_records WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query appeals: %w", err)
	}
	return collectAppeals(rows)
}

// ListAppealsByRequest returns every appeal filed against one request,
// newest first.
func (r *ResultRepository) ListAppealsByRequest(ctx context.Context, requestID string) ([]AppealRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, status, ai_verdict, reviewed_by, created_at, updated_at
		FROM appeal_records WHERE request_id = $1 ORDER BY created_at DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query appeals: %w", err)
	}
	return collectAppeals(rows)
}

func collectAppeals(rows *sql.Rows) ([]AppealRecord, error) {
	defer rows.Close()

	var out []AppealRecord
	for rows.Next() {
		var a AppealRecord
		var verdict, reviewer sql.NullString
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Status, &verdict, &reviewer, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan appeal row: %w", err)
		}
		a.AIVerdict = verdict.String
		a.ReviewedBy = reviewer.String
		out = append(out, a)
	}
	return out, rows.Err()
}
