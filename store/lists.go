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

// ErrListNotFound is returned when a keyword list lookup misses.
var ErrListNotFound = errors.New("keyword list not found")

// ListRepository provides per-application keyword black/whitelists.
type ListRepository struct {
	db *sql.DB
}

// Create inserts a keyword list.
func (r *ListRepository) Create(ctx context.Context, l *KeywordList) error {
	now := time.Now().UTC()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.Active = true
	l.CreatedAt = now
	l.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO keyword_lists (id, application_id, name, keywords, is_whitelist, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, true, $6, $6)
	`, l.ID, l.ApplicationID, l.Name, marshalJSONB(l.Keywords, "[]"), l.IsWhitelist, now)
	if err != nil {
		return fmt.Errorf("failed to insert keyword list: %w", err)
	}
	return nil
}

// Update rewrites the name and keywords of a list.
func (r *ListRepository) Update(ctx context.Context, l *KeywordList) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE keyword_lists
		SET name = $2, keywords = $3::jsonb, active = $4, updated_at = now()
		WHERE id = $1
	`, l.ID, l.Name, marshalJSONB(l.Keywords, "[]"), l.Active)
	if err != nil {
		return fmt.Errorf("failed to update keyword list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrListNotFound
	}
	return nil
}

// Delete removes a list.
func (r *ListRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM keyword_lists WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete keyword list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrListNotFound
	}
	return nil
}

// GetByID fetches one list.
func (r *ListRepository) GetByID(ctx context.Context, id string) (*KeywordList, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, application_id, name, keywords, is_whitelist, active, created_at, updated_at
		FROM keyword_lists WHERE id = $1
	`, id)
	l, err := scanKeywordList(row)
	if err == sql.ErrNoRows {
		return nil, ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query keyword list: %w", err)
	}
	return l, nil
}

// ListByApplication returns the application's active lists. Pass whitelist
// nil for both kinds, or a pointer to filter.
func (r *ListRepository) ListByApplication(ctx context.Context, applicationID string, whitelist *bool) ([]KeywordList, error) {
	query := `
		SELECT id, application_id, name, keywords, is_whitelist, active, created_at, updated_at
		FROM keyword_lists WHERE application_id = $1 AND active = true`
	args := []interface{}{applicationID}
	if whitelist != nil {
		query += ` AND is_whitelist = $2`
		args = append(args, *whitelist)
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keyword lists: %w", err)
	}
	defer rows.Close()

	var out []KeywordList
	for rows.Next() {
		l, err := scanKeywordList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keyword list row: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanKeywordList(row interface{ Scan(...interface{}) error }) (*KeywordList, error) {
	l := &KeywordList{}
	var raw []byte
	err := row.Scan(&l.ID, &l.ApplicationID, &l.Name, &raw, &l.IsWhitelist, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &l.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords: %w", err)
		}
	}
	return l, nil
}
