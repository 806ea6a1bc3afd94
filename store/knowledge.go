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

// ErrKnowledgeBaseNotFound is returned when a knowledge-base lookup misses.
var ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")

// KnowledgeBaseRepository provides the per-application Q&A corpora. The
// embeddings themselves live in sidecar files under the shared data
// directory; only the metadata is stored here.
type KnowledgeBaseRepository struct {
	db *sql.DB
}

const kbColumns = `id, application_id, name, scanner_tag, vector_file_path, total_pairs, similarity_threshold, is_global, active, created_at, updated_at`

func scanKB(row interface{ Scan(...interface{}) error }) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	err := row.Scan(&kb.ID, &kb.ApplicationID, &kb.Name, &kb.ScannerTag, &kb.VectorFilePath,
		&kb.TotalPairs, &kb.SimilarityThreshold, &kb.IsGlobal, &kb.Active, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return kb, nil
}

// Create inserts a knowledge base record.
func (r *KnowledgeBaseRepository) Create(ctx context.Context, kb *KnowledgeBase) error {
	now := time.Now().UTC()
	if kb.ID == "" {
		kb.ID = uuid.New().String()
	}
	kb.Active = true
	kb.CreatedAt = now
	kb.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (`+kbColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $9)
	`, kb.ID, kb.ApplicationID, kb.Name, kb.ScannerTag, kb.VectorFilePath,
		kb.TotalPairs, kb.SimilarityThreshold, kb.IsGlobal, now)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

// Update rewrites metadata after a re-index.
func (r *KnowledgeBaseRepository) Update(ctx context.Context, kb *KnowledgeBase) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE knowledge_bases
		SET name = $2, scanner_tag = $3, vector_file_path = $4, total_pairs = $5,
		    similarity_threshold = $6, is_global = $7, active = $8, updated_at = now()
		WHERE id = $1
	`, kb.ID, kb.Name, kb.ScannerTag, kb.VectorFilePath, kb.TotalPairs,
		kb.SimilarityThreshold, kb.IsGlobal, kb.Active)
	if err != nil {
		return fmt.Errorf("failed to update knowledge base: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKnowledgeBaseNotFound
	}
	return nil
}

// Delete removes the record. The caller removes the sidecar vector file.
func (r *KnowledgeBaseRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKnowledgeBaseNotFound
	}
	return nil
}

// GetByID fetches one knowledge base.
func (r *KnowledgeBaseRepository) GetByID(ctx context.Context, id string) (*KnowledgeBase, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+kbColumns+` FROM knowledge_bases WHERE id = $1`, id)
	kb, err := scanKB(row)
	if err == sql.ErrNoRows {
		return nil, ErrKnowledgeBaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge base: %w", err)
	}
	return kb, nil
}

// ListByApplication returns the application's active knowledge bases.
func (r *KnowledgeBaseRepository) ListByApplication(ctx context.Context, applicationID string) ([]KnowledgeBase, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+kbColumns+` FROM knowledge_bases
		WHERE application_id = $1 AND active = true ORDER BY name
	`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge bases: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base row: %w", err)
		}
		out = append(out, *kb)
	}
	return out, rows.Err()
}

// ForScanner returns the knowledge bases consulted when the given scanner tag
// fires: global ones plus those bound to the tag.
func (r *KnowledgeBaseRepository) ForScanner(ctx context.Context, applicationID, scannerTag string) ([]KnowledgeBase, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+kbColumns+` FROM knowledge_bases
		WHERE application_id = $1 AND active = true AND (is_global = true OR scanner_tag = $2)
		ORDER BY is_global, name
	`, applicationID, scannerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge bases: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base row: %w", err)
		}
		out = append(out, *kb)
	}
	return out, rows.Err()
}
