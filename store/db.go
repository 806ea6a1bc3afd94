// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package store implements the PostgreSQL data model and repositories shared
// by the admin, detection, and proxy services.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Store wraps the database handle and exposes the repositories.
type Store struct {
	DB *sql.DB

	Tenants       *TenantRepository
	Applications  *ApplicationRepository
	Scanners      *ScannerRepository
	Lists         *ListRepository
	Templates     *TemplateRepository
	Policies      *PolicyRepository
	KnowledgeBase *KnowledgeBaseRepository
	Results       *ResultRepository
	Usage         *UsageRepository
}

// Open connects to PostgreSQL, verifies the connection, and sizes the pool
// for the calling service.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB builds a Store over an existing handle. Used by tests with
// sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		DB:            db,
		Tenants:       &TenantRepository{db: db},
		Applications:  &ApplicationRepository{db: db},
		Scanners:      &ScannerRepository{db: db},
		Lists:         &ListRepository{db: db},
		Templates:     &TemplateRepository{db: db},
		Policies:      &PolicyRepository{db: db},
		KnowledgeBase: &KnowledgeBaseRepository{db: db},
		Results:       &ResultRepository{db: db},
		Usage:         &UsageRepository{db: db},
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}
