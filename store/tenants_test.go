// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKeyPrefixes(t *testing.T) {
	key := NewAPIKey()
	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.False(t, strings.HasPrefix(key, ModelAPIKeyPrefix))

	modelKey := NewModelAPIKey()
	assert.True(t, strings.HasPrefix(modelKey, ModelAPIKeyPrefix))
	// model keys must also carry the plain prefix so prefix routing works
	assert.True(t, strings.HasPrefix(modelKey, APIKeyPrefix))
}

func TestNewAPIKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		k := NewAPIKey()
		require.False(t, seen[k], "duplicate key generated")
		seen[k] = true
	}
}

func TestCheckAndIncrementUsage(t *testing.T) {
	t.Run("under quota increments", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("UPDATE tenant_subscriptions").
			WithArgs("t1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		s := NewWithDB(db)
		retry, err := s.Tenants.CheckAndIncrementUsage(context.Background(), "t1")
		require.NoError(t, err)
		assert.Zero(t, retry)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("at quota returns retry-after", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		resetAt := time.Now().Add(2 * time.Hour)
		mock.ExpectExec("UPDATE tenant_subscriptions").
			WithArgs("t1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, tenant_id, type").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "type", "monthly_quota", "current_month_usage", "usage_reset_at",
			}).AddRow("s1", "t1", "free", 1000, 1000, resetAt))

		s := NewWithDB(db)
		retry, err := s.Tenants.CheckAndIncrementUsage(context.Background(), "t1")
		require.ErrorIs(t, err, ErrQuotaExceeded)
		assert.Greater(t, retry, int64(7000))
		assert.LessOrEqual(t, retry, int64(7200))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreateTenantDuplicateEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tenants").
		WillReturnError(errors.New("driver error"))
	mock.ExpectRollback()

	s := NewWithDB(db)
	_, err = s.Tenants.Create(context.Background(), "a@b.c", "hash")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateEmail, "non-pq errors must not map to duplicate email")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetExpiredUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE tenant_subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 3))

	s := NewWithDB(db)
	n, err := s.Tenants.ResetExpiredUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
