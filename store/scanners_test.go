// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openguard/platform/shared/types"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func scannerRows(tags ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "package_id", "tag", "name", "description", "type", "definition",
		"risk_level", "scan_prompt", "scan_response", "active", "created_at", "updated_at",
	})
	now := time.Now()
	for _, tag := range tags {
		rows.AddRow("scn-"+tag, "pkg-1", tag, "Scanner "+tag, nil, types.ScannerGenAI,
			"definition", types.RiskHigh, true, true, true, now, now)
	}
	return rows
}

func TestEffectiveSetTenantRequiresPurchase(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(`status = 'approved'`).
		WithArgs("t1", false).
		WillReturnRows(scannerRows("S1", "S2"))

	scanners, err := st.Scanners.EffectiveSet(context.Background(), "t1", "", false)
	require.NoError(t, err)
	assert.Len(t, scanners, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEffectiveSetSuperAdminSpansEveryPackage(t *testing.T) {
	st, mock := newTestStore(t)

	// the widened predicate admits any packaged scanner when $2 is true
	mock.ExpectQuery(`package_id IS NOT NULL`).
		WithArgs("t1", true).
		WillReturnRows(scannerRows("S1", "S30", "S31"))

	scanners, err := st.Scanners.EffectiveSet(context.Background(), "t1", "", true)
	require.NoError(t, err)
	require.Len(t, scanners, 3)
	assert.Equal(t, "S30", scanners[1].Tag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEffectiveSetIncludesCustomScanners(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectQuery(`custom_scanners`).
		WithArgs("t1", false, "app1").
		WillReturnRows(scannerRows("S1", "S100"))

	scanners, err := st.Scanners.EffectiveSet(context.Background(), "t1", "app1", false)
	require.NoError(t, err)
	assert.Len(t, scanners, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteCascadesTagBoundRows(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT tag FROM scanners`).
		WithArgs("scn-1").
		WillReturnRows(sqlmock.NewRows([]string{"tag"}).AddRow("S100"))
	mock.ExpectExec(`UPDATE scanners`).
		WithArgs("scn-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM application_scanner_configs`).
		WithArgs("scn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM knowledge_bases`).
		WithArgs("S100").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM response_templates`).
		WithArgs(TemplateForScanner, "S100").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.Scanners.SoftDelete(context.Background(), "scn-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteMissingScanner(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT tag FROM scanners`).
		WithArgs("scn-missing").
		WillReturnRows(sqlmock.NewRows([]string{"tag"}))
	mock.ExpectRollback()

	err := st.Scanners.SoftDelete(context.Background(), "scn-missing")
	assert.ErrorIs(t, err, ErrScannerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
