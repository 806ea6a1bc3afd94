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

func TestRouteMatching(t *testing.T) {
	tests := []struct {
		name  string
		route ModelRoute
		model string
		app   string
		want  bool
	}{
		{
			name:  "exact match",
			route: ModelRoute{ModelPattern: "gpt-4o", MatchType: MatchExact},
			model: "gpt-4o",
			want:  true,
		},
		{
			name:  "exact mismatch",
			route: ModelRoute{ModelPattern: "gpt-4o", MatchType: MatchExact},
			model: "gpt-4o-mini",
			want:  false,
		},
		{
			name:  "prefix match",
			route: ModelRoute{ModelPattern: "gpt-", MatchType: MatchPrefix},
			model: "gpt-4o-mini",
			want:  true,
		},
		{
			name:  "prefix mismatch",
			route: ModelRoute{ModelPattern: "claude-", MatchType: MatchPrefix},
			model: "gpt-4o",
			want:  false,
		},
		{
			name:  "app scoped route for other app",
			route: ModelRoute{ModelPattern: "gpt-4o", MatchType: MatchExact, ApplicationIDs: []string{"app2"}},
			model: "gpt-4o",
			app:   "app1",
			want:  false,
		},
		{
			name:  "app scoped route for this app",
			route: ModelRoute{ModelPattern: "gpt-4o", MatchType: MatchExact, ApplicationIDs: []string{"app1"}},
			model: "gpt-4o",
			app:   "app1",
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := routeMatches(&tt.route, tt.model) && routeAppliesTo(&tt.route, tt.app)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisposalMatrixCell(t *testing.T) {
	m := &EffectiveDisposalMatrix{
		InputHigh: types.DisposalBlock, InputMedium: types.DisposalAnonymize, InputLow: types.DisposalPass,
		OutputHigh: types.DisposalBlock, OutputMedium: types.DisposalReplace, OutputLow: types.DisposalPass,
	}
	assert.Equal(t, types.DisposalBlock, m.Cell(false, types.RiskHigh))
	assert.Equal(t, types.DisposalAnonymize, m.Cell(false, types.RiskMedium))
	assert.Equal(t, types.DisposalReplace, m.Cell(true, types.RiskMedium))
	assert.Equal(t, types.DisposalPass, m.Cell(true, types.RiskNone))
}

func TestUpsertRiskConfigValidatesThresholds(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db)
	err = s.Policies.UpsertRiskConfig(context.Background(), &RiskTypeConfig{
		ApplicationID:   "app1",
		HighThreshold:   0.5,
		MediumThreshold: 0.4,
		LowThreshold:    0.7,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high < medium < low")
}

func TestEffectiveDataLeakagePolicyMergesOverride(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{
		"id", "tenant_id", "application_id",
		"input_high_risk_action", "input_medium_risk_action", "input_low_risk_action",
		"output_high_risk_action", "output_medium_risk_action", "output_low_risk_action",
		"private_model_id", "updated_at",
	}
	// tenant default row: input high = block, private model set
	mock.ExpectQuery("FROM data_leakage_policies").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p1", "t1", nil, "block", nil, nil, nil, nil, nil, "upstream-1", time.Now()))
	// application override: input high = anonymize
	mock.ExpectQuery("FROM data_leakage_policies").
		WithArgs("t1", "app1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p2", "t1", "app1", "anonymize", nil, nil, nil, nil, nil, nil, time.Now()))

	s := NewWithDB(db)
	m, err := s.Policies.EffectiveDataLeakagePolicy(context.Background(), "t1", "app1")
	require.NoError(t, err)

	// override wins over tenant default
	assert.Equal(t, types.DisposalAnonymize, m.InputHigh)
	// unset cells fall back to the built-in defaults
	assert.Equal(t, types.DisposalSwitchModel, m.InputMedium)
	assert.Equal(t, types.DisposalAnonymize, m.InputLow)
	// private model inherited from tenant default
	assert.Equal(t, "upstream-1", m.PrivateModelID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
