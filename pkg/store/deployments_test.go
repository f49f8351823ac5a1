package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/obtura/deployd/pkg/types"
)

// TestGetDeployment tests row fetch and scanning
func TestGetDeployment(t *testing.T) {
	s, mock := newTestStore(t)

	cols := []string{
		"id", "project_id", "environment", "image_tag", "strategy", "replica_count",
		"domain", "subdomain", "status", "approval_required", "error_message",
		"is_rollback", "rolled_back_from_deployment_id", "created_at", "updated_at",
	}
	mock.ExpectQuery("FROM deployments").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("d1", "p1", "production", "registry/app:v1", "blue_green", 2,
				"shop.example.com", "", "active", false, "", false, "", time.Now(), time.Now()))

	d, err := s.GetDeployment(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, "d1", d.ID)
	require.Equal(t, types.EnvProduction, d.Environment)
	require.Equal(t, types.StrategyBlueGreen, d.Strategy)
	require.Equal(t, 2, d.ReplicaCount)
	require.Equal(t, "shop.example.com", d.Domain)
}

// TestGetDeploymentNotFound tests the sentinel error
func TestGetDeploymentNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("FROM deployments").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetDeployment(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}

// TestSetDeploymentStatus tests the happy path
func TestSetDeploymentStatus(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE deployments SET status").
		WithArgs("d1", "terminated").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SetDeploymentStatus(context.Background(), "d1", types.DeploymentTerminated)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSetDeploymentStatusInvalid tests the closed status set; no SQL runs
func TestSetDeploymentStatusInvalid(t *testing.T) {
	s, mock := newTestStore(t)

	err := s.SetDeploymentStatus(context.Background(), "d1", types.DeploymentStatus("paused"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid deployment status")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSetDeploymentStatusMissing tests zero rows affected
func TestSetDeploymentStatusMissing(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE deployments SET status").
		WithArgs("missing", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetDeploymentStatus(context.Background(), "missing", types.DeploymentActive)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}

// TestMarkDeploying tests the start transition
func TestMarkDeploying(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("deployment_started_at = NOW").
		WithArgs("d1", "deploying").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkDeploying(context.Background(), "d1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestMarkCompleted tests terminal stamping with and without an error
func TestMarkCompleted(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("deployment_completed_at = NOW").
		WithArgs("d1", "active", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("deployment_completed_at = NOW").
		WithArgs("d2", "failed", "health check deadline exceeded").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkCompleted(context.Background(), "d1", types.DeploymentActive, ""))
	require.NoError(t, s.MarkFailed(context.Background(), "d2", "health check deadline exceeded"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInFlightByCompany tests the per-tenant aggregation
func TestInFlightByCompany(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("GROUP BY p.company_id").
		WillReturnRows(sqlmock.NewRows([]string{"company_id", "n"}).
			AddRow("c1", 2).
			AddRow("c2", 1))

	counts, err := s.InFlightByCompany(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int{"c1": 2, "c2": 1}, counts)
}

// TestEnvironmentCounts tests the quota-check queries
func TestEnvironmentCounts(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("COUNT\\(DISTINCT environment\\)").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("environment = 'preview'").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	envs, err := s.EnvironmentCount(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 3, envs)

	previews, err := s.PreviewEnvironmentCount(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 4, previews)
}
