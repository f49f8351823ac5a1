package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/obtura/deployd/pkg/types"
)

func expectInsertContainer(mock sqlmock.Sqlmock, c *types.Container, port int, rowID string) {
	mock.ExpectQuery("INSERT INTO deployment_containers").
		WithArgs(c.DeploymentID, c.ContainerID, c.Name, c.Image, port,
			string(c.Group), c.ReplicaIndex, string(c.Status), string(c.Health),
			c.IsActive, c.IsPrimary).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(rowID))
}

// TestInsertContainerFirstPort tests allocation on an empty pool
func TestInsertContainerFirstPort(t *testing.T) {
	s, mock := newTestStore(t)
	c := &types.Container{
		DeploymentID: "d1", Name: "obtura-d1-blue-0", Image: "registry/app:v1",
		Group: types.GroupBlue, Status: types.ContainerStarting, Health: types.HealthStarting,
		IsActive: true,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(port\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	expectInsertContainer(mock, c, PortRangeStart, "row-1")
	mock.ExpectCommit()

	err := s.InsertContainer(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, PortRangeStart, c.Port)
	require.Equal(t, "row-1", c.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertContainerNextPort tests max+1 allocation
func TestInsertContainerNextPort(t *testing.T) {
	s, mock := newTestStore(t)
	c := &types.Container{
		DeploymentID: "d1", Name: "obtura-d1-green-0", Image: "registry/app:v2",
		Group: types.GroupGreen, Status: types.ContainerStarting, Health: types.HealthStarting,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(port\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(9105))
	expectInsertContainer(mock, c, 9106, "row-2")
	mock.ExpectCommit()

	err := s.InsertContainer(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 9106, c.Port)
}

// TestInsertContainerScansGap tests first-gap allocation at range top
func TestInsertContainerScansGap(t *testing.T) {
	s, mock := newTestStore(t)
	c := &types.Container{
		DeploymentID: "d1", Name: "obtura-d1-blue-0", Image: "registry/app:v1",
		Group: types.GroupBlue, Status: types.ContainerStarting, Health: types.HealthStarting,
	}

	used := sqlmock.NewRows([]string{"port"})
	for _, p := range []int{9100, 9101, 9103, 9900} {
		used.AddRow(p)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(port\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(PortRangeEnd))
	mock.ExpectQuery("SELECT port FROM deployment_containers").
		WithArgs(PortRangeStart, PortRangeEnd).
		WillReturnRows(used)
	expectInsertContainer(mock, c, 9102, "row-3")
	mock.ExpectCommit()

	err := s.InsertContainer(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 9102, c.Port)
}

// TestInsertContainerPoolExhausted tests the closed range boundary
func TestInsertContainerPoolExhausted(t *testing.T) {
	s, mock := newTestStore(t)
	c := &types.Container{DeploymentID: "d1", Name: "n", Image: "i"}

	used := sqlmock.NewRows([]string{"port"})
	for p := PortRangeStart; p <= PortRangeEnd; p++ {
		used.AddRow(p)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(port\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(PortRangeEnd))
	mock.ExpectQuery("SELECT port FROM deployment_containers").
		WithArgs(PortRangeStart, PortRangeEnd).
		WillReturnRows(used)
	mock.ExpectRollback()

	err := s.InsertContainer(context.Background(), c)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPortsExhausted))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestMarkContainerStopped tests terminal row updates
func TestMarkContainerStopped(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("status = 'stopped'").
		WithArgs("engine-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkContainerStopped(context.Background(), "engine-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestLatestActiveGroupEmpty tests the never-deployed environment
func TestLatestActiveGroupEmpty(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT c.deployment_group").
		WithArgs("p1", "production").
		WillReturnRows(sqlmock.NewRows([]string{"deployment_group"}))

	group, err := s.LatestActiveGroup(context.Background(), "p1", types.EnvProduction)
	require.NoError(t, err)
	require.Equal(t, types.Group(""), group)
}
