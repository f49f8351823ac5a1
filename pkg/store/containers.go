package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/obtura/deployd/pkg/types"
)

// Host port pool for published containers
const (
	PortRangeStart = 9100
	PortRangeEnd   = 9900
)

// ErrPortsExhausted is returned when no host port is free in the pool
var ErrPortsExhausted = errors.New("host port pool exhausted")

const containerColumns = `
	id, deployment_id, container_id, container_name, image, port,
	deployment_group, replica_index, status, health_status,
	is_active, is_primary, health_checks_passed, health_checks_failed,
	consecutive_health_failures
`

// InsertContainer stores a new container row, claiming a host port from
// the pool in the same transaction that allocates it. Concurrent
// deployments racing to the same port surface as an engine bind error
// and are retried by the caller with a fresh allocation.
func (s *Store) InsertContainer(ctx context.Context, c *types.Container) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		port, err := allocatePort(ctx, tx)
		if err != nil {
			return err
		}
		c.Port = port

		err = tx.QueryRowxContext(ctx, `
			INSERT INTO deployment_containers
				(id, deployment_id, container_id, container_name, image, port,
				 deployment_group, replica_index, status, health_status,
				 is_active, is_primary, started_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			RETURNING id`,
			c.DeploymentID, c.ContainerID, c.Name, c.Image, c.Port,
			c.Group, c.ReplicaIndex, c.Status, c.Health,
			c.IsActive, c.IsPrimary,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("failed to insert container: %w", err)
		}
		return nil
	})
}

// allocatePort picks the next free host port among non-terminal
// containers: max+1 while the range allows, otherwise the first gap in
// the used set. Returns ErrPortsExhausted when the pool is full.
func allocatePort(ctx context.Context, tx *sqlx.Tx) (int, error) {
	var maxPort sql.NullInt64
	err := tx.GetContext(ctx, &maxPort, `
		SELECT MAX(port) FROM deployment_containers
		WHERE status NOT IN ('stopped', 'failed')`)
	if err != nil {
		return 0, fmt.Errorf("failed to read port pool: %w", err)
	}

	if !maxPort.Valid || maxPort.Int64 < PortRangeStart {
		return PortRangeStart, nil
	}
	if maxPort.Int64 < PortRangeEnd {
		return int(maxPort.Int64) + 1, nil
	}

	// Top of the range reached: scan for the first gap
	var used []int
	err = tx.SelectContext(ctx, &used, `
		SELECT port FROM deployment_containers
		WHERE status NOT IN ('stopped', 'failed') AND port BETWEEN $1 AND $2
		ORDER BY port`,
		PortRangeStart, PortRangeEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to scan used ports: %w", err)
	}

	inUse := make(map[int]bool, len(used))
	for _, p := range used {
		inUse[p] = true
	}
	for p := PortRangeStart; p <= PortRangeEnd; p++ {
		if !inUse[p] {
			return p, nil
		}
	}
	return 0, ErrPortsExhausted
}

// SetContainerEngineID records the engine handle after a create call
func (s *Store) SetContainerEngineID(ctx context.Context, rowID, engineID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployment_containers SET container_id = $2, updated_at = NOW() WHERE id = $1`,
		rowID, engineID)
	if err != nil {
		return fmt.Errorf("failed to set container engine id: %w", err)
	}
	return nil
}

// UpdateContainerStatus sets the runtime and health status of a container
func (s *Store) UpdateContainerStatus(ctx context.Context, containerID string, status types.ContainerStatus, health types.HealthStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployment_containers
		SET status = $2, health_status = $3, updated_at = NOW()
		WHERE container_id = $1`,
		containerID, status, health)
	if err != nil {
		return fmt.Errorf("failed to update container status: %w", err)
	}
	return nil
}

// MarkContainerStopped deactivates a container and stamps the stop time
func (s *Store) MarkContainerStopped(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployment_containers
		SET is_active = false, is_primary = false, status = 'stopped',
		    stopped_at = NOW(), updated_at = NOW()
		WHERE container_id = $1`,
		containerID)
	if err != nil {
		return fmt.Errorf("failed to mark container stopped: %w", err)
	}
	return nil
}

// UpdateContainerGroup reclassifies a container (canary promotion)
func (s *Store) UpdateContainerGroup(ctx context.Context, containerID string, group types.Group, isPrimary bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployment_containers
		SET deployment_group = $2, is_primary = $3, updated_at = NOW()
		WHERE container_id = $1`,
		containerID, group, isPrimary)
	if err != nil {
		return fmt.Errorf("failed to update container group: %w", err)
	}
	return nil
}

// ActiveContainers lists the active, running containers of a deployment
func (s *Store) ActiveContainers(ctx context.Context, deploymentID string) ([]*types.Container, error) {
	query := `SELECT ` + containerColumns + `
		FROM deployment_containers
		WHERE deployment_id = $1 AND is_active = true AND status IN ('starting', 'running')
		ORDER BY replica_index`

	var containers []*types.Container
	if err := s.db.SelectContext(ctx, &containers, query, deploymentID); err != nil {
		return nil, fmt.Errorf("failed to list active containers: %w", err)
	}
	return containers, nil
}

// ContainersByGroup lists every container of a deployment group
func (s *Store) ContainersByGroup(ctx context.Context, deploymentID string, group types.Group) ([]*types.Container, error) {
	query := `SELECT ` + containerColumns + `
		FROM deployment_containers
		WHERE deployment_id = $1 AND deployment_group = $2
		ORDER BY replica_index`

	var containers []*types.Container
	if err := s.db.SelectContext(ctx, &containers, query, deploymentID, group); err != nil {
		return nil, fmt.Errorf("failed to list containers by group: %w", err)
	}
	return containers, nil
}

// EnvContainersByGroup lists the non-terminal containers of a group
// across every deployment of a (project, environment). Blue/green uses
// it to find and drain the previously active cohort.
func (s *Store) EnvContainersByGroup(ctx context.Context, projectID string, env types.Environment, group types.Group) ([]*types.Container, error) {
	query := `
		SELECT ` + containerColumns + `
		FROM deployment_containers c
		JOIN deployments d ON d.id = c.deployment_id
		WHERE d.project_id = $1 AND d.environment = $2
		  AND c.deployment_group = $3 AND c.status NOT IN ('stopped', 'failed')
		ORDER BY c.replica_index`

	var containers []*types.Container
	if err := s.db.SelectContext(ctx, &containers, query, projectID, env, group); err != nil {
		return nil, fmt.Errorf("failed to list environment containers: %w", err)
	}
	return containers, nil
}

// LatestActiveGroup reports the deployment group of the most recently
// started running containers of a (project, environment), or empty when
// the environment has never run.
func (s *Store) LatestActiveGroup(ctx context.Context, projectID string, env types.Environment) (types.Group, error) {
	var group string
	err := s.db.GetContext(ctx, &group, `
		SELECT c.deployment_group
		FROM deployment_containers c
		JOIN deployments d ON d.id = c.deployment_id
		WHERE d.project_id = $1 AND d.environment = $2
		  AND c.is_active = true AND c.status = 'running'
		ORDER BY c.started_at DESC
		LIMIT 1`,
		projectID, env)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve active group: %w", err)
	}
	return types.Group(group), nil
}

// ActiveDeploymentID returns the currently active deployment of a
// (project, environment), or empty.
func (s *Store) ActiveDeploymentID(ctx context.Context, projectID string, env types.Environment) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM deployments
		WHERE project_id = $1 AND environment = $2 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1`,
		projectID, env)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve active deployment: %w", err)
	}
	return id, nil
}

// NonTerminalContainers lists every container row that is not stopped
// or failed, with its engine id. The reconciler compares these against
// what the engine actually runs.
func (s *Store) NonTerminalContainers(ctx context.Context) ([]*types.Container, error) {
	query := `SELECT ` + containerColumns + `
		FROM deployment_containers
		WHERE status NOT IN ('stopped', 'failed')
		ORDER BY started_at`

	var containers []*types.Container
	if err := s.db.SelectContext(ctx, &containers, query); err != nil {
		return nil, fmt.Errorf("failed to list non-terminal containers: %w", err)
	}
	return containers, nil
}

// RestartableContainers lists a deployment's container rows that still
// have an engine handle and did not fail. Rollback restarts these.
func (s *Store) RestartableContainers(ctx context.Context, deploymentID string) ([]*types.Container, error) {
	query := `SELECT ` + containerColumns + `
		FROM deployment_containers
		WHERE deployment_id = $1 AND container_id != '' AND status != 'failed'
		ORDER BY replica_index`

	var containers []*types.Container
	if err := s.db.SelectContext(ctx, &containers, query, deploymentID); err != nil {
		return nil, fmt.Errorf("failed to list restartable containers: %w", err)
	}
	return containers, nil
}

// MarkContainerRowFailed retires a row by primary key. Used when the
// engine rejects a create call, before any engine id exists.
func (s *Store) MarkContainerRowFailed(ctx context.Context, rowID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployment_containers
		SET status = 'failed', health_status = 'failed', is_active = false,
		    is_primary = false, updated_at = NOW()
		WHERE id = $1`,
		rowID)
	if err != nil {
		return fmt.Errorf("failed to retire container row: %w", err)
	}
	return nil
}

// MarkContainerFailed flags a container whose engine twin disappeared
func (s *Store) MarkContainerFailed(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployment_containers
		SET status = 'failed', health_status = 'failed', is_active = false,
		    is_primary = false, updated_at = NOW()
		WHERE container_id = $1`,
		containerID)
	if err != nil {
		return fmt.Errorf("failed to mark container failed: %w", err)
	}
	return nil
}
