package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/obtura/deployd/pkg/types"
)

// ErrNotFound is returned when a referenced row does not exist
var ErrNotFound = errors.New("not found")

// GetDeployment fetches one deployment row
func (s *Store) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	const query = `
		SELECT id, project_id, environment, image_tag, strategy, replica_count,
		       COALESCE(domain, '') AS domain, COALESCE(subdomain, '') AS subdomain,
		       status, approval_required, COALESCE(error_message, '') AS error_message,
		       is_rollback, COALESCE(rolled_back_from_deployment_id::text, '') AS rolled_back_from_deployment_id,
		       created_at, updated_at
		FROM deployments
		WHERE id = $1
	`
	var d types.Deployment
	if err := s.db.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &d, nil
}

// SetDeploymentStatus updates the lifecycle status of a deployment.
// The status must belong to the closed set and the row must exist.
func (s *Store) SetDeploymentStatus(ctx context.Context, id string, status types.DeploymentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid deployment status: %s", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDeploying transitions a deployment to deploying and stamps the start
func (s *Store) MarkDeploying(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = $2, deployment_started_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id, types.DeploymentDeploying)
	if err != nil {
		return fmt.Errorf("failed to mark deployment deploying: %w", err)
	}
	return nil
}

// MarkCompleted stamps the completion time alongside a terminal status
func (s *Store) MarkCompleted(ctx context.Context, id string, status types.DeploymentStatus, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid deployment status: %s", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = $2, error_message = NULLIF($3, ''),
		    deployment_completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark deployment completed: %w", err)
	}
	return nil
}

// MarkFailed records the failure on the deployment row
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.MarkCompleted(ctx, id, types.DeploymentFailed, errMsg)
}

// SetDetectedDependencies persists the detected services/databases blob
func (s *Store) SetDetectedDependencies(ctx context.Context, id, depsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET detected_dependencies = $2, updated_at = NOW() WHERE id = $1`,
		id, depsJSON)
	if err != nil {
		return fmt.Errorf("failed to store detected dependencies: %w", err)
	}
	return nil
}

// BuildMetadata fetches the raw metadata blob attached to a build
func (s *Store) BuildMetadata(ctx context.Context, buildID string) ([]byte, error) {
	var metadata []byte
	err := s.db.GetContext(ctx, &metadata, `SELECT metadata FROM builds WHERE id = $1`, buildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("build %s: %w", buildID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch build metadata: %w", err)
	}
	return metadata, nil
}

// InFlightByCompany counts non-terminal deployments per tenant. The
// reconciler feeds this into the rate limiter so the cached concurrent
// counters converge on the SQL truth.
func (s *Store) InFlightByCompany(ctx context.Context) (map[string]int, error) {
	const query = `
		SELECT p.company_id, COUNT(*) AS n
		FROM deployments d
		JOIN projects p ON p.id = d.project_id
		WHERE d.status IN ('pending', 'deploying')
		GROUP BY p.company_id
	`
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight deployments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var companyID string
		var n int
		if err := rows.Scan(&companyID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan in-flight count: %w", err)
		}
		counts[companyID] = n
	}
	return counts, rows.Err()
}

// EnvironmentCount returns the number of distinct active environments of
// a project.
func (s *Store) EnvironmentCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(DISTINCT environment) FROM deployments
		WHERE project_id = $1 AND status = 'active'`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to count environments: %w", err)
	}
	return count, nil
}

// PreviewEnvironmentCount returns the number of active preview deployments
func (s *Store) PreviewEnvironmentCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM deployments
		WHERE project_id = $1 AND status = 'active' AND environment = 'preview'`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to count preview environments: %w", err)
	}
	return count, nil
}
