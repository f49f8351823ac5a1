package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/obtura/deployd/pkg/types"
)

// ErrNoSubscription is returned when a tenant has no active subscription
var ErrNoSubscription = errors.New("no active subscription")

// Defaults applied when plan columns are NULL
const (
	defaultConcurrent   = 1
	defaultCPUCores     = 2.0
	defaultMemoryBytes  = int64(1) << 30 // 1GiB
	defaultEnvironments = 3
	defaultPreviews     = 5
	defaultRetention    = 5
)

// Service resolves per-tenant plan limits from the subscription tables.
// It is a pure read API; enforcement lives in the rate limiter and the
// orchestrator.
type Service struct {
	db *sqlx.DB
}

// NewService creates a quota service over the shared SQL pool
func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// planRow mirrors the subscription/plan join with nullable plan columns
type planRow struct {
	Tier          string          `db:"tier"`
	MaxConcurrent sql.NullInt64   `db:"max_concurrent_deployments"`
	MaxPerMonth   sql.NullInt64   `db:"max_deployments_per_month"`
	MaxCPUCores   sql.NullFloat64 `db:"max_cpu_cores"`
	MaxMemoryMB   sql.NullInt64   `db:"max_memory_mb"`
	MaxEnvs       sql.NullInt64   `db:"max_environments_per_project"`
	MaxPreviews   sql.NullInt64   `db:"max_preview_environments"`
	Retention     sql.NullInt64   `db:"rollback_retention"`
}

// ForCompany returns the resolved limits for a tenant
func (s *Service) ForCompany(ctx context.Context, companyID string) (types.DeploymentQuota, error) {
	const query = `
		SELECT p.tier, p.max_concurrent_deployments, p.max_deployments_per_month,
		       p.max_cpu_cores, p.max_memory_mb, p.max_environments_per_project,
		       p.max_preview_environments, p.rollback_retention
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.company_id = $1 AND s.status = 'active'
		ORDER BY s.created_at DESC
		LIMIT 1
	`

	var row planRow
	if err := s.db.GetContext(ctx, &row, query, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.DeploymentQuota{}, fmt.Errorf("company %s: %w", companyID, ErrNoSubscription)
		}
		return types.DeploymentQuota{}, fmt.Errorf("failed to resolve quota: %w", err)
	}

	return resolve(row), nil
}

// ForProject returns the resolved limits for the tenant owning a project
func (s *Service) ForProject(ctx context.Context, projectID string) (types.DeploymentQuota, error) {
	companyID, err := s.CompanyForProject(ctx, projectID)
	if err != nil {
		return types.DeploymentQuota{}, err
	}
	return s.ForCompany(ctx, companyID)
}

// CompanyForProject resolves the tenant that owns a project
func (s *Service) CompanyForProject(ctx context.Context, projectID string) (string, error) {
	var companyID string
	err := s.db.GetContext(ctx, &companyID,
		`SELECT company_id FROM projects WHERE id = $1`, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("project %s not found", projectID)
		}
		return "", fmt.Errorf("failed to resolve project owner: %w", err)
	}
	return companyID, nil
}

// resolve fills defaults for NULL plan columns so callers always get a
// fully populated struct.
func resolve(row planRow) types.DeploymentQuota {
	q := types.DeploymentQuota{
		MaxConcurrentDeployments:  defaultConcurrent,
		MaxDeploymentsPerMonth:    types.Unlimited,
		MaxCPUCores:               defaultCPUCores,
		MaxMemoryBytes:            defaultMemoryBytes,
		MaxEnvironmentsPerProject: defaultEnvironments,
		MaxPreviewEnvironments:    defaultPreviews,
		RollbackRetention:         defaultRetention,
		Tier:                      types.PlanTier(row.Tier),
	}

	if row.MaxConcurrent.Valid {
		q.MaxConcurrentDeployments = int(row.MaxConcurrent.Int64)
	}
	if row.MaxPerMonth.Valid {
		q.MaxDeploymentsPerMonth = int(row.MaxPerMonth.Int64)
	}
	if row.MaxCPUCores.Valid {
		q.MaxCPUCores = row.MaxCPUCores.Float64
	}
	if row.MaxMemoryMB.Valid {
		q.MaxMemoryBytes = row.MaxMemoryMB.Int64 << 20
	}
	if row.MaxEnvs.Valid {
		q.MaxEnvironmentsPerProject = int(row.MaxEnvs.Int64)
	}
	if row.MaxPreviews.Valid {
		q.MaxPreviewEnvironments = int(row.MaxPreviews.Int64)
	}
	if row.Retention.Valid {
		q.RollbackRetention = int(row.Retention.Int64)
	}

	return q
}
