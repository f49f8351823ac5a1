package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/obtura/deployd/pkg/types"
)

// SwitchTraffic flips a deployment's serving cohort in one transaction:
// existing routing rows are deactivated, old-group containers lose
// active/primary, new-group containers gain both, a single routing row
// at 100% is inserted, the strategy state's groups are updated, and any
// previously active deployment of the same (project, environment) is
// demoted to terminated. Readers observe either the old world or the
// new one, never a mix.
func (s *Store) SwitchTraffic(ctx context.Context, d *types.Deployment, oldGroup, newGroup types.Group, containerIDs []string) error {
	idsJSON, err := json.Marshal(containerIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal container ids: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE deployment_traffic_routing
			SET is_active = false, deactivated_at = NOW()
			WHERE deployment_id = $1 AND is_active = true`,
			d.ID)
		if err != nil {
			return fmt.Errorf("failed to deactivate routing rows: %w", err)
		}

		if oldGroup != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE deployment_containers c
				SET is_active = false, is_primary = false, updated_at = NOW()
				FROM deployments d
				WHERE d.id = c.deployment_id
				  AND d.project_id = $1 AND d.environment = $2
				  AND c.deployment_group = $3`,
				d.ProjectID, d.Environment, oldGroup)
			if err != nil {
				return fmt.Errorf("failed to deactivate old group: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployment_containers
			SET is_active = true, is_primary = true, updated_at = NOW()
			WHERE deployment_id = $1 AND deployment_group = $2`,
			d.ID, newGroup)
		if err != nil {
			return fmt.Errorf("failed to activate new group: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployment_traffic_routing
				(deployment_id, routing_group, traffic_percentage, container_ids)
			VALUES ($1, $2, 100, $3)`,
			d.ID, newGroup, string(idsJSON))
		if err != nil {
			return fmt.Errorf("failed to insert routing row: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployment_strategy_state
			SET active_group = $2, standby_group = NULLIF($3, ''), updated_at = NOW()
			WHERE deployment_id = $1`,
			d.ID, newGroup, string(oldGroup))
		if err != nil {
			return fmt.Errorf("failed to update strategy groups: %w", err)
		}

		// Linearize the active handover: the prior active deployment of
		// this environment is superseded in the same transaction.
		_, err = tx.ExecContext(ctx, `
			UPDATE deployments
			SET status = 'terminated', updated_at = NOW()
			WHERE project_id = $1 AND environment = $2
			  AND status = 'active' AND id != $3`,
			d.ProjectID, d.Environment, d.ID)
		if err != nil {
			return fmt.Errorf("failed to terminate prior deployment: %w", err)
		}
		return nil
	})
}

// SetCanaryRouting replaces the canary traffic row. A percentage of zero
// only deactivates; otherwise a fresh row at the given share is inserted.
func (s *Store) SetCanaryRouting(ctx context.Context, deploymentID string, percentage int, containerIDs []string) error {
	idsJSON, err := json.Marshal(containerIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal container ids: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE deployment_traffic_routing
			SET is_active = false, deactivated_at = NOW()
			WHERE deployment_id = $1 AND routing_group = 'canary' AND is_active = true`,
			deploymentID)
		if err != nil {
			return fmt.Errorf("failed to deactivate canary routing: %w", err)
		}

		if percentage > 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO deployment_traffic_routing
					(deployment_id, routing_group, traffic_percentage, container_ids)
				VALUES ($1, 'canary', $2, $3)`,
				deploymentID, percentage, string(idsJSON))
			if err != nil {
				return fmt.Errorf("failed to insert canary routing: %w", err)
			}
		}
		return nil
	})
}

// ActiveRouting lists the active traffic rows of a deployment
func (s *Store) ActiveRouting(ctx context.Context, deploymentID string) ([]types.TrafficRouting, error) {
	const query = `
		SELECT id, deployment_id, routing_group, traffic_percentage,
		       container_ids, is_active
		FROM deployment_traffic_routing
		WHERE deployment_id = $1 AND is_active = true
		ORDER BY id
	`
	var rows []types.TrafficRouting
	if err := s.db.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, fmt.Errorf("failed to list routing rows: %w", err)
	}
	return rows, nil
}
