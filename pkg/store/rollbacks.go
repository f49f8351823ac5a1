package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/obtura/deployd/pkg/types"
)

// RecordRollback appends one rollback-history row
func (s *Store) RecordRollback(ctx context.Context, fromID, toID, reason string, automatic bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_rollbacks (from_deployment_id, to_deployment_id, reason, automatic)
		VALUES ($1, $2, $3, $4)`,
		fromID, toID, reason, automatic)
	if err != nil {
		return fmt.Errorf("failed to record rollback: %w", err)
	}
	return nil
}

// ApplyRollback flips the database side of a rollback in one
// transaction: the current deployment's containers are marked stopped,
// the target's are reactivated, and both deployment rows change status.
func (s *Store) ApplyRollback(ctx context.Context, currentID, targetID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE deployment_containers
			SET is_active = false, is_primary = false, status = 'stopped',
			    stopped_at = NOW(), updated_at = NOW()
			WHERE deployment_id = $1`,
			currentID)
		if err != nil {
			return fmt.Errorf("failed to deactivate current containers: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployment_containers
			SET is_active = true, status = 'running', stopped_at = NULL, updated_at = NOW()
			WHERE deployment_id = $1`,
			targetID)
		if err != nil {
			return fmt.Errorf("failed to reactivate target containers: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployments
			SET status = $2, is_rollback = true,
			    rolled_back_from_deployment_id = $3, updated_at = NOW()
			WHERE id = $1`,
			currentID, types.DeploymentRolledBack, targetID)
		if err != nil {
			return fmt.Errorf("failed to mark deployment rolled back: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployments
			SET status = $2, updated_at = NOW()
			WHERE id = $1`,
			targetID, types.DeploymentActive)
		if err != nil {
			return fmt.Errorf("failed to reactivate target deployment: %w", err)
		}
		return nil
	})
}
