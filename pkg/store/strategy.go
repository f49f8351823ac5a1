package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/obtura/deployd/pkg/types"
)

// metaColumns is the allow-list for dynamic strategy-state updates.
// Column names never come from anywhere else; values are always bound
// parameters.
var metaColumns = map[string]bool{
	"active_group":              true,
	"standby_group":             true,
	"total_batches":             true,
	"current_batch":             true,
	"batch_size":                true,
	"canary_traffic_percentage": true,
	"canary_duration_minutes":   true,
	"total_replicas":            true,
	"healthy_replicas":          true,
	"unhealthy_replicas":        true,
}

// InitStrategyState creates (or re-enters) the strategy state row for a
// deployment at the preparing phase. The UPSERT keyed on deployment_id
// makes initialization idempotent for redelivered jobs.
func (s *Store) InitStrategyState(ctx context.Context, deploymentID string, strategy types.Strategy, totalReplicas int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_strategy_state
			(deployment_id, strategy, current_phase, total_replicas, phase_started_at, phase_updated_at)
		VALUES ($1, $2, 'preparing', $3, NOW(), NOW())
		ON CONFLICT (deployment_id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			current_phase = 'preparing',
			total_replicas = EXCLUDED.total_replicas,
			error_message = NULL,
			phase_started_at = NOW(),
			phase_updated_at = NOW(),
			updated_at = NOW()`,
		deploymentID, strategy, totalReplicas)
	if err != nil {
		return fmt.Errorf("failed to initialize strategy state: %w", err)
	}
	return nil
}

// GetStrategyState fetches the state machine row for a deployment
func (s *Store) GetStrategyState(ctx context.Context, deploymentID string) (*types.StrategyState, error) {
	const query = `
		SELECT deployment_id, strategy, current_phase,
		       COALESCE(active_group, '') AS active_group,
		       COALESCE(standby_group, '') AS standby_group,
		       total_batches, current_batch, batch_size,
		       canary_traffic_percentage, canary_duration_minutes,
		       total_replicas, healthy_replicas, unhealthy_replicas,
		       COALESCE(error_message, '') AS error_message,
		       phase_started_at, phase_updated_at
		FROM deployment_strategy_state
		WHERE deployment_id = $1
	`
	var st types.StrategyState
	if err := s.db.GetContext(ctx, &st, query, deploymentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("strategy state for deployment %s: %w", deploymentID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get strategy state: %w", err)
	}
	return &st, nil
}

// SetPhase advances the state machine. In one transaction it appends the
// phase-transition log row, updates current_phase with fresh phase
// timestamps and applies any structured metadata to the same row, so
// readers never observe a phase advance without its log row.
func (s *Store) SetPhase(ctx context.Context, deploymentID string, phase types.Phase, meta map[string]any) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_phase_transitions (deployment_id, from_phase, to_phase)
			SELECT $1, current_phase, $2
			FROM deployment_strategy_state
			WHERE deployment_id = $1`,
			deploymentID, phase)
		if err != nil {
			return fmt.Errorf("failed to record phase transition: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployment_strategy_state
			SET current_phase = $2, phase_started_at = NOW(),
			    phase_updated_at = NOW(), updated_at = NOW()
			WHERE deployment_id = $1`,
			deploymentID, phase)
		if err != nil {
			return fmt.Errorf("failed to update phase: %w", err)
		}

		if len(meta) > 0 {
			query, args, err := buildMetaUpdate(deploymentID, meta)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to apply phase metadata: %w", err)
			}
		}
		return nil
	})
}

// UpdateStrategyMeta applies structured metadata outside a phase change
// (e.g. the per-batch counter during a rolling update).
func (s *Store) UpdateStrategyMeta(ctx context.Context, deploymentID string, meta map[string]any) error {
	query, args, err := buildMetaUpdate(deploymentID, meta)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update strategy state: %w", err)
	}
	return nil
}

// FailStrategyState marks the state machine failed with the error message
func (s *Store) FailStrategyState(ctx context.Context, deploymentID, errMsg string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_phase_transitions (deployment_id, from_phase, to_phase)
			SELECT $1, current_phase, 'failed'
			FROM deployment_strategy_state
			WHERE deployment_id = $1`,
			deploymentID)
		if err != nil {
			return fmt.Errorf("failed to record failure transition: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployment_strategy_state
			SET current_phase = 'failed', error_message = $2,
			    failed_at = NOW(), phase_updated_at = NOW(), updated_at = NOW()
			WHERE deployment_id = $1`,
			deploymentID, errMsg)
		if err != nil {
			return fmt.Errorf("failed to fail strategy state: %w", err)
		}
		return nil
	})
}

// PhaseTransitions returns the append-only transition log for a deployment
func (s *Store) PhaseTransitions(ctx context.Context, deploymentID string) ([]types.PhaseTransition, error) {
	const query = `
		SELECT deployment_id, COALESCE(from_phase, '') AS from_phase, to_phase, created_at
		FROM deployment_phase_transitions
		WHERE deployment_id = $1
		ORDER BY created_at
	`
	var transitions []types.PhaseTransition
	if err := s.db.SelectContext(ctx, &transitions, query, deploymentID); err != nil {
		return nil, fmt.Errorf("failed to list phase transitions: %w", err)
	}
	return transitions, nil
}

// buildMetaUpdate renders the dynamic UPDATE from a parameter map.
// Columns are sorted for deterministic statements; unknown columns are
// rejected before any SQL is built.
func buildMetaUpdate(deploymentID string, meta map[string]any) (string, []any, error) {
	cols := make([]string, 0, len(meta))
	for col := range meta {
		if !metaColumns[col] {
			return "", nil, fmt.Errorf("strategy state column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString("UPDATE deployment_strategy_state SET updated_at = NOW()")
	args := []any{deploymentID}
	for i, col := range cols {
		fmt.Fprintf(&b, ", %s = $%d", col, i+2)
		args = append(args, meta[col])
	}
	b.WriteString(" WHERE deployment_id = $1")
	return b.String(), args, nil
}
