package store

import (
	"context"
	"fmt"

	"github.com/obtura/deployd/pkg/types"
)

// InsertCanaryAnalysis persists one canary promote/rollback decision
// alongside the raw numbers that produced it.
func (s *Store) InsertCanaryAnalysis(ctx context.Context, a *types.CanaryAnalysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canary_analysis_results
			(deployment_id, strategy_state_id, analysis_type,
			 canary_error_rate, canary_avg_response_time_ms,
			 baseline_error_rate, baseline_avg_response_time_ms,
			 passed, score, decision)
		VALUES (
			$1,
			(SELECT id FROM deployment_strategy_state WHERE deployment_id = $1),
			$2, $3, $4, $5, $6, $7, $8, $9
		)`,
		a.DeploymentID, a.AnalysisType,
		a.CanaryErrorRate, a.CanaryLatencyMs,
		a.BaselineErrorRate, a.BaselineLatencyMs,
		a.Passed, a.Score, a.Decision)
	if err != nil {
		return fmt.Errorf("failed to insert canary analysis: %w", err)
	}
	return nil
}
