package store

import (
	"context"
	"fmt"
)

// RecordHealthCheck appends one probe result and maintains the pass/fail
// and consecutive-failure counters on the container row.
func (s *Store) RecordHealthCheck(ctx context.Context, containerID string, passed bool, responseTimeMs int) error {
	status := "passed"
	if !passed {
		status = "failed"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO container_health_checks
			(container_id, deployment_id, check_type, status, endpoint, response_time_ms)
		SELECT id, deployment_id, 'http', $2, '/health', $3
		FROM deployment_containers
		WHERE container_id = $1`,
		containerID, status, responseTimeMs)
	if err != nil {
		return fmt.Errorf("failed to record health check: %w", err)
	}

	if passed {
		_, err = s.db.ExecContext(ctx, `
			UPDATE deployment_containers
			SET health_checks_passed = health_checks_passed + 1,
			    consecutive_health_failures = 0,
			    last_health_check_at = NOW()
			WHERE container_id = $1`,
			containerID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE deployment_containers
			SET health_checks_failed = health_checks_failed + 1,
			    consecutive_health_failures = consecutive_health_failures + 1,
			    last_health_check_at = NOW()
			WHERE container_id = $1`,
			containerID)
	}
	if err != nil {
		return fmt.Errorf("failed to update health counters: %w", err)
	}
	return nil
}
