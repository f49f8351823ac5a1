package store

import (
	"context"
	"fmt"

	"github.com/obtura/deployd/pkg/types"
)

// AppendEvent records one append-only deployment event
func (s *Store) AppendEvent(ctx context.Context, deploymentID, eventType, message string, severity types.Severity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_events (deployment_id, event_type, event_message, severity)
		VALUES ($1, $2, $3, $4)`,
		deploymentID, eventType, message, severity)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// CreateAlert raises an alert for a deployment
func (s *Store) CreateAlert(ctx context.Context, deploymentID, alertType, message string, severity types.Severity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_alerts (deployment_id, alert_type, severity, message)
		VALUES ($1, $2, $3, $4)`,
		deploymentID, alertType, severity, message)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}
