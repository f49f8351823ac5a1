package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/sandbox"
	"github.com/obtura/deployd/pkg/types"
)

// canary exposes one new container to a slice of live traffic, watches
// it for the monitoring window, then either promotes it to the full
// share or tears it down based on the analysis verdict.
func (o *Orchestrator) canary(ctx context.Context, job types.Job, profile sandbox.Profile, logger zerolog.Logger) error {
	pct := o.opts.CanaryTrafficPercent
	window := o.opts.CanaryMonitoringWindow

	logger.Info().
		Int("traffic_percent", pct).
		Dur("monitoring_window", window).
		Msg("canary deployment")

	var clock phaseClock
	defer clock.close()

	undo := &undoStack{}
	defer undo.unwind(ctx)

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseDeployingNew, map[string]any{
		"canary_traffic_percentage": pct,
		"canary_duration_minutes":   int(window.Minutes()),
	}); err != nil {
		return err
	}
	clock.advance(types.PhaseDeployingNew)

	c, err := o.startContainer(ctx, job, types.GroupCanary, 0, true, profile)
	if err != nil {
		return err
	}
	undo.push(func(ctx context.Context) { o.removeContainer(ctx, c) })

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseHealthChecking, nil); err != nil {
		return err
	}
	clock.advance(types.PhaseHealthChecking)

	if err := o.waitHealthy(ctx, c, canaryHealthTimeout); err != nil {
		return err
	}

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseSwitchingTraffic, nil); err != nil {
		return err
	}
	clock.advance(types.PhaseSwitchingTraffic)

	if err := o.applyRoutes(job, []*types.Container{c}, undo); err != nil {
		return err
	}
	if err := o.store.SetCanaryRouting(ctx, job.DeploymentID, pct, []string{c.ContainerID}); err != nil {
		return err
	}
	undo.push(func(ctx context.Context) {
		if err := o.store.SetCanaryRouting(ctx, job.DeploymentID, 0, nil); err != nil {
			o.logger.Warn().Err(err).Str("deployment_id", job.DeploymentID).Msg("failed to retract canary routing")
		}
	})

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseMonitoring, nil); err != nil {
		return err
	}
	clock.advance(types.PhaseMonitoring)
	logger.Info().Msg("canary serving, monitoring")

	if err := sleepCtx(ctx, window); err != nil {
		return err
	}

	result, err := o.analyze(ctx, job, c)
	if err != nil {
		return fmt.Errorf("canary analysis failed: %w", err)
	}
	if err := o.store.InsertCanaryAnalysis(ctx, result); err != nil {
		return err
	}

	if !result.Passed {
		if err := o.store.AppendEvent(ctx, job.DeploymentID, "canary_rejected",
			fmt.Sprintf("canary rejected: error rate %.2f%%, avg latency %.0fms",
				result.CanaryErrorRate, result.CanaryLatencyMs),
			types.SeverityWarning); err != nil {
			logger.Warn().Err(err).Msg("failed to append canary event")
		}
		return fmt.Errorf("canary rejected: error rate %.2f%% (max %.2f%%), avg latency %.0fms (max %.0fms)",
			result.CanaryErrorRate, o.opts.CanaryErrorRateThreshold,
			result.CanaryLatencyMs, o.opts.CanaryLatencyThresholdMs)
	}

	// Promotion: the canary takes the full share and becomes the
	// stable primary; the superseded deployment is retired.
	if err := o.store.SetCanaryRouting(ctx, job.DeploymentID, 100, []string{c.ContainerID}); err != nil {
		return err
	}
	if err := o.store.UpdateContainerGroup(ctx, c.ContainerID, types.GroupStable, true); err != nil {
		return err
	}
	prior, err := o.store.ActiveDeploymentID(ctx, job.ProjectID, job.Environment)
	if err != nil {
		return err
	}
	if prior != "" && prior != job.DeploymentID {
		if err := o.store.SetDeploymentStatus(ctx, prior, types.DeploymentTerminated); err != nil {
			return err
		}
	}
	if err := o.store.UpdateStrategyMeta(ctx, job.DeploymentID, map[string]any{
		"healthy_replicas": 1,
	}); err != nil {
		return err
	}

	logger.Info().Float64("score", result.Score).Msg("canary promoted")
	undo.discard()
	return o.complete(ctx, job)
}
