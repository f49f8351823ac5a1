package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/sandbox"
	"github.com/obtura/deployd/pkg/types"
)

// blueGreen stands up a full replacement cohort in the standby color,
// waits for it to be healthy, then switches all traffic in one SQL
// transaction before draining the old color. A first deployment has no
// old color and skips the drain.
func (o *Orchestrator) blueGreen(ctx context.Context, job types.Job, profile sandbox.Profile, logger zerolog.Logger) error {
	activeGroup, err := o.store.LatestActiveGroup(ctx, job.ProjectID, job.Environment)
	if err != nil {
		return err
	}
	newGroup := activeGroup.Opposite()

	logger.Info().
		Str("active_group", string(activeGroup)).
		Str("new_group", string(newGroup)).
		Msg("blue/green deployment")

	var clock phaseClock
	defer clock.close()

	undo := &undoStack{}
	defer undo.unwind(ctx)

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseDeployingNew, map[string]any{
		"active_group":  string(activeGroup),
		"standby_group": string(newGroup),
	}); err != nil {
		return err
	}
	clock.advance(types.PhaseDeployingNew)

	cohort, err := o.createCohort(ctx, job, newGroup, 0, job.ReplicaCount, true, profile, undo)
	if err != nil {
		return err
	}

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseHealthChecking, nil); err != nil {
		return err
	}
	clock.advance(types.PhaseHealthChecking)

	if err := o.waitAllHealthy(ctx, cohort, blueGreenHealthTimeout); err != nil {
		return err
	}
	if err := o.store.UpdateStrategyMeta(ctx, job.DeploymentID, map[string]any{
		"healthy_replicas": len(cohort),
	}); err != nil {
		return err
	}

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseSwitchingTraffic, nil); err != nil {
		return err
	}
	clock.advance(types.PhaseSwitchingTraffic)

	if err := o.applyRoutes(job, cohort, undo); err != nil {
		return err
	}

	ids := make([]string, len(cohort))
	for i, c := range cohort {
		ids[i] = c.ContainerID
	}
	d := &types.Deployment{ID: job.DeploymentID, ProjectID: job.ProjectID, Environment: job.Environment}
	if err := o.store.SwitchTraffic(ctx, d, activeGroup, newGroup, ids); err != nil {
		return fmt.Errorf("failed to switch traffic: %w", err)
	}

	if activeGroup != "" {
		if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseDrainingOld, nil); err != nil {
			return err
		}
		clock.advance(types.PhaseDrainingOld)

		if err := sleepCtx(ctx, blueGreenDrainDelay); err != nil {
			return err
		}
		old, err := o.store.EnvContainersByGroup(ctx, job.ProjectID, job.Environment, activeGroup)
		if err != nil {
			return err
		}
		for _, c := range old {
			o.removeContainer(ctx, c)
		}
		logger.Info().Int("drained", len(old)).Str("group", string(activeGroup)).Msg("old group drained")
	}

	undo.discard()
	return o.complete(ctx, job)
}
