package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/sandbox"
	"github.com/obtura/deployd/pkg/types"
)

// rolling replaces the serving fleet one batch at a time: create a
// batch of new containers, wait for health, drain, then retire the old
// containers at the same replica indices. An environment with nothing
// to replace falls back to blue/green.
func (o *Orchestrator) rolling(ctx context.Context, job types.Job, profile sandbox.Profile, logger zerolog.Logger) error {
	var old []*types.Container
	activeID, err := o.store.ActiveDeploymentID(ctx, job.ProjectID, job.Environment)
	if err != nil {
		return err
	}
	if activeID != "" {
		if old, err = o.store.ActiveContainers(ctx, activeID); err != nil {
			return err
		}
	}
	if len(old) == 0 {
		logger.Info().Msg("no active containers to replace, falling back to blue/green")
		return o.blueGreen(ctx, job, profile, logger)
	}

	const batchSize = 1
	totalBatches := (job.ReplicaCount + batchSize - 1) / batchSize

	logger.Info().
		Int("total_batches", totalBatches).
		Int("replacing", len(old)).
		Msg("rolling deployment")

	var clock phaseClock
	defer clock.close()

	undo := &undoStack{}
	defer undo.unwind(ctx)

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseDeployingNew, map[string]any{
		"total_batches": totalBatches,
		"batch_size":    batchSize,
	}); err != nil {
		return err
	}
	clock.advance(types.PhaseDeployingNew)

	created := make([]*types.Container, 0, job.ReplicaCount)
	for batch := 0; batch < totalBatches; batch++ {
		first := batch * batchSize
		count := min(batchSize, job.ReplicaCount-first)

		if err := o.store.UpdateStrategyMeta(ctx, job.DeploymentID, map[string]any{
			"current_batch": batch + 1,
		}); err != nil {
			return err
		}

		cohort, err := o.createCohort(ctx, job, types.GroupStable, first, count, true, profile, undo)
		if err != nil {
			return fmt.Errorf("batch %d: %w", batch+1, err)
		}
		if err := o.waitAllHealthy(ctx, cohort, rollingHealthTimeout); err != nil {
			return fmt.Errorf("batch %d: %w", batch+1, err)
		}
		if err := o.applyRoutes(job, cohort, undo); err != nil {
			return err
		}
		created = append(created, cohort...)

		if err := sleepCtx(ctx, rollingDrainDelay); err != nil {
			return err
		}
		for i := first; i < first+count && i < len(old); i++ {
			o.removeContainer(ctx, old[i])
		}
		logger.Info().Int("batch", batch+1).Int("of", totalBatches).Msg("batch rolled")
	}

	// The old fleet may have been larger than the new replica count
	for i := job.ReplicaCount; i < len(old); i++ {
		o.removeContainer(ctx, old[i])
	}

	if err := o.store.UpdateStrategyMeta(ctx, job.DeploymentID, map[string]any{
		"healthy_replicas": len(created),
	}); err != nil {
		return err
	}

	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseSwitchingTraffic, nil); err != nil {
		return err
	}
	clock.advance(types.PhaseSwitchingTraffic)

	ids := make([]string, len(created))
	for i, c := range created {
		ids[i] = c.ContainerID
	}
	d := &types.Deployment{ID: job.DeploymentID, ProjectID: job.ProjectID, Environment: job.Environment}
	if err := o.store.SwitchTraffic(ctx, d, "", types.GroupStable, ids); err != nil {
		return fmt.Errorf("failed to switch traffic: %w", err)
	}

	undo.discard()
	return o.complete(ctx, job)
}
