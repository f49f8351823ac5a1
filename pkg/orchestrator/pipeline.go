package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/obtura/deployd/pkg/metrics"
	"github.com/obtura/deployd/pkg/router"
	"github.com/obtura/deployd/pkg/runtime"
	"github.com/obtura/deployd/pkg/sandbox"
	"github.com/obtura/deployd/pkg/types"
)

// phaseClock observes how long each strategy phase ran. advance closes
// the previous phase and opens the next one.
type phaseClock struct {
	phase types.Phase
	start time.Time
}

func (c *phaseClock) advance(p types.Phase) {
	if c.phase != "" {
		metrics.PhaseDuration.WithLabelValues(string(c.phase)).Observe(time.Since(c.start).Seconds())
	}
	c.phase = p
	c.start = time.Now()
}

func (c *phaseClock) close() {
	c.advance("")
}

func networkName(projectID string) string {
	return "obtura-" + projectID
}

func containerName(deploymentID string, group types.Group, replica int) string {
	id := deploymentID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("obtura-%s-%s-%d-%d", id, group, replica, time.Now().Unix())
}

// envFromConfig flattens the job's env block into KEY=VALUE pairs and
// pins PORT to the in-container listen port.
func envFromConfig(cfg map[string]any, containerPort int) []string {
	env := []string{fmt.Sprintf("PORT=%d", containerPort)}
	raw, ok := cfg["env"].(map[string]any)
	if !ok {
		return env
	}
	for k, v := range raw {
		env = append(env, fmt.Sprintf("%s=%v", k, v))
	}
	return env
}

func containerPort(cfg map[string]any) int {
	if p, ok := cfg["port"].(float64); ok && p > 0 {
		return int(p)
	}
	return 8080
}

func healthPath(cfg map[string]any) string {
	if p, ok := cfg["health_check_path"].(string); ok && p != "" {
		return p
	}
	return "/health"
}

// startContainer allocates a port, creates and starts one engine
// container, and records both sides. A create rejected by the engine
// (typically a lost host-port race) retires the row and retries with a
// fresh allocation.
func (o *Orchestrator) startContainer(ctx context.Context, job types.Job, group types.Group, replica int, active bool, profile sandbox.Profile) (*types.Container, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		row := &types.Container{
			DeploymentID: job.DeploymentID,
			Name:         containerName(job.DeploymentID, group, replica),
			Image:        job.ImageTag,
			Group:        group,
			ReplicaIndex: replica,
			Status:       types.ContainerStarting,
			Health:       types.HealthStarting,
			IsActive:     active,
		}
		if err := o.store.InsertContainer(ctx, row); err != nil {
			return nil, err
		}

		engineID, err := o.runtime.Create(ctx, runtime.CreateSpec{
			Name:          row.Name,
			Image:         job.ImageTag,
			Env:           envFromConfig(job.Config, containerPort(job.Config)),
			ContainerPort: containerPort(job.Config),
			HostPort:      row.Port,
			HealthPath:    healthPath(job.Config),
			NetworkName:   networkName(job.ProjectID),
			Profile:       profile,
			Labels: map[string]string{
				runtime.LabelPrefix + ".deployment-id": job.DeploymentID,
				runtime.LabelPrefix + ".project-id":    job.ProjectID,
				runtime.LabelPrefix + ".group":         string(group),
			},
		})
		if err != nil {
			lastErr = err
			if rerr := o.store.MarkContainerRowFailed(ctx, row.ID); rerr != nil {
				o.logger.Warn().Err(rerr).Str("container", row.Name).Msg("failed to retire container row")
			}
			if runtime.KindOf(err) == runtime.ErrKindInvalidConfig || runtime.IsTransient(err) {
				o.logger.Warn().Err(err).Str("container", row.Name).Int("port", row.Port).
					Msg("container create rejected, retrying with fresh port")
				continue
			}
			return nil, fmt.Errorf("failed to create container %s: %w", row.Name, err)
		}

		row.ContainerID = engineID
		// From here the engine container exists but the caller has not
		// registered it for cleanup yet; any failure below must tear it
		// down before surfacing, or it outlives the deployment.
		if err := o.store.SetContainerEngineID(ctx, row.ID, engineID); err != nil {
			o.removeContainer(context.WithoutCancel(ctx), row)
			return nil, err
		}
		if err := o.runtime.Start(ctx, engineID); err != nil {
			o.removeContainer(context.WithoutCancel(ctx), row)
			return nil, fmt.Errorf("failed to start container %s: %w", row.Name, err)
		}
		if err := o.store.UpdateContainerStatus(ctx, engineID, types.ContainerRunning, types.HealthStarting); err != nil {
			o.removeContainer(context.WithoutCancel(ctx), row)
			return nil, err
		}

		metrics.ContainersCreated.Inc()
		return row, nil
	}
	return nil, fmt.Errorf("failed to create container after %d attempts: %w", createAttempts, lastErr)
}

// createCohort starts count containers in parallel, replica indices
// [first, first+count). Each successfully started container is pushed
// onto the undo stack before the cohort result is known, so a partial
// failure still cleans up everything that made it.
func (o *Orchestrator) createCohort(ctx context.Context, job types.Job, group types.Group, first, count int, active bool, profile sandbox.Profile, undo *undoStack) ([]*types.Container, error) {
	out := make([]*types.Container, count)

	g, gctx := errgroup.WithContext(ctx)
	for i := range count {
		g.Go(func() error {
			c, err := o.startContainer(gctx, job, group, first+i, active, profile)
			if err != nil {
				return err
			}
			out[i] = c
			undo.push(func(ctx context.Context) { o.removeContainer(ctx, c) })
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// waitHealthy polls the engine's health state at a fixed cadence until
// the container reports healthy, reports unhealthy, exits, or the
// timeout lapses. Every probe is recorded.
func (o *Orchestrator) waitHealthy(ctx context.Context, c *types.Container, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(healthPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			metrics.HealthChecksFailed.Inc()
			if err := o.store.UpdateContainerStatus(ctx, c.ContainerID, types.ContainerUnhealthy, types.HealthUnhealthy); err != nil {
				o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to mark container unhealthy")
			}
			return fmt.Errorf("container %s did not become healthy within %s", c.Name, timeout)

		case <-tick.C:
			probeStart := time.Now()
			st, err := o.runtime.Inspect(ctx, c.ContainerID)
			elapsed := int(time.Since(probeStart).Milliseconds())
			if err != nil {
				// Transient inspect failures keep polling until the deadline
				o.logger.Warn().Err(err).Str("container", c.Name).Msg("health probe failed")
				continue
			}

			switch {
			case st.Running && st.Health == types.HealthHealthy:
				if err := o.store.RecordHealthCheck(ctx, c.ContainerID, true, elapsed); err != nil {
					o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to record health check")
				}
				return o.store.UpdateContainerStatus(ctx, c.ContainerID, types.ContainerRunning, types.HealthHealthy)

			case st.Health == types.HealthUnhealthy || (!st.Running && st.ExitCode != 0):
				metrics.HealthChecksFailed.Inc()
				if err := o.store.RecordHealthCheck(ctx, c.ContainerID, false, elapsed); err != nil {
					o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to record health check")
				}
				if err := o.store.UpdateContainerStatus(ctx, c.ContainerID, types.ContainerUnhealthy, types.HealthUnhealthy); err != nil {
					o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to mark container unhealthy")
				}
				return fmt.Errorf("container %s is unhealthy", c.Name)

			default:
				// Still starting
			}
		}
	}
}

// waitAllHealthy runs the health wait for each container independently
func (o *Orchestrator) waitAllHealthy(ctx context.Context, containers []*types.Container, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range containers {
		g.Go(func() error { return o.waitHealthy(gctx, c, timeout) })
	}
	return g.Wait()
}

// applyRoutes writes one edge-router rule per container and registers
// its removal on the undo stack.
func (o *Orchestrator) applyRoutes(job types.Job, containers []*types.Container, undo *undoStack) error {
	fqdn := job.FQDN(o.opts.BaseDomain)
	for _, c := range containers {
		rule := router.Rule{
			ContainerName: c.Name,
			FQDN:          fqdn,
			Port:          c.Port,
			HealthPath:    healthPath(job.Config),
		}
		if err := o.router.Apply(rule); err != nil {
			return fmt.Errorf("failed to program route for %s: %w", c.Name, err)
		}
		undo.push(func(context.Context) {
			if err := o.router.Remove(rule.ContainerName); err != nil {
				o.logger.Warn().Err(err).Str("container", rule.ContainerName).Msg("failed to remove route")
			}
		})
	}
	return nil
}

// removeContainer tears one container down on every side: engine stop
// and remove, the SQL row, and the router rule. Absence anywhere is
// tolerated so teardown can run twice.
func (o *Orchestrator) removeContainer(ctx context.Context, c *types.Container) {
	if c.ContainerID != "" {
		if err := o.runtime.Stop(ctx, c.ContainerID, stopTimeout); err != nil && !runtime.IsNotFound(err) {
			o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to stop container")
		}
		if err := o.runtime.Remove(ctx, c.ContainerID); err != nil {
			if !runtime.IsNotFound(err) {
				o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to remove container")
			}
		} else {
			metrics.ContainersRemoved.Inc()
		}
		if err := o.store.MarkContainerStopped(ctx, c.ContainerID); err != nil {
			o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to mark container stopped")
		}
	}
	if err := o.router.Remove(c.Name); err != nil {
		o.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to remove route")
	}
}

// sleepCtx waits for d unless the context ends first
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
