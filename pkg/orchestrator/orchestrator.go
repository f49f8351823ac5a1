package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/detect"
	"github.com/obtura/deployd/pkg/log"
	"github.com/obtura/deployd/pkg/metrics"
	"github.com/obtura/deployd/pkg/ratelimit"
	"github.com/obtura/deployd/pkg/router"
	"github.com/obtura/deployd/pkg/runtime"
	"github.com/obtura/deployd/pkg/sandbox"
	"github.com/obtura/deployd/pkg/types"
)

// Pipeline timing. Health polling is a fixed cadence; the per-strategy
// timeouts bound how long a cohort may take to report healthy.
const (
	healthPollInterval = 3 * time.Second

	blueGreenHealthTimeout = 120 * time.Second
	rollingHealthTimeout   = 60 * time.Second
	canaryHealthTimeout    = 60 * time.Second

	blueGreenDrainDelay = 5 * time.Second
	rollingDrainDelay   = 10 * time.Second

	stopTimeout    = 10 * time.Second
	cleanupTimeout = 2 * time.Minute

	// createAttempts bounds retries after a lost host-port race
	createAttempts = 3
)

// Store is the SQL surface the orchestrator drives. *store.Store
// satisfies it; tests inject a fake.
type Store interface {
	GetDeployment(ctx context.Context, id string) (*types.Deployment, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
	MarkCompleted(ctx context.Context, id string, status types.DeploymentStatus, errMsg string) error
	SetDeploymentStatus(ctx context.Context, id string, status types.DeploymentStatus) error
	SetDetectedDependencies(ctx context.Context, id, depsJSON string) error
	BuildMetadata(ctx context.Context, buildID string) ([]byte, error)
	EnvironmentCount(ctx context.Context, projectID string) (int, error)
	PreviewEnvironmentCount(ctx context.Context, projectID string) (int, error)

	InitStrategyState(ctx context.Context, deploymentID string, strategy types.Strategy, totalReplicas int) error
	SetPhase(ctx context.Context, deploymentID string, phase types.Phase, meta map[string]any) error
	UpdateStrategyMeta(ctx context.Context, deploymentID string, meta map[string]any) error
	FailStrategyState(ctx context.Context, deploymentID, errMsg string) error

	InsertContainer(ctx context.Context, c *types.Container) error
	SetContainerEngineID(ctx context.Context, rowID, engineID string) error
	UpdateContainerStatus(ctx context.Context, containerID string, status types.ContainerStatus, health types.HealthStatus) error
	UpdateContainerGroup(ctx context.Context, containerID string, group types.Group, isPrimary bool) error
	MarkContainerStopped(ctx context.Context, containerID string) error
	MarkContainerRowFailed(ctx context.Context, rowID string) error
	RecordHealthCheck(ctx context.Context, containerID string, passed bool, responseTimeMs int) error
	ActiveContainers(ctx context.Context, deploymentID string) ([]*types.Container, error)
	RestartableContainers(ctx context.Context, deploymentID string) ([]*types.Container, error)
	EnvContainersByGroup(ctx context.Context, projectID string, env types.Environment, group types.Group) ([]*types.Container, error)
	LatestActiveGroup(ctx context.Context, projectID string, env types.Environment) (types.Group, error)
	ActiveDeploymentID(ctx context.Context, projectID string, env types.Environment) (string, error)

	SwitchTraffic(ctx context.Context, d *types.Deployment, oldGroup, newGroup types.Group, containerIDs []string) error
	SetCanaryRouting(ctx context.Context, deploymentID string, percentage int, containerIDs []string) error
	InsertCanaryAnalysis(ctx context.Context, a *types.CanaryAnalysis) error

	RecordRollback(ctx context.Context, fromID, toID, reason string, automatic bool) error
	ApplyRollback(ctx context.Context, currentID, targetID string) error

	AppendEvent(ctx context.Context, deploymentID, eventType, message string, severity types.Severity) error
	CreateAlert(ctx context.Context, deploymentID, alertType, message string, severity types.Severity) error
}

// Runtime is the container-engine surface the orchestrator needs
type Runtime interface {
	EnsureImage(ctx context.Context, tag string) error
	EnsureNetwork(ctx context.Context, name string) error
	Create(ctx context.Context, spec runtime.CreateSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (runtime.State, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
}

// Router programs the edge router's per-container rules
type Router interface {
	Apply(rule router.Rule) error
	Remove(containerName string) error
}

// QuotaService resolves tenant identity and plan limits
type QuotaService interface {
	CompanyForProject(ctx context.Context, projectID string) (string, error)
	ForCompany(ctx context.Context, companyID string) (types.DeploymentQuota, error)
}

// RateLimiter admits deployments against the shared tenant counters
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, companyID string, limits ratelimit.Limits) (ratelimit.Release, error)
}

// Options tune the orchestrator. Zero values take defaults.
type Options struct {
	BaseDomain string

	CanaryTrafficPercent     int
	CanaryErrorRateThreshold float64
	CanaryLatencyThresholdMs float64
	CanaryMonitoringWindow   time.Duration
}

func (o *Options) withDefaults() {
	if o.CanaryTrafficPercent <= 0 {
		o.CanaryTrafficPercent = 10
	}
	if o.CanaryErrorRateThreshold <= 0 {
		o.CanaryErrorRateThreshold = 5.0
	}
	if o.CanaryLatencyThresholdMs <= 0 {
		o.CanaryLatencyThresholdMs = 1000
	}
	if o.CanaryMonitoringWindow <= 0 {
		o.CanaryMonitoringWindow = 5 * time.Minute
	}
}

// Orchestrator drives a deployment job through admission, container
// creation, health checking, traffic switching and cleanup.
type Orchestrator struct {
	store   Store
	runtime Runtime
	router  Router
	quotas  QuotaService
	limiter RateLimiter
	source  MetricsSource
	opts    Options
	logger  zerolog.Logger
}

// New wires an orchestrator from its collaborators
func New(st Store, rt Runtime, rtr Router, quotas QuotaService, limiter RateLimiter, source MetricsSource, opts Options) *Orchestrator {
	opts.withDefaults()
	if source == nil {
		source = defaultSource
	}
	return &Orchestrator{
		store:   st,
		runtime: rt,
		router:  rtr,
		quotas:  quotas,
		limiter: limiter,
		source:  source,
		opts:    opts,
		logger:  log.WithComponent("orchestrator"),
	}
}

// Deploy runs one deployment job end to end. The error returned is the
// root cause; by the time it surfaces the deployment row is already
// marked failed and the admission counter released.
func (o *Orchestrator) Deploy(ctx context.Context, job types.Job) error {
	if job.Strategy == "" {
		job.Strategy = types.StrategyBlueGreen
	}
	if job.ReplicaCount <= 0 {
		job.ReplicaCount = 1
	}

	logger := o.logger.With().
		Str("deployment_id", job.DeploymentID).
		Str("project_id", job.ProjectID).
		Str("environment", string(job.Environment)).
		Str("strategy", string(job.Strategy)).
		Logger()
	logger.Info().Str("image", job.ImageTag).Int("replicas", job.ReplicaCount).Msg("deployment started")

	timer := metrics.NewTimer(metrics.DeploymentDuration.WithLabelValues(string(job.Strategy)))
	defer timer.ObserveDuration()

	companyID, err := o.quotas.CompanyForProject(ctx, job.ProjectID)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to resolve tenant: %w", err))
	}

	quota, err := o.quotas.ForCompany(ctx, companyID)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to resolve quota: %w", err))
	}

	release, err := o.limiter.CheckAndIncrement(ctx, companyID, ratelimit.Limits{
		MaxConcurrent: quota.MaxConcurrentDeployments,
		MaxPerMonth:   quota.MaxDeploymentsPerMonth,
	})
	if err != nil {
		var lim *ratelimit.LimitError
		if errors.As(err, &lim) {
			metrics.RateLimitedTotal.WithLabelValues(string(lim.Kind)).Inc()
		}
		return o.fail(ctx, job, err)
	}
	// The concurrent slot is held for the lifetime of the pipeline and
	// released exactly once, whatever path we leave by.
	defer release(context.WithoutCancel(ctx))

	if err := o.checkEnvironmentQuota(ctx, job, quota); err != nil {
		return o.fail(ctx, job, err)
	}
	if err := validateJob(job); err != nil {
		return o.fail(ctx, job, err)
	}

	if err := o.store.InitStrategyState(ctx, job.DeploymentID, job.Strategy, job.ReplicaCount); err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to init strategy state: %w", err))
	}

	if err := o.detectDependencies(ctx, job, logger); err != nil {
		return o.fail(ctx, job, err)
	}

	if err := o.runtime.EnsureImage(ctx, job.ImageTag); err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to ensure image: %w", err))
	}
	if err := o.runtime.EnsureNetwork(ctx, networkName(job.ProjectID)); err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to ensure network: %w", err))
	}

	profile := sandbox.ProfileFor(quota.Tier, job.Environment)

	switch job.Strategy {
	case types.StrategyRolling:
		err = o.rolling(ctx, job, profile, logger)
	case types.StrategyCanary:
		err = o.canary(ctx, job, profile, logger)
	default:
		err = o.blueGreen(ctx, job, profile, logger)
	}
	if err != nil {
		return o.fail(ctx, job, err)
	}

	metrics.DeploymentsTotal.WithLabelValues(string(job.Strategy), "completed").Inc()
	logger.Info().Msg("deployment completed")
	return nil
}

// Rollback points a (project, environment) back at a previous
// deployment whose containers still exist.
func (o *Orchestrator) Rollback(ctx context.Context, currentID, targetID string) error {
	logger := o.logger.With().
		Str("deployment_id", currentID).
		Str("target_deployment_id", targetID).
		Logger()
	logger.Info().Msg("rollback started")

	target, err := o.store.GetDeployment(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to load target deployment: %w", err)
	}

	targetContainers, err := o.store.RestartableContainers(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to list target containers: %w", err)
	}
	if len(targetContainers) == 0 {
		return fmt.Errorf("rollback target %s has no containers to restart", targetID)
	}

	if err := o.store.RecordRollback(ctx, currentID, targetID, "manual rollback", false); err != nil {
		return err
	}

	current, err := o.store.RestartableContainers(ctx, currentID)
	if err != nil {
		return fmt.Errorf("failed to list current containers: %w", err)
	}
	for _, c := range current {
		o.removeContainer(ctx, c)
	}

	fqdn := target.Domain
	if fqdn == "" {
		fqdn = types.Job{ProjectID: target.ProjectID, Subdomain: target.Subdomain}.FQDN(o.opts.BaseDomain)
	}
	for _, c := range targetContainers {
		if err := o.runtime.Start(ctx, c.ContainerID); err != nil {
			return fmt.Errorf("failed to restart container %s: %w", c.Name, err)
		}
		if err := o.router.Apply(router.Rule{
			ContainerName: c.Name,
			FQDN:          fqdn,
			Port:          c.Port,
		}); err != nil {
			return fmt.Errorf("failed to restore route for %s: %w", c.Name, err)
		}
	}

	if err := o.store.ApplyRollback(ctx, currentID, targetID); err != nil {
		return err
	}

	if err := o.store.AppendEvent(ctx, currentID, "rollback_completed",
		fmt.Sprintf("rolled back to deployment %s", targetID), types.SeverityWarning); err != nil {
		logger.Warn().Err(err).Msg("failed to append rollback event")
	}
	logger.Info().Msg("rollback completed")
	return nil
}

// complete moves a deployment into its terminal happy state. The
// completed phase transition and the active status are the last writes
// of a successful pipeline.
func (o *Orchestrator) complete(ctx context.Context, job types.Job) error {
	if err := o.store.SetPhase(ctx, job.DeploymentID, types.PhaseCompleted, nil); err != nil {
		return err
	}
	if err := o.store.MarkCompleted(ctx, job.DeploymentID, types.DeploymentActive, ""); err != nil {
		return err
	}
	if err := o.store.AppendEvent(ctx, job.DeploymentID, "deployment_completed",
		fmt.Sprintf("deployment completed with strategy %s", job.Strategy), types.SeverityInfo); err != nil {
		o.logger.Warn().Err(err).Str("deployment_id", job.DeploymentID).Msg("failed to append completion event")
	}
	return nil
}

// fail records a terminal failure everywhere it must be visible: the
// strategy state, the deployment row, the event log and an alert. It
// uses a detached context so a cancelled worker still leaves a
// consistent record behind.
func (o *Orchestrator) fail(ctx context.Context, job types.Job, cause error) error {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	logger := o.logger.With().Str("deployment_id", job.DeploymentID).Logger()
	logger.Error().Err(cause).Msg("deployment failed")

	if err := o.store.FailStrategyState(failCtx, job.DeploymentID, cause.Error()); err != nil {
		logger.Warn().Err(err).Msg("failed to record strategy failure")
	}
	if err := o.store.MarkFailed(failCtx, job.DeploymentID, cause.Error()); err != nil {
		logger.Warn().Err(err).Msg("failed to mark deployment failed")
	}
	if err := o.store.AppendEvent(failCtx, job.DeploymentID, "deployment_failed", cause.Error(), types.SeverityCritical); err != nil {
		logger.Warn().Err(err).Msg("failed to append failure event")
	}
	if err := o.store.CreateAlert(failCtx, job.DeploymentID, "deployment_failure", cause.Error(), types.SeverityCritical); err != nil {
		logger.Warn().Err(err).Msg("failed to create failure alert")
	}

	metrics.DeploymentsTotal.WithLabelValues(string(job.Strategy), "failed").Inc()
	return cause
}

// checkEnvironmentQuota enforces the per-project environment ceilings
func (o *Orchestrator) checkEnvironmentQuota(ctx context.Context, job types.Job, quota types.DeploymentQuota) error {
	if quota.MaxEnvironmentsPerProject != types.Unlimited {
		n, err := o.store.EnvironmentCount(ctx, job.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to count environments: %w", err)
		}
		if n > quota.MaxEnvironmentsPerProject {
			return fmt.Errorf("environment quota exceeded: %d environments, plan allows %d",
				n, quota.MaxEnvironmentsPerProject)
		}
	}

	if job.Environment == types.EnvPreview && quota.MaxPreviewEnvironments != types.Unlimited {
		n, err := o.store.PreviewEnvironmentCount(ctx, job.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to count preview environments: %w", err)
		}
		if n > quota.MaxPreviewEnvironments {
			return fmt.Errorf("preview environment quota exceeded: %d previews, plan allows %d",
				n, quota.MaxPreviewEnvironments)
		}
	}
	return nil
}

// detectDependencies reads the build's metadata and persists the
// services and databases the app declares. A job that references a
// build whose metadata is missing or unusable cannot be deployed.
func (o *Orchestrator) detectDependencies(ctx context.Context, job types.Job, logger zerolog.Logger) error {
	if job.BuildID == "" {
		return nil
	}

	raw, err := o.store.BuildMetadata(ctx, job.BuildID)
	if err != nil {
		return fmt.Errorf("failed to load build metadata for %s: %w", job.BuildID, err)
	}

	deps, err := detect.FromBuildMetadata(raw)
	if err != nil {
		return fmt.Errorf("build %s: %w", job.BuildID, err)
	}

	encoded, err := deps.Encode()
	if err != nil {
		return err
	}
	if err := o.store.SetDetectedDependencies(ctx, job.DeploymentID, encoded); err != nil {
		return fmt.Errorf("failed to store detected dependencies: %w", err)
	}
	logger.Info().
		Int("services", len(deps.Services)).
		Int("databases", len(deps.Databases)).
		Msg("dependencies detected")
	return nil
}

func validateJob(job types.Job) error {
	if job.DeploymentID == "" {
		return errors.New("deployment id is required")
	}
	if job.ProjectID == "" {
		return errors.New("project id is required")
	}
	if job.ImageTag == "" {
		return errors.New("image tag is required")
	}
	switch job.Environment {
	case types.EnvProduction, types.EnvStaging, types.EnvPreview:
	default:
		return fmt.Errorf("unknown environment %q", job.Environment)
	}
	switch job.Strategy {
	case types.StrategyBlueGreen, types.StrategyRolling, types.StrategyCanary:
	default:
		return fmt.Errorf("unknown strategy %q", job.Strategy)
	}
	return nil
}
