package types

import (
	"time"
)

// Environment identifies where a deployment runs
type Environment string

const (
	EnvProduction Environment = "production"
	EnvStaging    Environment = "staging"
	EnvPreview    Environment = "preview"
)

// Strategy is the progressive-delivery algorithm for a deployment
type Strategy string

const (
	StrategyBlueGreen Strategy = "blue_green"
	StrategyRolling   Strategy = "rolling"
	StrategyCanary    Strategy = "canary"
)

// DeploymentStatus is the lifecycle status of a deployment row.
// Transitions are monotonic except active -> rolled_back and
// active -> terminated; no row ever returns to pending.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentDeploying  DeploymentStatus = "deploying"
	DeploymentActive     DeploymentStatus = "active"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentTerminated DeploymentStatus = "terminated"
)

// Terminal reports whether the status is an end state
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentActive, DeploymentFailed, DeploymentRolledBack, DeploymentTerminated:
		return true
	}
	return false
}

// Valid reports whether the status is a member of the closed set
func (s DeploymentStatus) Valid() bool {
	switch s {
	case DeploymentPending, DeploymentDeploying, DeploymentActive,
		DeploymentFailed, DeploymentRolledBack, DeploymentTerminated:
		return true
	}
	return false
}

// Phase is one step of a strategy's state machine
type Phase string

const (
	PhasePreparing        Phase = "preparing"
	PhaseDeployingNew     Phase = "deploying_new"
	PhaseHealthChecking   Phase = "health_checking"
	PhaseSwitchingTraffic Phase = "switching_traffic"
	PhaseDrainingOld      Phase = "draining_old"
	PhaseMonitoring       Phase = "monitoring"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
)

// Terminal reports whether the phase ends the state machine
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Group is a labelled cohort of containers within one deployment
type Group string

const (
	GroupBlue   Group = "blue"
	GroupGreen  Group = "green"
	GroupStable Group = "stable"
	GroupCanary Group = "canary"
)

// Opposite returns the other blue/green color. Anything that is not blue
// maps to blue, so a fleet with no prior group starts on blue.
func (g Group) Opposite() Group {
	if g == GroupBlue {
		return GroupGreen
	}
	return GroupBlue
}

// ContainerStatus is the runtime status of a managed container
type ContainerStatus string

const (
	ContainerStarting  ContainerStatus = "starting"
	ContainerRunning   ContainerStatus = "running"
	ContainerStopped   ContainerStatus = "stopped"
	ContainerFailed    ContainerStatus = "failed"
	ContainerUnhealthy ContainerStatus = "unhealthy"
)

// HealthStatus mirrors the engine's health state machine
type HealthStatus string

const (
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthFailed    HealthStatus = "failed"
)

// Severity classifies deployment events and alerts
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// PlanTier is a subscription plan tier
type PlanTier string

const (
	TierStarter    PlanTier = "starter"
	TierTeam       PlanTier = "team"
	TierBusiness   PlanTier = "business"
	TierEnterprise PlanTier = "enterprise"
)

// Deployment is the persistent record of the intent to run a specific
// image for a (project, environment) pair.
type Deployment struct {
	ID                    string           `db:"id"`
	ProjectID             string           `db:"project_id"`
	CompanyID             string           `db:"company_id"`
	Environment           Environment      `db:"environment"`
	ImageTag              string           `db:"image_tag"`
	Strategy              Strategy         `db:"strategy"`
	ReplicaCount          int              `db:"replica_count"`
	Domain                string           `db:"domain"`
	Subdomain             string           `db:"subdomain"`
	TriggeredBy           string           `db:"triggered_by"`
	Status                DeploymentStatus `db:"status"`
	ApprovalRequired      bool             `db:"approval_required"`
	ErrorMessage          string           `db:"error_message"`
	IsRollback            bool             `db:"is_rollback"`
	RolledBackFrom        string           `db:"rolled_back_from_deployment_id"`
	DetectedDependencies  string           `db:"detected_dependencies"`
	PreviewExpiresAt      *time.Time       `db:"preview_expires_at"`
	DeploymentStartedAt   *time.Time       `db:"deployment_started_at"`
	DeploymentCompletedAt *time.Time       `db:"deployment_completed_at"`
	CreatedAt             time.Time        `db:"created_at"`
	UpdatedAt             time.Time        `db:"updated_at"`
}

// StrategyState is the durable state machine row for one deployment
type StrategyState struct {
	ID                      string    `db:"id"`
	DeploymentID            string    `db:"deployment_id"`
	Strategy                Strategy  `db:"strategy"`
	CurrentPhase            Phase     `db:"current_phase"`
	ActiveGroup             Group     `db:"active_group"`
	StandbyGroup            Group     `db:"standby_group"`
	TotalBatches            int       `db:"total_batches"`
	CurrentBatch            int       `db:"current_batch"`
	BatchSize               int       `db:"batch_size"`
	CanaryTrafficPercentage int       `db:"canary_traffic_percentage"`
	CanaryDurationMinutes   int       `db:"canary_duration_minutes"`
	TotalReplicas           int       `db:"total_replicas"`
	HealthyReplicas         int       `db:"healthy_replicas"`
	UnhealthyReplicas       int       `db:"unhealthy_replicas"`
	ErrorMessage            string    `db:"error_message"`
	PhaseStartedAt          time.Time `db:"phase_started_at"`
	PhaseUpdatedAt          time.Time `db:"phase_updated_at"`
}

// PhaseTransition is one appended row of the phase audit log
type PhaseTransition struct {
	DeploymentID string    `db:"deployment_id"`
	FromPhase    Phase     `db:"from_phase"`
	ToPhase      Phase     `db:"to_phase"`
	At           time.Time `db:"created_at"`
}

// Container is a deployment-owned record of one engine container
type Container struct {
	ID                  string          `db:"id"`
	DeploymentID        string          `db:"deployment_id"`
	ContainerID         string          `db:"container_id"`
	Name                string          `db:"container_name"`
	Image               string          `db:"image"`
	Port                int             `db:"port"`
	Group               Group           `db:"deployment_group"`
	ReplicaIndex        int             `db:"replica_index"`
	Status              ContainerStatus `db:"status"`
	Health              HealthStatus    `db:"health_status"`
	IsActive            bool            `db:"is_active"`
	IsPrimary           bool            `db:"is_primary"`
	HealthChecksPassed  int             `db:"health_checks_passed"`
	HealthChecksFailed  int             `db:"health_checks_failed"`
	ConsecutiveFailures int             `db:"consecutive_health_failures"`
	LastHealthCheckAt   *time.Time      `db:"last_health_check_at"`
	StartedAt           *time.Time      `db:"started_at"`
	StoppedAt           *time.Time      `db:"stopped_at"`
}

// TrafficRouting is one traffic split row for a deployment. For each
// deployment the sum of TrafficPercentage over active rows is <= 100.
type TrafficRouting struct {
	ID                string     `db:"id"`
	DeploymentID      string     `db:"deployment_id"`
	RoutingGroup      Group      `db:"routing_group"`
	TrafficPercentage int        `db:"traffic_percentage"`
	ContainerIDs      string     `db:"container_ids"`
	IsActive          bool       `db:"is_active"`
	DeactivatedAt     *time.Time `db:"deactivated_at"`
}

// Unlimited is the sentinel for quota fields without a ceiling
const Unlimited = -1

// DeploymentQuota is the resolved, read-only limit set for a tenant
type DeploymentQuota struct {
	MaxConcurrentDeployments  int
	MaxDeploymentsPerMonth    int
	MaxCPUCores               float64
	MaxMemoryBytes            int64
	MaxEnvironmentsPerProject int
	MaxPreviewEnvironments    int
	RollbackRetention         int
	Tier                      PlanTier
}

// Event is an append-only deployment event row
type Event struct {
	DeploymentID string    `db:"deployment_id"`
	Type         string    `db:"event_type"`
	Message      string    `db:"event_message"`
	Severity     Severity  `db:"severity"`
	CreatedAt    time.Time `db:"created_at"`
}

// Alert is a raised deployment alert
type Alert struct {
	ID           string   `db:"id"`
	DeploymentID string   `db:"deployment_id"`
	Type         string   `db:"alert_type"`
	Severity     Severity `db:"severity"`
	Message      string   `db:"message"`
	Resolved     bool     `db:"resolved"`
	Acknowledged bool     `db:"acknowledged"`
	ResolvedBy   string   `db:"resolver_user_id"`
}

// Rollback is one rollback-history row
type Rollback struct {
	FromDeploymentID string    `db:"from_deployment_id"`
	ToDeploymentID   string    `db:"to_deployment_id"`
	Reason           string    `db:"reason"`
	Automatic        bool      `db:"automatic"`
	CreatedAt        time.Time `db:"created_at"`
}

// CanaryAnalysis records one canary promote/rollback decision
type CanaryAnalysis struct {
	DeploymentID      string  `db:"deployment_id"`
	AnalysisType      string  `db:"analysis_type"`
	CanaryErrorRate   float64 `db:"canary_error_rate"`
	CanaryLatencyMs   float64 `db:"canary_avg_response_time_ms"`
	BaselineErrorRate float64 `db:"baseline_error_rate"`
	BaselineLatencyMs float64 `db:"baseline_avg_response_time_ms"`
	Passed            bool    `db:"passed"`
	Score             float64 `db:"score"`
	Decision          string  `db:"decision"`
}

// Job is one deployment job consumed from the message bus
type Job struct {
	ProjectID    string
	BuildID      string
	ImageTag     string
	DeploymentID string
	Environment  Environment
	Strategy     Strategy
	ReplicaCount int
	Domain       string
	Subdomain    string
	Config       map[string]any
}

// FQDN returns the host the edge router should match for this job.
// An explicit domain wins; otherwise the host is derived from the
// subdomain (or the project id) under the platform base domain.
func (j Job) FQDN(baseDomain string) string {
	if j.Domain != "" {
		return j.Domain
	}
	sub := j.Subdomain
	if sub == "" {
		sub = j.ProjectID
	}
	return sub + "." + baseDomain
}
