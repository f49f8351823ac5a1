package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/obtura/deployd/pkg/types"
)

// MetricsSource reports aggregated traffic metrics for one container
// over a trailing window. Production wires the metrics collector;
// tests inject fixed numbers.
type MetricsSource interface {
	ErrorRate(ctx context.Context, containerName string, window time.Duration) (float64, error)
	AvgLatencyMs(ctx context.Context, containerName string, window time.Duration) (float64, error)
}

// staticSource stands in when no collector is configured. It reports a
// steady low-error signal, so installations without metrics still get
// deterministic canary behavior.
type staticSource struct {
	errorRate float64
	latencyMs float64
}

var defaultSource MetricsSource = staticSource{errorRate: 1.5, latencyMs: 150}

func (s staticSource) ErrorRate(context.Context, string, time.Duration) (float64, error) {
	return s.errorRate, nil
}

func (s staticSource) AvgLatencyMs(context.Context, string, time.Duration) (float64, error) {
	return s.latencyMs, nil
}

// analyze compares the canary's observed metrics against the promotion
// thresholds and the current primary's baseline.
func (o *Orchestrator) analyze(ctx context.Context, job types.Job, c *types.Container) (*types.CanaryAnalysis, error) {
	window := o.opts.CanaryMonitoringWindow

	errRate, err := o.source.ErrorRate(ctx, c.Name, window)
	if err != nil {
		return nil, fmt.Errorf("failed to read canary error rate: %w", err)
	}
	latency, err := o.source.AvgLatencyMs(ctx, c.Name, window)
	if err != nil {
		return nil, fmt.Errorf("failed to read canary latency: %w", err)
	}

	baselineErr, baselineLat := o.baseline(ctx, job, window)

	passed := errRate <= o.opts.CanaryErrorRateThreshold && latency < o.opts.CanaryLatencyThresholdMs
	decision := "rollback"
	if passed {
		decision = "promote"
	}

	return &types.CanaryAnalysis{
		DeploymentID:      job.DeploymentID,
		AnalysisType:      "automatic",
		CanaryErrorRate:   errRate,
		CanaryLatencyMs:   latency,
		BaselineErrorRate: baselineErr,
		BaselineLatencyMs: baselineLat,
		Passed:            passed,
		Score:             analysisScore(errRate, latency, o.opts.CanaryErrorRateThreshold, o.opts.CanaryLatencyThresholdMs),
		Decision:          decision,
	}, nil
}

// baseline reads the same metrics for the current primary container.
// Without a primary the configured thresholds serve as the reference.
func (o *Orchestrator) baseline(ctx context.Context, job types.Job, window time.Duration) (float64, float64) {
	errRate := o.opts.CanaryErrorRateThreshold
	latency := o.opts.CanaryLatencyThresholdMs

	activeID, err := o.store.ActiveDeploymentID(ctx, job.ProjectID, job.Environment)
	if err != nil || activeID == "" {
		return errRate, latency
	}
	primaries, err := o.store.ActiveContainers(ctx, activeID)
	if err != nil || len(primaries) == 0 {
		return errRate, latency
	}

	if v, err := o.source.ErrorRate(ctx, primaries[0].Name, window); err == nil {
		errRate = v
	}
	if v, err := o.source.AvgLatencyMs(ctx, primaries[0].Name, window); err == nil {
		latency = v
	}
	return errRate, latency
}

// analysisScore maps the canary's standing against both thresholds to
// 0-100, half the weight on each.
func analysisScore(errRate, latency, maxErr, maxLat float64) float64 {
	errPart := 50 * (1 - math.Min(errRate/maxErr, 1))
	latPart := 50 * (1 - math.Min(latency/maxLat, 1))
	return math.Round(errPart + latPart)
}
