// Package metrics exposes the Prometheus instrumentation of the
// deployment core: deployment outcomes and durations, per-phase
// latencies, admission rejections, container churn and job consumer
// outcomes. Metrics are registered at package init and served through
// Handler.
package metrics
