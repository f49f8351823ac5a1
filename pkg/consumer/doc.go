// Package consumer subscribes to the deploy exchange and feeds jobs to
// the orchestrator, one per worker at a time (prefetch 1). Deployment
// outcomes are durable and always ACKed; only infrastructure failures
// before the pipeline starts are re-queued, and the dead-letter count
// bounds how often.
package consumer
