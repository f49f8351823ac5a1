// Package types defines the shared domain model of the deployment core:
// deployments, their strategy state machine, the containers and traffic
// routing rows a deployment owns, quota limits, events and alerts.
//
// A deployment row exclusively owns its strategy state, containers,
// routing rows, events and alerts; deleting the deployment cascades to
// all of them. The types here carry db struct tags for sqlx and are the
// only vocabulary exchanged between the store, the orchestrator and the
// job consumer.
package types
