/*
Package store is the SQL system of record for the deployment core.

It owns every table the core touches: deployments, the per-deployment
strategy state machine and its phase-transition audit log, containers,
traffic routing rows, events, alerts, rollback history, canary analysis
results and health-check records.

Two properties matter more than anything else here:

  - Writes that span rows appear atomic. A traffic switch deactivates the
    old routing rows, flips both container cohorts, inserts the new
    routing row and demotes the superseded deployment inside one
    transaction. A phase change appends its audit row and updates
    current_phase in one transaction, so no reader ever sees a phase
    advance without its log row.

  - The host port pool (9100-9900) is claimed by the same transaction
    that inserts the container row, so two concurrent deployments cannot
    reserve the same port silently; a lost race surfaces as an engine
    bind error and the caller retries with a fresh allocation.

Dynamic strategy-state metadata goes through a column allow-list; column
names are never assembled from caller input.
*/
package store
