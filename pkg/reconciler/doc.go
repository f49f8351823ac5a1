// Package reconciler heals drift between the SQL record, the shared
// admission counters in the cache and the container engine. It is the
// safety net for crashed workers: leaked concurrent slots and orphaned
// container rows converge back to reality within one interval.
package reconciler
