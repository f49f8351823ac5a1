/*
Package orchestrator drives deployment jobs end to end.

A job enters through Deploy: tenant identity and plan limits are
resolved, the shared rate-limit counters are checked and claimed, the
strategy state machine is initialized, and one of three strategies runs
the pipeline:

  - blue/green: a full replacement cohort in the standby color, an
    atomic traffic switch, then a drain of the old color.
  - rolling: batch-by-batch replacement of the serving fleet, falling
    back to blue/green when there is nothing to replace.
  - canary: one container on a small traffic share, a monitoring
    window, then an analysis verdict that promotes or rejects it.

Forward progress is paired with an undo stack. Everything a pipeline
builds (containers, router rules, canary routing rows) registers its
compensation; an abort unwinds the stack in reverse under a detached
context, so even a cancelled worker leaves no orphans. Failures are
durable: the deployment row, strategy state, event log and alerts are
all written before the error propagates.
*/
package orchestrator
