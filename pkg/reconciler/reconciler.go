package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/obtura/deployd/pkg/log"
	"github.com/obtura/deployd/pkg/runtime"
	"github.com/obtura/deployd/pkg/types"
)

// staleGrace is how long a container row may disagree with the engine
// before the row is flagged. It absorbs the window between the SQL
// insert and the engine create call.
const staleGrace = 30 * time.Second

// Store is the SQL surface the reconciler reads and repairs
type Store interface {
	InFlightByCompany(ctx context.Context) (map[string]int, error)
	NonTerminalContainers(ctx context.Context) ([]*types.Container, error)
	MarkContainerFailed(ctx context.Context, containerID string) error
}

// Counters overwrites the shared admission counters. *ratelimit.Limiter
// satisfies it.
type Counters interface {
	Reconcile(ctx context.Context, inFlight map[string]int) error
}

// Runtime is the engine surface used to verify container liveness
type Runtime interface {
	Inspect(ctx context.Context, containerID string) (runtime.State, error)
}

// Reconciler periodically repairs drift between the SQL record, the
// shared admission counters and the container engine. A crashed worker
// leaks a held concurrent slot and possibly container rows whose engine
// twin is gone; both heal within one interval.
type Reconciler struct {
	store    Store
	counters Counters
	runtime  Runtime
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New builds a reconciler ticking at the given interval
func New(st Store, counters Counters, rt Runtime, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    st,
		counters: counters,
		runtime:  rt,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one cycle. Errors are logged, never fatal; the
// next tick tries again.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if err := r.reconcileCounters(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile admission counters")
	}
	if err := r.reconcileContainers(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile containers")
	}
}

// reconcileCounters makes SQL the source of truth for the concurrent
// admission counters.
func (r *Reconciler) reconcileCounters(ctx context.Context) error {
	inFlight, err := r.store.InFlightByCompany(ctx)
	if err != nil {
		return err
	}
	if err := r.counters.Reconcile(ctx, inFlight); err != nil {
		return err
	}
	r.logger.Debug().Int("companies", len(inFlight)).Msg("admission counters reconciled")
	return nil
}

// reconcileContainers flags rows whose engine container is gone or has
// exited. Rows younger than the grace period are left alone.
func (r *Reconciler) reconcileContainers(ctx context.Context) error {
	rows, err := r.store.NonTerminalContainers(ctx)
	if err != nil {
		return err
	}

	flagged := 0
	for _, c := range rows {
		if c.ContainerID == "" {
			continue
		}
		if c.StartedAt != nil && time.Since(*c.StartedAt) < staleGrace {
			continue
		}

		st, err := r.runtime.Inspect(ctx, c.ContainerID)
		switch {
		case runtime.IsNotFound(err):
			// fallthrough to flagging below
		case err != nil:
			r.logger.Warn().Err(err).Str("container", c.Name).Msg("inspect failed, skipping")
			continue
		case st.Running:
			continue
		case st.ExitCode == 0:
			// Stopped cleanly; the pipeline owns this transition
			continue
		}

		if err := r.store.MarkContainerFailed(ctx, c.ContainerID); err != nil {
			r.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to flag stale container")
			continue
		}
		flagged++
		r.logger.Warn().Str("container", c.Name).Str("deployment_id", c.DeploymentID).
			Msg("container lost by engine, row flagged")
	}

	if flagged > 0 {
		r.logger.Info().Int("flagged", flagged).Msg("stale containers reconciled")
	}
	return nil
}
