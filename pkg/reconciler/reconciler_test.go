package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/obtura/deployd/pkg/runtime"
	"github.com/obtura/deployd/pkg/types"
)

type fakeStore struct {
	inFlight map[string]int
	rows     []*types.Container
	flagged  []string
	listErr  error
}

func (f *fakeStore) InFlightByCompany(ctx context.Context) (map[string]int, error) {
	return f.inFlight, nil
}

func (f *fakeStore) NonTerminalContainers(ctx context.Context) ([]*types.Container, error) {
	return f.rows, f.listErr
}

func (f *fakeStore) MarkContainerFailed(ctx context.Context, containerID string) error {
	f.flagged = append(f.flagged, containerID)
	return nil
}

type fakeCounters struct {
	got map[string]int
}

func (f *fakeCounters) Reconcile(ctx context.Context, inFlight map[string]int) error {
	f.got = inFlight
	return nil
}

type fakeRuntime struct {
	states map[string]runtime.State
	errs   map[string]error
}

func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (runtime.State, error) {
	if err, ok := f.errs[containerID]; ok {
		return runtime.State{}, err
	}
	return f.states[containerID], nil
}

func oldEnough() *time.Time {
	t := time.Now().Add(-2 * staleGrace)
	return &t
}

func justStarted() *time.Time {
	t := time.Now()
	return &t
}

// TestReconcileCounters tests that SQL truth overwrites the counters
func TestReconcileCounters(t *testing.T) {
	st := &fakeStore{inFlight: map[string]int{"c1": 2, "c2": 1}}
	counters := &fakeCounters{}
	r := New(st, counters, &fakeRuntime{}, time.Minute)

	r.Reconcile(context.Background())

	if counters.got == nil {
		t.Fatal("counters were not reconciled")
	}
	if counters.got["c1"] != 2 || counters.got["c2"] != 1 {
		t.Errorf("reconciled counters = %v", counters.got)
	}
}

// TestReconcileContainers tests the stale-row rules
func TestReconcileContainers(t *testing.T) {
	rows := []*types.Container{
		{ID: "r1", Name: "running", ContainerID: "e1", StartedAt: oldEnough()},
		{ID: "r2", Name: "vanished", ContainerID: "e2", StartedAt: oldEnough()},
		{ID: "r3", Name: "crashed", ContainerID: "e3", StartedAt: oldEnough()},
		{ID: "r4", Name: "clean-exit", ContainerID: "e4", StartedAt: oldEnough()},
		{ID: "r5", Name: "too-young", ContainerID: "e5", StartedAt: justStarted()},
		{ID: "r6", Name: "no-engine-id", ContainerID: "", StartedAt: oldEnough()},
		{ID: "r7", Name: "engine-flaky", ContainerID: "e7", StartedAt: oldEnough()},
	}
	st := &fakeStore{rows: rows}
	rt := &fakeRuntime{
		states: map[string]runtime.State{
			"e1": {Running: true},
			"e3": {Running: false, ExitCode: 137},
			"e4": {Running: false, ExitCode: 0},
		},
		errs: map[string]error{
			"e2": runtime.Classify("inspect", notFoundErr{}),
			"e7": errors.New("engine timeout"),
		},
	}
	r := New(st, &fakeCounters{}, rt, time.Minute)

	r.Reconcile(context.Background())

	want := map[string]bool{"e2": true, "e3": true}
	if len(st.flagged) != len(want) {
		t.Fatalf("flagged = %v, want exactly %v", st.flagged, want)
	}
	for _, id := range st.flagged {
		if !want[id] {
			t.Errorf("container %s flagged unexpectedly", id)
		}
	}
}

// notFoundErr mimics the engine's missing-container error
type notFoundErr struct{}

func (notFoundErr) Error() string { return "no such container" }
func (notFoundErr) NotFound()     {}
