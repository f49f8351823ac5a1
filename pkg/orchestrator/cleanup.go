package orchestrator

import (
	"context"
	"sync"
)

// undoStack accumulates compensations while a pipeline makes forward
// progress. On abort the stack unwinds in reverse order under a
// detached context, so a cancelled worker still tears down what it
// built. A committed pipeline discards the stack.
type undoStack struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

func (u *undoStack) push(fn func(context.Context)) {
	u.mu.Lock()
	u.fns = append(u.fns, fn)
	u.mu.Unlock()
}

func (u *undoStack) unwind(ctx context.Context) {
	u.mu.Lock()
	fns := u.fns
	u.fns = nil
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](ctx)
	}
}

func (u *undoStack) discard() {
	u.mu.Lock()
	u.fns = nil
	u.mu.Unlock()
}
