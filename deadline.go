// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"math"
	"net"
	"sync/atomic"
	"time"
)

// Infinite is the distinguished duration that disables a timeout.
const Infinite time.Duration = math.MaxInt64

// MinTimeout is the smallest non-zero timeout this package accepts.
// Budgets between zero (exclusive) and MinTimeout fail immediately with
// [ErrTimeout].
const MinTimeout = 2 * time.Microsecond

// deadlineGuard scopes a deadline over a single blocking operation.
//
// Arming applies the effective deadline to the connection and registers a
// close-on-cancel watcher for the context; the guard must be disarmed on
// every exit path, typically with defer. After disarm the connection
// carries no deadline again.
//
// The watcher closing the connection is what interrupts I/O already in
// flight when the context is cancelled: the pending read or write fails
// with a closed-handle error that [deadlineGuard.translate] converts back
// into [ErrTimeout] or [ErrCancelled].
type deadlineGuard struct {
	// conn is the guarded connection.
	conn net.Conn

	// fired records whether the close-on-cancel watcher ran.
	fired atomic.Bool

	// byDeadline records whether the watcher ran due to a deadline
	// rather than an explicit cancellation.
	byDeadline atomic.Bool

	// stop unregisters the context watcher.
	stop func() bool
}

// armDeadline arms a scoped deadline for one operation on conn.
//
// The effective deadline is the earlier of the context deadline and
// now+budget. A budget of [Infinite] contributes no deadline of its own; a
// budget of zero arms an already-expired deadline so the operation fails
// with [ErrTimeout] unless it completes without blocking; a non-zero
// budget below [MinTimeout] is rejected with [ErrTimeout] outright.
func armDeadline(ctx context.Context, conn net.Conn, budget time.Duration, timeNow func() time.Time) (*deadlineGuard, error) {
	if budget > 0 && budget < MinTimeout {
		return nil, ErrTimeout
	}

	now := timeNow()
	var deadline time.Time
	if budget != Infinite {
		deadline = now.Add(budget)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	g := &deadlineGuard{conn: conn}
	g.stop = context.AfterFunc(ctx, func() {
		g.byDeadline.Store(ctx.Err() == context.DeadlineExceeded)
		g.fired.Store(true)
		conn.Close()
	})
	return g, nil
}

// disarm unregisters the watcher and clears the connection deadline.
func (g *deadlineGuard) disarm() {
	g.stop()
	if !g.fired.Load() {
		g.conn.SetDeadline(time.Time{})
	}
}

// translate maps an operation error observed under this guard to the
// package error kinds. See [translateIOError].
func (g *deadlineGuard) translate(err error) error {
	return translateIOError(err, g.fired.Load(), g.byDeadline.Load())
}

// withBudget derives a context bounded by the given budget.
//
// A budget of [Infinite] returns the context unchanged with a no-op
// cancel. A non-zero budget below [MinTimeout], or a zero budget, fails
// with [ErrTimeout] since the guarded operation inherently blocks.
func withBudget(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc, error) {
	if budget == Infinite {
		return ctx, func() {}, nil
	}
	if budget < MinTimeout {
		return nil, nil, ErrTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	return ctx, cancel, nil
}
