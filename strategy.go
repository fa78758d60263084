// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sync/errgroup"
)

// AppendFunc adds one freshly constructed session to the pool.
type AppendFunc[S Session] func(session S)

// Strategy decides how the pool watcher refills vacancies.
//
// Refill is called from the watcher goroutine with the number of vacant
// places (always > 0) and an append function to deposit new sessions.
// It returns whether more work is pending, in which case the watcher
// re-checks immediately instead of sleeping out its period.
//
// A Strategy instance belongs to exactly one pool and is only ever
// called from that pool's watcher goroutine.
type Strategy[S Session] interface {
	Refill(ctx context.Context, connector *Connector[S], vacant int, appendFn AppendFunc[S]) bool
}

// NewGreedyStrategy returns a new [*GreedyStrategy].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewGreedyStrategy[S Session](logger SLogger) *GreedyStrategy[S] {
	return &GreedyStrategy[S]{Logger: logger}
}

// GreedyStrategy refills every vacancy at once with parallel connection
// attempts. Appropriate when the backend is healthy: the pool converges
// on its target population as fast as the backend allows.
//
// Construct via [NewGreedyStrategy].
type GreedyStrategy[S Session] struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewGreedyStrategy] to the user-provided logger.
	Logger SLogger
}

var _ Strategy[*Socket] = &GreedyStrategy[*Socket]{}

// Refill implements [Strategy].
func (st *GreedyStrategy[S]) Refill(ctx context.Context,
	connector *Connector[S], vacant int, appendFn AppendFunc[S]) bool {
	if vacant < 1 {
		return false
	}
	g := &errgroup.Group{}
	for range vacant {
		g.Go(func() error {
			session, err := connector.NewSession(ctx)
			if err != nil {
				return err
			}
			appendFn(session)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		st.Logger.Warn(
			"poolRefillFailed",
			slog.Any("err", err),
			slog.String("target", connector.Target()),
		)
	}
	return true
}

// Conservative strategy defaults.
const (
	// DefaultInitialDelay seeds the backoff delay after the first
	// fully failed refill cycle.
	DefaultInitialDelay = 50 * time.Millisecond

	// DefaultDelayMultiplier grows the delay on consecutive failures.
	DefaultDelayMultiplier = 3.0

	// DefaultMaxDelay caps the backoff delay.
	DefaultMaxDelay = 10 * time.Second
)

// NewConservativeStrategy returns a new [*ConservativeStrategy] with
// default backoff parameters.
//
// The cfg argument contains the common configuration for streamconn
// operations; the strategy uses its clock.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConservativeStrategy[S Session](cfg *Config, logger SLogger) *ConservativeStrategy[S] {
	return &ConservativeStrategy[S]{
		InitialDelay: DefaultInitialDelay,
		Logger:       logger,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultDelayMultiplier,
		TimeNow:      cfg.TimeNow,
		currentDelay: 0,
		rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		waitUntil:    time.Time{},
	}
}

// ConservativeStrategy refills vacancies with exponential backoff and
// random jitter. Appropriate when the backend may be failing: instead
// of hammering it with a thundering herd, the strategy cools down
// between attempts, growing the cool-down on consecutive failures and
// resetting it on the first success.
//
// While not backing off, a refill cycle runs one in-line attempt plus
// up to (vacant+2)/3 - 1 parallel workers. During backoff, each cycle
// makes exactly one attempt. After a cycle where nothing was appended,
// the delay grows to (previous x multiplier) x uniform(0,1), clamped to
// MaxDelay, and no attempts happen until the cool-down expires.
//
// Construct via [NewConservativeStrategy]. Never share an instance
// across pools: the backoff state and RNG are per-instance and the
// strategy is only safe for use from a single watcher goroutine.
type ConservativeStrategy[S Session] struct {
	// InitialDelay seeds the backoff delay.
	//
	// Set by [NewConservativeStrategy] to [DefaultInitialDelay].
	InitialDelay time.Duration

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConservativeStrategy] to the user-provided logger.
	Logger SLogger

	// MaxDelay caps the backoff delay.
	//
	// Set by [NewConservativeStrategy] to [DefaultMaxDelay].
	MaxDelay time.Duration

	// Multiplier grows the delay on consecutive failures. Must be >= 1.
	//
	// Set by [NewConservativeStrategy] to [DefaultDelayMultiplier].
	Multiplier float64

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConservativeStrategy] from [Config.TimeNow].
	TimeNow func() time.Time

	// currentDelay is the current backoff delay; zero means healthy.
	currentDelay time.Duration

	// rng produces the jitter.
	rng *rand.Rand

	// waitUntil is the end of the current cool-down.
	waitUntil time.Time
}

var _ Strategy[*Socket] = &ConservativeStrategy[*Socket]{}

// Refill implements [Strategy].
func (st *ConservativeStrategy[S]) Refill(ctx context.Context,
	connector *Connector[S], vacant int, appendFn AppendFunc[S]) bool {
	runtimex.Assert(st.Multiplier >= 1)

	// 1. Respect the cool-down.
	now := st.TimeNow()
	if now.Before(st.waitUntil) {
		return false
	}

	// 2. Decide the parallelism: extra workers only while healthy,
	// exactly one attempt per cycle during backoff.
	extra := 0
	if st.currentDelay == 0 {
		extra = max(0, (vacant+2)/3-1)
	}

	// 3. Attempt: one in-line plus the extra workers.
	var appendedCount atomic.Int64
	countingAppend := func(session S) {
		appendedCount.Add(1)
		appendFn(session)
	}
	attempt := func() error {
		session, err := connector.NewSession(ctx)
		if err != nil {
			return err
		}
		countingAppend(session)
		return nil
	}
	g := &errgroup.Group{}
	for range extra {
		g.Go(attempt)
	}
	inlineErr := attempt()
	groupErr := g.Wait()

	// 4. Any success resets the backoff.
	if appendedCount.Load() > 0 {
		st.currentDelay = 0
		return true
	}

	// 5. Total failure: grow the delay with jitter and arm the cool-down.
	err := inlineErr
	if err == nil {
		err = groupErr
	}
	base := st.InitialDelay
	if st.currentDelay != 0 {
		base = time.Duration(float64(st.currentDelay) * st.Multiplier)
	}
	st.currentDelay = min(time.Duration(float64(base)*st.rng.Float64()), st.MaxDelay)
	st.waitUntil = now.Add(st.currentDelay)
	st.Logger.Warn(
		"poolRefillBackoff",
		slog.Duration("backoffDelay", st.currentDelay),
		slog.Any("err", err),
		slog.String("target", connector.Target()),
		slog.Time("waitUntil", st.waitUntil),
	)
	return false
}
