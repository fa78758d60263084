// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Pool maintenance tuning. The watcher period is an implementation
// choice within [10ms, 100ms]; the return lock attempt is deliberately
// short because constructing a fresh connection is cheaper for the
// caller than waiting on a contended pool.
const (
	poolWatchPeriod       = 50 * time.Millisecond
	poolWatchLockTimeout  = 100 * time.Millisecond
	poolReturnLockTimeout = time.Millisecond
)

// pooledEntry is one idle session with its deposit timestamp.
type pooledEntry[S Session] struct {
	deposited time.Time
	session   S
}

// Pool maintains a population of ready-to-use sessions against one
// remote target.
//
// The pool owns a [*Connector] and a background watcher goroutine. The
// watcher periodically evicts sessions that sat idle past the idle
// timeout and delegates refilling of vacancies to the configured
// [Strategy]. Sessions are handed out in FIFO order: the oldest idle
// session goes first, which biases the pool toward exercising every
// session and therefore noticing server-side closures early.
//
// In steady state the pool holds at most target+1 sessions: the extra
// one appears transiently when a caller returns a session the watcher
// has already replaced.
//
// A session pulled with [Pool.GetSession] was established earlier and
// may have been closed by the peer in the meantime; callers should
// treat an I/O failure on it as a signal to close the session and pull
// a new one.
//
// A Pool is safe for concurrent use. Construct via [NewPool] or one of
// the protocol-specific constructors; call [Pool.Close] when done.
type Pool[S Session] struct {
	// connector produces new sessions.
	connector *Connector[S]

	// idleTimeout is the maximum idle age; [Infinite] disables eviction.
	idleTimeout time.Duration

	// strategy refills vacancies.
	strategy Strategy[S]

	// targetSize is the population the watcher maintains.
	targetSize int

	// mu guards entries and appended.
	mu timedMutex

	// entries is the FIFO of idle sessions.
	entries []pooledEntry[S]

	// appended is closed and replaced under mu whenever a session is
	// appended; waiters grab it, release mu, and wait for the close.
	appended chan struct{}

	// closed tracks whether Close ran.
	closed atomic.Bool

	// closeOnce ensures Close has "once" semantics.
	closeOnce sync.Once

	// stop stops the watcher goroutine.
	stop chan struct{}

	// watchCtx is cancelled by Close to interrupt in-flight refills.
	watchCtx context.Context

	// watchCancel cancels watchCtx.
	watchCancel context.CancelFunc

	// watcherDone is closed when the watcher goroutine exits.
	watcherDone chan struct{}

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// NewPool returns a [*Pool] maintaining targetSize sessions produced by
// the given connector, evicting sessions idle for idleTimeout or longer
// (pass [Infinite] to never evict by age), refilling via the given
// strategy.
//
// The pool takes ownership of the connector. The watcher starts
// immediately, so early [Pool.GetSession] calls may take longer than in
// the steady state while the pool warms up.
func NewPool[S Session](connector *Connector[S], strategy Strategy[S],
	targetSize int, idleTimeout time.Duration, logger SLogger) *Pool[S] {
	watchCtx, watchCancel := context.WithCancel(context.Background())
	p := &Pool[S]{
		connector:     connector,
		idleTimeout:   idleTimeout,
		strategy:      strategy,
		targetSize:    targetSize,
		mu:            newTimedMutex(),
		entries:       nil,
		appended:      make(chan struct{}),
		closed:        atomic.Bool{},
		closeOnce:     sync.Once{},
		stop:          make(chan struct{}),
		watchCtx:      watchCtx,
		watchCancel:   watchCancel,
		watcherDone:   make(chan struct{}),
		ErrClassifier: connector.ErrClassifier,
		Logger:        logger,
		TimeNow:       connector.TimeNow,
	}
	go p.watchLoop()
	return p
}

// NewTCPPool returns a greedy-strategy pool of plain TCP sessions.
func NewTCPPool(cfg *Config, host, port string, family IPFamily,
	targetSize int, idleTimeout time.Duration, logger SLogger) (*Pool[*Socket], error) {
	connector, err := NewTCPConnector(cfg, host, port, family, logger)
	if err != nil {
		return nil, err
	}
	return NewPool(connector, NewGreedyStrategy[*Socket](logger), targetSize, idleTimeout, logger), nil
}

// NewUDPPool returns a greedy-strategy pool of connected UDP sessions.
func NewUDPPool(cfg *Config, host, port string, family IPFamily,
	targetSize int, idleTimeout time.Duration, logger SLogger) (*Pool[*Socket], error) {
	connector, err := NewUDPConnector(cfg, host, port, family, logger)
	if err != nil {
		return nil, err
	}
	return NewPool(connector, NewGreedyStrategy[*Socket](logger), targetSize, idleTimeout, logger), nil
}

// NewTLSPool returns a greedy-strategy pool of TLS sessions.
func NewTLSPool(cfg *Config, tlsConfig *tls.Config, host, port string, family IPFamily,
	targetSize int, idleTimeout time.Duration, logger SLogger) (*Pool[*TLSSocket], error) {
	connector, err := NewTLSConnector(cfg, tlsConfig, host, port, family, logger)
	if err != nil {
		return nil, err
	}
	return NewPool(connector, NewGreedyStrategy[*TLSSocket](logger), targetSize, idleTimeout, logger), nil
}

// NewHTTPPool returns a greedy-strategy pool of plain HTTP sessions.
func NewHTTPPool(cfg *Config, host, port string, family IPFamily,
	targetSize int, idleTimeout time.Duration, logger SLogger) (*Pool[*HTTPSession], error) {
	connector, err := NewHTTPConnector(cfg, host, port, family, logger)
	if err != nil {
		return nil, err
	}
	return NewPool(connector, NewGreedyStrategy[*HTTPSession](logger), targetSize, idleTimeout, logger), nil
}

// NewHTTPSPool returns a greedy-strategy pool of HTTPS sessions.
func NewHTTPSPool(cfg *Config, tlsConfig *tls.Config, host, port string, family IPFamily,
	targetSize int, idleTimeout time.Duration, logger SLogger) (*Pool[*HTTPSession], error) {
	connector, err := NewHTTPSConnector(cfg, tlsConfig, host, port, family, logger)
	if err != nil {
		return nil, err
	}
	return NewPool(connector, NewGreedyStrategy[*HTTPSession](logger), targetSize, idleTimeout, logger), nil
}

// Connector returns the pool's connector, e.g. to inspect
// [Connector.ResolveError].
func (p *Pool[S]) Connector() *Connector[S] {
	return p.connector
}

// GetSession pulls the oldest idle session from the pool, waiting until
// the context deadline for one to appear.
//
// Error kinds: [ErrTimeout] when the pool lock could not be acquired in
// time, [ErrNotFound] when the pool stayed empty until the deadline (a
// transient, retrying is legitimate), [ErrClosed] after [Pool.Close].
func (p *Pool[S]) GetSession(ctx context.Context) (S, error) {
	return p.getSession(ctx, true)
}

// TryGetSession is like [Pool.GetSession] but fails with [ErrNotFound]
// right away instead of waiting for the pool to fill up.
func (p *Pool[S]) TryGetSession(ctx context.Context) (S, error) {
	return p.getSession(ctx, false)
}

func (p *Pool[S]) getSession(ctx context.Context, wait bool) (S, error) {
	var zero S
	if p.closed.Load() {
		return zero, ErrClosed
	}
	if !p.mu.LockContext(ctx) {
		return zero, ErrTimeout
	}
	for len(p.entries) < 1 {
		if !wait {
			p.mu.Unlock()
			return zero, ErrNotFound
		}
		appended := p.appended
		p.mu.Unlock()
		select {
		case <-appended:
		case <-p.stop:
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ErrNotFound
		}
		if !p.mu.LockContext(ctx) {
			return zero, ErrTimeout
		}
	}
	entry := p.entries[0]
	p.entries = p.entries[1:]
	p.mu.Unlock()
	return entry.session, nil
}

// ReturnSession gives a pulled session back to the pool for reuse.
//
// Closed sessions are dropped silently. When the pool lock cannot be
// acquired within one millisecond the session is dropped too: callers
// are better served constructing a fresh connection than waiting on a
// contended pool.
//
// Only return sessions after successful usage: a session whose last
// operation failed is in an indeterminate state and should be closed
// instead.
func (p *Pool[S]) ReturnSession(session S) {
	if !session.IsOpen() || p.closed.Load() {
		session.Close()
		return
	}
	if !p.mu.LockTimeout(poolReturnLockTimeout) {
		session.Close()
		return
	}
	p.appendLocked(session)
	p.mu.Unlock()
}

// IsConnected reports whether the pool holds at least one session,
// waiting until the context deadline for one to appear. The error is
// [ErrTimeout] when the pool lock could not be acquired in time.
func (p *Pool[S]) IsConnected(ctx context.Context) (bool, error) {
	if p.closed.Load() {
		return false, ErrClosed
	}
	if !p.mu.LockContext(ctx) {
		return false, ErrTimeout
	}
	for len(p.entries) < 1 {
		appended := p.appended
		p.mu.Unlock()
		select {
		case <-appended:
		case <-p.stop:
			return false, ErrClosed
		case <-ctx.Done():
			return false, nil
		}
		if !p.mu.LockContext(ctx) {
			return false, ErrTimeout
		}
	}
	p.mu.Unlock()
	return true, nil
}

// Close stops the watcher, closes the connector, and closes every idle
// session. Close is idempotent. Sessions currently held by callers are
// unaffected; returning them afterwards just closes them.
func (p *Pool[S]) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)
		p.watchCancel()
		<-p.watcherDone
		p.connector.Close()
		p.mu.Lock()
		for _, entry := range p.entries {
			entry.session.Close()
		}
		p.entries = nil
		p.mu.Unlock()
	})
	return nil
}

// appendLocked appends one session and wakes the waiters. Callers hold mu.
func (p *Pool[S]) appendLocked(session S) {
	p.entries = append(p.entries, pooledEntry[S]{
		deposited: p.TimeNow(),
		session:   session,
	})
	close(p.appended)
	p.appended = make(chan struct{})
}

// appendSession is the append function handed to the strategy.
func (p *Pool[S]) appendSession(session S) {
	p.mu.Lock()
	p.appendLocked(session)
	p.mu.Unlock()
}

// watchLoop runs on the watcher goroutine until Close.
func (p *Pool[S]) watchLoop() {
	defer close(p.watcherDone)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		// When the strategy reports more work pending, re-check
		// immediately instead of sleeping out the period.
		if p.maintain() {
			continue
		}

		timer := time.NewTimer(poolWatchPeriod)
		select {
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// maintain runs one refill cycle: evict expired sessions, then delegate
// vacancies to the strategy. Returns whether more work is pending.
func (p *Pool[S]) maintain() bool {
	if !p.mu.LockTimeout(poolWatchLockTimeout) {
		// contention: somebody is actively using the pool, try later
		return false
	}

	now := p.TimeNow()
	kept := make([]pooledEntry[S], 0, len(p.entries))
	evicted := 0
	for _, entry := range p.entries {
		expired := p.idleTimeout != Infinite && now.Sub(entry.deposited) >= p.idleTimeout
		if expired || !entry.session.IsOpen() {
			entry.session.Close()
			evicted++
			continue
		}
		kept = append(kept, entry)
	}
	p.entries = kept
	survivors := len(kept)
	p.mu.Unlock()

	if evicted > 0 {
		p.Logger.Info(
			"poolEvicted",
			slog.Int("poolEvictedCount", evicted),
			slog.Int("poolSurvivorsCount", survivors),
			slog.String("target", p.connector.Target()),
			slog.Time("t", p.TimeNow()),
		)
	}

	vacant := p.targetSize - survivors
	if vacant < 1 {
		return false
	}
	return p.strategy.Refill(p.watchCtx, p.connector, vacant, p.appendSession)
}
