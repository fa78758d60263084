// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLimitedSessionFactory returns a factory that succeeds limit times
// and then fails every further attempt, so tests can freeze the pool
// population at a known value.
func newLimitedSessionFactory(limit int64) (Func[netip.AddrPort, *fakeSession], *atomic.Int64) {
	counter := &atomic.Int64{}
	factory := FuncAdapter[netip.AddrPort, *fakeSession](
		func(ctx context.Context, input netip.AddrPort) (*fakeSession, error) {
			id := counter.Add(1)
			if id > limit {
				counter.Add(-1)
				return nil, errors.New("backend down")
			}
			return &fakeSession{id: int(id)}, nil
		})
	return factory, counter
}

// newFakePool builds a pool of fake sessions with a greedy strategy.
func newFakePool(t *testing.T, targetSize int, idleTimeout time.Duration) (*Pool[*fakeSession], *atomic.Int64) {
	t.Helper()
	cfg := NewConfig()
	factory, counter := newFakeSessionFactory()
	connector := newFakeConnector(cfg, factory)
	pool := NewPool(connector, NewGreedyStrategy[*fakeSession](DefaultSLogger()),
		targetSize, idleTimeout, DefaultSLogger())
	t.Cleanup(func() { pool.Close() })
	return pool, counter
}

// The watcher fills the pool to its target size.
func TestPoolFillsToTarget(t *testing.T) {
	pool, _ := newFakePool(t, 3, Infinite)

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.entries) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// in steady state the population must not exceed target+1
	time.Sleep(3 * poolWatchPeriod)
	pool.mu.Lock()
	assert.LessOrEqual(t, len(pool.entries), 4)
	pool.mu.Unlock()
}

// GetSession hands out open sessions, each one exclusively owned by
// the caller that pulled it.
func TestPoolGetSession(t *testing.T) {
	pool, _ := newFakePool(t, 2, Infinite)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := pool.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.IsOpen())

	second, err := pool.GetSession(ctx)
	require.NoError(t, err)
	assert.True(t, second.IsOpen())
	assert.NotSame(t, first, second, "a pulled session is exclusively owned")
}

// Sessions round-trip: returning a session and pulling again yields the
// same session when nothing was evicted in between.
func TestPoolReturnSessionRoundTrip(t *testing.T) {
	cfg := NewConfig()
	factory, _ := newLimitedSessionFactory(1)
	connector := newFakeConnector(cfg, factory)
	pool := NewPool(connector, NewGreedyStrategy[*fakeSession](DefaultSLogger()),
		1, Infinite, DefaultSLogger())
	t.Cleanup(func() { pool.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// the backend allows exactly one session, so the watcher cannot
	// replace what we pull
	session, err := pool.GetSession(ctx)
	require.NoError(t, err)

	pool.ReturnSession(session)
	got, err := pool.GetSession(ctx)
	require.NoError(t, err)
	assert.Same(t, session, got)
}

// Returning a closed session drops it silently.
func TestPoolReturnClosedSession(t *testing.T) {
	pool, _ := newFakePool(t, 1, Infinite)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	session, err := pool.GetSession(ctx)
	require.NoError(t, err)
	session.Close()

	pool.ReturnSession(session)

	pool.mu.Lock()
	for _, entry := range pool.entries {
		assert.NotSame(t, session, entry.session)
	}
	pool.mu.Unlock()
}

// FIFO ordering: sessions come out in insertion order.
func TestPoolFIFOOrdering(t *testing.T) {
	cfg := NewConfig()
	factory, _ := newLimitedSessionFactory(3)
	connector := newFakeConnector(cfg, factory)
	pool := NewPool(connector, NewGreedyStrategy[*fakeSession](DefaultSLogger()),
		3, Infinite, DefaultSLogger())
	t.Cleanup(func() { pool.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// let the pool hold all three sessions before pulling any
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.entries) == 3
	}, 2*time.Second, 10*time.Millisecond)

	a, err := pool.GetSession(ctx)
	require.NoError(t, err)
	b, err := pool.GetSession(ctx)
	require.NoError(t, err)

	pool.ReturnSession(a)
	pool.ReturnSession(b)

	// the backend is frozen at three sessions: the remaining original
	// comes out first, then a, then b, in insertion order
	var got []*fakeSession
	for range 3 {
		s, err := pool.GetSession(ctx)
		require.NoError(t, err)
		got = append(got, s)
	}
	assert.Same(t, a, got[1])
	assert.Same(t, b, got[2])
}

// The watcher evicts sessions older than the idle timeout and refills.
func TestPoolEvictsExpired(t *testing.T) {
	pool, counter := newFakePool(t, 2, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	created := counter.Load()

	// after the idle timeout passes, the original sessions must have
	// been replaced with newer ones
	require.Eventually(t, func() bool {
		return counter.Load() > created
	}, 2*time.Second, 10*time.Millisecond)

	pool.mu.Lock()
	now := time.Now()
	for _, entry := range pool.entries {
		assert.Less(t, now.Sub(entry.deposited), time.Second)
	}
	pool.mu.Unlock()
}

// GetSession fails with ErrNotFound when the pool stays empty until the
// deadline.
func TestPoolGetSessionNotFound(t *testing.T) {
	cfg := NewConfig()
	factory := FuncAdapter[netip.AddrPort, *fakeSession](
		func(ctx context.Context, input netip.AddrPort) (*fakeSession, error) {
			return nil, errors.New("backend down")
		})
	connector := newFakeConnector(cfg, factory)
	pool := NewPool(connector, NewGreedyStrategy[*fakeSession](DefaultSLogger()),
		1, Infinite, DefaultSLogger())
	t.Cleanup(func() { pool.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	session, err := pool.GetSession(ctx)

	require.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, session)
}

// TryGetSession does not wait for the pool to fill up.
func TestPoolTryGetSessionEmpty(t *testing.T) {
	cfg := NewConfig()
	factory := FuncAdapter[netip.AddrPort, *fakeSession](
		func(ctx context.Context, input netip.AddrPort) (*fakeSession, error) {
			return nil, errors.New("backend down")
		})
	connector := newFakeConnector(cfg, factory)
	pool := NewPool(connector, NewGreedyStrategy[*fakeSession](DefaultSLogger()),
		1, Infinite, DefaultSLogger())
	t.Cleanup(func() { pool.Close() })

	t0 := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := pool.TryGetSession(ctx)

	require.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(t0), time.Second, "TryGetSession must not wait")
}

// IsConnected waits until a session appears or the deadline expires.
func TestPoolIsConnected(t *testing.T) {
	pool, _ := newFakePool(t, 1, Infinite)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	connected, err := pool.IsConnected(ctx)

	require.NoError(t, err)
	assert.True(t, connected)
}

// Sequential get/return cycles reuse a bounded set of sessions.
func TestPoolSequentialReuse(t *testing.T) {
	const target = 4
	pool, counter := newFakePool(t, target, Infinite)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// let the pool warm up before churning
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.entries) >= target
	}, 2*time.Second, 10*time.Millisecond)

	for range 50 {
		session, err := pool.GetSession(ctx)
		require.NoError(t, err)
		pool.ReturnSession(session)
	}

	// churning a warm pool must not need many fresh connections
	assert.LessOrEqual(t, counter.Load(), int64(target+2))
}

// GetSession fails with ErrClosed after Close, and Close is idempotent.
func TestPoolClose(t *testing.T) {
	pool, _ := newFakePool(t, 2, Infinite)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := pool.GetSession(ctx)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err = pool.GetSession(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// returning a session after Close just closes it
	pool.ReturnSession(session)
	assert.False(t, session.IsOpen())
}
