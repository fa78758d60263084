// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// armDeadline rejects sub-resolution budgets outright.
func TestArmDeadlineMinTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	guard, err := armDeadline(context.Background(), client, time.Microsecond, time.Now)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, guard)
}

// armDeadline with a zero budget arms an already-expired deadline so the
// operation fails with ErrTimeout unless it completes without blocking.
func TestArmDeadlineZeroBudget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	guard, err := armDeadline(context.Background(), client, 0, time.Now)
	require.NoError(t, err)
	defer guard.disarm()

	_, rerr := client.Read(make([]byte, 1))
	assert.ErrorIs(t, guard.translate(rerr), ErrTimeout)
}

// armDeadline with Infinite leaves the connection without a deadline.
func TestArmDeadlineInfinite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	guard, err := armDeadline(context.Background(), client, Infinite, time.Now)
	require.NoError(t, err)
	defer guard.disarm()

	go func() {
		server.Read(make([]byte, 4))
	}()
	n, werr := client.Write([]byte("ping"))
	require.NoError(t, werr)
	assert.Equal(t, 4, n)
}

// A budget deadline interrupts I/O already in flight.
func TestArmDeadlineBudgetFires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	guard, err := armDeadline(context.Background(), client, 20*time.Millisecond, time.Now)
	require.NoError(t, err)
	defer guard.disarm()

	// nobody ever writes: the read must be interrupted by the deadline
	_, rerr := client.Read(make([]byte, 1))
	assert.ErrorIs(t, guard.translate(rerr), ErrTimeout)
}

// A cancelled context closes the connection and maps to ErrCancelled.
func TestArmDeadlineContextCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	guard, err := armDeadline(ctx, client, Infinite, time.Now)
	require.NoError(t, err)
	defer guard.disarm()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, rerr := client.Read(make([]byte, 1))
	assert.ErrorIs(t, guard.translate(rerr), ErrCancelled)
}

// An expired context deadline maps to ErrTimeout, also when the watcher
// closed the connection.
func TestArmDeadlineContextDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	// with an Infinite budget the connection deadline equals the context
	// deadline, so either the deadline or the watcher may end the read;
	// both paths translate to ErrTimeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	guard, err := armDeadline(ctx, client, Infinite, time.Now)
	require.NoError(t, err)
	defer guard.disarm()

	_, rerr := client.Read(make([]byte, 1))
	assert.ErrorIs(t, guard.translate(rerr), ErrTimeout)
}

// disarm clears the deadline so subsequent operations are unbounded again.
func TestArmDeadlineDisarmClears(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	guard, err := armDeadline(context.Background(), client, 50*time.Millisecond, time.Now)
	require.NoError(t, err)
	guard.disarm()

	go func() {
		time.Sleep(80 * time.Millisecond)
		server.Read(make([]byte, 4))
	}()

	// the write completes well past the disarmed deadline
	n, werr := client.Write([]byte("ping"))
	require.NoError(t, werr)
	assert.Equal(t, 4, n)
}

// withBudget returns the context unchanged for Infinite and rejects
// budgets that cannot cover a blocking operation.
func TestWithBudget(t *testing.T) {
	t.Run("infinite passthrough", func(t *testing.T) {
		ctx := context.Background()
		got, cancel, err := withBudget(ctx, Infinite)
		require.NoError(t, err)
		defer cancel()
		_, hasDeadline := got.Deadline()
		assert.False(t, hasDeadline)
	})

	t.Run("zero budget rejected", func(t *testing.T) {
		_, _, err := withBudget(context.Background(), 0)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("sub-resolution budget rejected", func(t *testing.T) {
		_, _, err := withBudget(context.Background(), time.Microsecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("finite budget sets deadline", func(t *testing.T) {
		got, cancel, err := withBudget(context.Background(), time.Second)
		require.NoError(t, err)
		defer cancel()
		_, hasDeadline := got.Deadline()
		assert.True(t, hasDeadline)
	})
}
