// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replace installs whole snapshots and snapshot returns copies, so a
// reader never observes a torn state.
func TestEndpointSetReplaceSnapshot(t *testing.T) {
	es := &endpointSet{}

	assert.Empty(t, es.snapshot())

	first := []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:80")}
	es.replace(first)
	got := es.snapshot()
	require.Equal(t, first, got)

	// mutating the returned copy must not affect the set
	got[0] = netip.MustParseAddrPort("10.0.0.9:99")
	assert.Equal(t, first, es.snapshot())
}

// Concurrent replace and snapshot never race or tear.
func TestEndpointSetConcurrency(t *testing.T) {
	es := &endpointSet{}
	sets := [][]netip.AddrPort{
		{netip.MustParseAddrPort("10.0.0.1:80"), netip.MustParseAddrPort("10.0.0.2:80")},
		{netip.MustParseAddrPort("10.0.0.3:80")},
	}

	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				es.replace(sets[i])
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 1000 {
			got := es.snapshot()
			if len(got) != 1 && len(got) != 2 && len(got) != 0 {
				t.Error("torn snapshot", got)
				return
			}
		}
	}()
	wg.Wait()
	<-done
}

// pickRandom selects members uniformly enough that every member shows up.
func TestPickRandom(t *testing.T) {
	endpoints := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:80"),
		netip.MustParseAddrPort("10.0.0.2:80"),
		netip.MustParseAddrPort("10.0.0.3:80"),
	}

	seen := make(map[netip.AddrPort]int)
	for range 300 {
		seen[pickRandom(endpoints)]++
	}

	require.Len(t, seen, 3)
	for _, count := range seen {
		assert.Greater(t, count, 0)
	}
}
