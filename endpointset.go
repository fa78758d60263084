// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"math/rand/v2"
	"net/netip"
	"sync"
)

// endpointSet holds the most recent resolution result.
//
// The whole sequence is replaced atomically on each successful
// resolution; readers always observe either the previous snapshot or the
// next one, never a torn state. Selection among members is uniform
// random.
type endpointSet struct {
	mu        sync.Mutex
	endpoints []netip.AddrPort
}

// replace installs a new snapshot.
func (es *endpointSet) replace(endpoints []netip.AddrPort) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.endpoints = endpoints
}

// snapshot returns a copy of the current endpoints.
func (es *endpointSet) snapshot() []netip.AddrPort {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]netip.AddrPort, len(es.endpoints))
	copy(out, es.endpoints)
	return out
}

// pickRandom selects one endpoint uniformly at random.
//
// The set must not be empty; callers check the snapshot first.
func pickRandom(endpoints []netip.AddrPort) netip.AddrPort {
	return endpoints[rand.IntN(len(endpoints))]
}
