// SPDX-License-Identifier: GPL-3.0-or-later

// Package streamconn provides deadline-bounded, synchronous stream
// operations over TCP, UDP, TLS, and HTTP, together with a
// self-maintaining pool of ready-to-use connections against a resolved
// remote endpoint.
//
// # Core Abstractions
//
// The package is built around three cooperating layers:
//
//   - Timed streams: [*Socket], [*TLSSocket], and [*HTTPSession] overlay
//     synchronous, deadline-bounded semantics on Go's network primitives.
//     Every operation either completes or fails by the caller's deadline
//     with [ErrTimeout]; nothing blocks indefinitely.
//
//   - A resolving connector: [*Connector] keeps a fresh snapshot of the
//     remote endpoints via a background resolve goroutine, selects among
//     them uniformly at random, and produces new connected sessions on
//     demand via [Connector.NewSession].
//
//   - A self-replenishing pool: [*Pool] keeps up to N idle sessions
//     ready, evicts aged ones, and refills vacancies under a pluggable
//     [Strategy] ([*GreedyStrategy] or [*ConservativeStrategy]).
//
// Session construction is expressed with a composable primitive:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// [NewConnectFunc] dials timed sockets, [NewTLSClientFunc] upgrades them
// to TLS, and [NewHTTPSessionFunc] wraps either into an HTTP session.
// [Compose2] and friends chain these stages; the connector constructors
// ([NewTCPConnector], [NewTLSConnector], [NewHTTPSConnector], ...) build
// the common pipelines for you.
//
// # Deadlines
//
// All blocking operations accept a [context.Context]. The effective
// deadline of an operation is the earlier of the context deadline and
// the stream's own I/O timeout (when enabled). The distinguished
// duration [Infinite] disables a timeout entirely; a zero budget means
// "fail with [ErrTimeout] unless the operation completes without
// blocking"; non-zero budgets below [MinTimeout] are rejected as
// [ErrTimeout] outright.
//
// Deadline enforcement uses Go's native connection deadlines plus a
// scoped close-on-cancel watcher, so an expired context interrupts even
// I/O that is already in flight.
//
// # Connection Lifecycle
//
// A session handed out by [Connector.NewSession] or [Pool.GetSession]
// is exclusively owned by the caller until it is closed or given back
// with [Pool.ReturnSession]. Pooled sessions were established earlier
// and may have been closed by the peer in the meantime; treat an I/O
// failure on a pooled session as a signal to close it and pull a new
// one.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible
// with [log/slog]). By default, logging is disabled. Lifecycle and
// protocol events (connect, close, TLS handshake, HTTP round trip,
// resolve, pool maintenance) are emitted at Info; per-I/O events (read,
// write) at Debug; background-maintenance failures at Warn. Error
// classification is configurable via [ErrClassifier]; by default, a
// no-op classifier is used.
//
// Alternatively, the process-wide [LogSink] facade ([SetLogSink],
// [FuncSink], [*ConsoleSink]) offers a level-gated plain-text log with
// file:line location tags; [NewSinkSLogger] bridges it into the
// structured interface accepted by the constructors.
//
// Use [NewSessionID] to generate a unique, time-ordered identifier
// (UUIDv7) per session; the connect stage stamps every socket with one
// and includes it in all of that session's log events, enabling
// correlation across the connector, the pool, and the caller.
//
// # Design Boundaries
//
// The HTTP message layer is consumed as a black-box codec ([net/http],
// with [golang.org/x/net/http2] on negotiated ALPN h2) with bounded
// header and body buffers. The TLS engine is pluggable via [TLSEngine]
// and defaults to [crypto/tls]. Name resolution is pluggable via
// [IPResolver] and defaults to the system resolver, with
// [*DNSServerResolver] and [*DNSOverHTTPSResolver] as alternatives that
// query a configured server directly.
//
// Out of scope: caller-visible asynchronous APIs, server-side
// listening, connection multiplexing, DNS caching beyond the most
// recent result set, and TLS session resumption management.
package streamconn
