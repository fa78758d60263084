// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// Session is the minimal surface the connector and the pool require
// from the streams they manage. [*Socket], [*TLSSocket], and
// [*HTTPSession] satisfy it.
type Session interface {
	// Close closes the session. Implementations are idempotent.
	Close() error

	// IsOpen reports whether the session is still usable.
	IsOpen() bool
}

var (
	_ Session = &Socket{}
	_ Session = &TLSSocket{}
	_ Session = &HTTPSession{}
)

// Connector produces new connected sessions against a resolved remote
// endpoint.
//
// A Connector owns a [*Resolver] and a background goroutine that keeps
// the endpoint set current: the goroutine sleeps until a resolution is
// requested, resolves once, installs the result (or records the error),
// and notifies the waiters. [Connector.NewSession] requests a resolution
// when the set is empty and whenever a connect attempt fails, since
// stale endpoints are a plausible cause of the failure.
//
// A Connector is safe for concurrent use. Construct via
// [NewTCPConnector], [NewUDPConnector], [NewTLSConnector],
// [NewHTTPConnector], [NewHTTPSConnector], or [NewConnector] with a
// custom session factory. Call [Connector.Close] when done.
type Connector[S Session] struct {
	// endpoints is the most recent resolution snapshot.
	endpoints endpointSet

	// factory constructs one connected session from one endpoint.
	factory Func[netip.AddrPort, S]

	// resolver performs the actual resolution.
	resolver *Resolver

	// target is "host:port", for logging and error messages.
	target string

	// closeOnce ensures Close has "once" semantics.
	closeOnce sync.Once

	// loopCtx is cancelled by Close to interrupt an in-flight resolution.
	loopCtx context.Context

	// loopCancel cancels loopCtx.
	loopCancel context.CancelFunc

	// loopDone is closed when the resolve goroutine exits.
	loopDone chan struct{}

	// resolveMu guards resolveDone and resolveErr.
	resolveMu sync.Mutex

	// resolveDone is closed and replaced after each resolution round;
	// grab it before waking the goroutine, then wait for the close.
	resolveDone chan struct{}

	// resolveErr is the error of the last resolution round, if any.
	resolveErr error

	// resolveWake wakes the resolve goroutine (capacity 1).
	resolveWake chan struct{}

	// shutdown stops the resolve goroutine.
	shutdown chan struct{}

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// NewConnector returns a [*Connector] producing sessions with the given
// factory. Most callers want one of the protocol-specific constructors
// instead.
//
// The cfg argument contains the common configuration for streamconn
// operations. The host and port arguments name the remote endpoint;
// port is numeric or a service name such as "https". The family
// argument restricts resolution. The logger argument is the [SLogger]
// to use for structured logging.
func NewConnector[S Session](cfg *Config, host, port string, family IPFamily,
	logger SLogger, factory Func[netip.AddrPort, S]) (*Connector[S], error) {
	runtimex.Assert(factory != nil)
	portNum, err := parsePort(port)
	if err != nil {
		return nil, err
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	c := &Connector[S]{
		endpoints:     endpointSet{},
		factory:       factory,
		resolver:      NewResolver(cfg, host, portNum, family, logger),
		target:        net.JoinHostPort(host, port),
		closeOnce:     sync.Once{},
		loopCtx:       loopCtx,
		loopCancel:    loopCancel,
		loopDone:      make(chan struct{}),
		resolveMu:     sync.Mutex{},
		resolveDone:   make(chan struct{}),
		resolveErr:    nil,
		resolveWake:   make(chan struct{}, 1),
		shutdown:      make(chan struct{}),
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
	c.requestResolve() // warm up the endpoint set right away
	go c.resolveLoop()
	return c, nil
}

// NewTCPConnector returns a connector producing plain TCP sessions.
func NewTCPConnector(cfg *Config, host, port string, family IPFamily, logger SLogger) (*Connector[*Socket], error) {
	return NewConnector(cfg, host, port, family, logger, NewConnectFunc(cfg, "tcp", logger))
}

// NewUDPConnector returns a connector producing connected UDP sessions.
func NewUDPConnector(cfg *Config, host, port string, family IPFamily, logger SLogger) (*Connector[*Socket], error) {
	return NewConnector(cfg, host, port, family, logger, NewConnectFunc(cfg, "udp", logger))
}

// NewTLSConnector returns a connector producing TLS sessions over TCP.
//
// The tlsConfig argument may be nil, in which case a default
// configuration is used. When the config carries no ServerName, the
// target host is used for SNI and hostname verification.
func NewTLSConnector(cfg *Config, tlsConfig *tls.Config, host, port string,
	family IPFamily, logger SLogger) (*Connector[*TLSSocket], error) {
	tc := tlsClientConfig(tlsConfig, host)
	factory := Compose2[netip.AddrPort, *Socket, *TLSSocket](
		NewConnectFunc(cfg, "tcp", logger),
		NewTLSClientFunc(cfg, tc, logger),
	)
	return NewConnector(cfg, host, port, family, logger, factory)
}

// NewHTTPConnector returns a connector producing HTTP sessions over
// plain TCP.
func NewHTTPConnector(cfg *Config, host, port string, family IPFamily,
	logger SLogger) (*Connector[*HTTPSession], error) {
	factory := Compose2[netip.AddrPort, *Socket, *HTTPSession](
		NewConnectFunc(cfg, "tcp", logger),
		NewHTTPSessionFunc[*Socket](cfg, logger),
	)
	return NewConnector(cfg, host, port, family, logger, factory)
}

// NewHTTPSConnector returns a connector producing HTTP sessions over TLS.
//
// The tlsConfig argument may be nil; see [NewTLSConnector]. The "h2"
// and "http/1.1" protocols are offered via ALPN unless the given config
// already offers its own.
func NewHTTPSConnector(cfg *Config, tlsConfig *tls.Config, host, port string,
	family IPFamily, logger SLogger) (*Connector[*HTTPSession], error) {
	tc := tlsClientConfig(tlsConfig, host)
	if len(tc.NextProtos) < 1 {
		tc.NextProtos = []string{"h2", "http/1.1"}
	}
	factory := Compose3[netip.AddrPort, *Socket, *TLSSocket, *HTTPSession](
		NewConnectFunc(cfg, "tcp", logger),
		NewTLSClientFunc(cfg, tc, logger),
		NewHTTPSessionFunc[*TLSSocket](cfg, logger),
	)
	return NewConnector(cfg, host, port, family, logger, factory)
}

// tlsClientConfig clones the given config (or creates one) and defaults
// the ServerName to the target host.
func tlsClientConfig(tlsConfig *tls.Config, host string) *tls.Config {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tc := tlsConfig.Clone()
	if tc.ServerName == "" {
		tc.ServerName = host
	}
	return tc
}

// parsePort converts a numeric port or service name to a port number.
func parsePort(port string) (uint16, error) {
	if num, err := strconv.ParseUint(port, 10, 16); err == nil {
		return uint16(num), nil
	}
	num, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0, err
	}
	return uint16(num), nil
}

// Target returns the "host:port" this connector connects to.
func (c *Connector[S]) Target() string {
	return c.target
}

// ResolveError returns the error recorded by the most recent resolution
// round, or nil. A failed resolution does not clear the previous
// endpoint set: [Connector.NewSession] keeps trying the last known
// endpoints while this error stays visible.
func (c *Connector[S]) ResolveError() error {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()
	return c.resolveErr
}

// NewSession produces one new connected session.
//
// When the endpoint set is empty, NewSession requests a resolution and
// waits for it (or the context deadline). It then picks one endpoint
// uniformly at random and makes exactly ONE connection attempt with the
// remaining budget; there is no internal retry loop, callers retry. On
// failure it requests a fresh resolution before returning the error.
func (c *Connector[S]) NewSession(ctx context.Context) (S, error) {
	var zero S

	// 1. Get a snapshot, arranging for a resolution when empty.
	endpoints := c.endpoints.snapshot()
	if len(endpoints) < 1 {
		done := c.requestResolve()
		select {
		case <-done:
		case <-c.shutdown:
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ctxError(ctx)
		}
		endpoints = c.endpoints.snapshot()
		if len(endpoints) < 1 {
			if err := c.ResolveError(); err != nil {
				return zero, err
			}
			return zero, ErrHostNotFound
		}
	}

	// 2. Attempt exactly one connection.
	session, err := c.factory.Call(ctx, pickRandom(endpoints))
	if err != nil {
		// stale endpoints are a plausible cause, refresh in background
		c.requestResolve()
		return zero, err
	}
	return session, nil
}

// Close stops the background resolve goroutine and waits for it to
// exit. Close is idempotent. The connector does not own the sessions it
// produced; closing it does not affect them.
func (c *Connector[S]) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.loopCancel()
		<-c.loopDone
	})
	return nil
}

// requestResolve asks the resolve goroutine for one resolution round and
// returns the channel closed when that round (or a concurrent one)
// completes.
func (c *Connector[S]) requestResolve() <-chan struct{} {
	c.resolveMu.Lock()
	done := c.resolveDone
	c.resolveMu.Unlock()
	select {
	case c.resolveWake <- struct{}{}:
	default:
		// a round is already pending
	}
	return done
}

// resolveLoop runs on the background goroutine until shutdown.
func (c *Connector[S]) resolveLoop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.shutdown:
			return
		case <-c.resolveWake:
		}

		endpoints, err := c.resolver.Resolve(c.loopCtx)

		c.resolveMu.Lock()
		if err != nil {
			c.resolveErr = err
		} else {
			c.endpoints.replace(endpoints)
			c.resolveErr = nil
		}
		done := c.resolveDone
		c.resolveDone = make(chan struct{})
		c.resolveMu.Unlock()
		close(done)

		if err != nil {
			c.Logger.Warn(
				"resolveLoopFailed",
				slog.Any("err", err),
				slog.String("errClass", c.ErrClassifier.Classify(err)),
				slog.String("target", c.target),
				slog.Time("t", c.TimeNow()),
			)
		}
	}
}
