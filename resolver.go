// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// IPFamily restricts which address families a [*Resolver] returns.
type IPFamily uint8

// Supported address families.
const (
	FamilyAny IPFamily = iota + 1
	FamilyV4
	FamilyV6
)

// Network returns the [net.Resolver] network string for the family.
func (f IPFamily) Network() string {
	switch f {
	case FamilyV4:
		return "ip4"
	case FamilyV6:
		return "ip6"
	default:
		return "ip"
	}
}

// String implements [fmt.Stringer].
func (f IPFamily) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "any"
	}
}

// IPResolver abstracts the [*net.Resolver] behavior.
//
// By making [*Resolver] depend on an abstract implementation we allow
// for unit testing and for alternative resolution backends such as
// [*DNSServerResolver] and [*DNSOverHTTPSResolver].
type IPResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ IPResolver = &net.Resolver{}

// NewResolver returns a new [*Resolver] for the given host and port.
//
// The cfg argument contains the common configuration for streamconn
// operations, including the resolution backend and the resolve timeout.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolver(cfg *Config, host string, port uint16, family IPFamily, logger SLogger) *Resolver {
	return &Resolver{
		ErrClassifier: cfg.ErrClassifier,
		Family:        family,
		Host:          host,
		IPResolver:    cfg.IPResolver,
		Logger:        logger,
		Port:          port,
		Timeout:       cfg.ResolveTimeout,
		TimeNow:       cfg.TimeNow,
	}
}

// Resolver performs deadline-bounded hostname-to-endpoints resolution.
//
// A successful [Resolver.Resolve] guarantees at least one endpoint. A
// single Resolver is NOT safe for concurrent Resolve calls; the
// connector serializes them on its background goroutine.
//
// All fields are safe to modify after construction but before first use.
type Resolver struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Family restricts the returned address families.
	//
	// Set by [NewResolver] to the user-provided value.
	Family IPFamily

	// Host is the hostname (or literal address) to resolve.
	//
	// Set by [NewResolver] to the user-provided value.
	Host string

	// IPResolver is the resolution backend.
	//
	// Set by [NewResolver] from [Config.IPResolver].
	IPResolver IPResolver

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewResolver] to the user-provided logger.
	Logger SLogger

	// Port is attached to every resolved address.
	//
	// Set by [NewResolver] to the user-provided value.
	Port uint16

	// Timeout bounds each Resolve call.
	//
	// Set by [NewResolver] from [Config.ResolveTimeout].
	Timeout time.Duration

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Resolve maps the configured host to endpoints, bounded by the earlier
// of the context deadline and the configured resolve timeout.
//
// Error kinds: [ErrTimeout] when the budget elapsed, [ErrHostNotFound]
// when the host does not exist or yields no addresses in the requested
// family, [ErrTryAgain] for transient resolver failures.
func (r *Resolver) Resolve(ctx context.Context) ([]netip.AddrPort, error) {
	rctx, cancel, err := withBudget(ctx, r.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	t0 := r.TimeNow()
	deadline, _ := rctx.Deadline()
	r.logResolveStart(t0, deadline)
	addrs, err := r.IPResolver.LookupNetIP(rctx, r.Family.Network(), r.Host)
	endpoints := r.endpoints(addrs)
	err = r.resolveError(endpoints, err)
	r.logResolveDone(t0, deadline, endpoints, err)
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// endpoints attaches the configured port to each resolved address.
func (r *Resolver) endpoints(addrs []netip.Addr) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, netip.AddrPortFrom(addr.Unmap(), r.Port))
	}
	return out
}

// resolveError maps resolution failures to this package's error kinds.
func (r *Resolver) resolveError(endpoints []netip.AddrPort, err error) error {
	var dnsErr *net.DNSError
	switch {
	case err == nil && len(endpoints) < 1:
		return ErrHostNotFound
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return ErrHostNotFound
	case errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		return ErrTimeout
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		return ErrTryAgain
	default:
		return err
	}
}

func (r *Resolver) logResolveStart(t0 time.Time, deadline time.Time) {
	r.Logger.Info(
		"resolveStart",
		slog.Time("deadline", deadline),
		slog.String("dnsFamily", r.Family.String()),
		slog.String("dnsHost", r.Host),
		slog.Time("t", t0),
	)
}

func (r *Resolver) logResolveDone(t0 time.Time, deadline time.Time, endpoints []netip.AddrPort, err error) {
	r.Logger.Info(
		"resolveDone",
		slog.Time("deadline", deadline),
		slog.Any("dnsEndpoints", endpoints),
		slog.String("dnsFamily", r.Family.String()),
		slog.String("dnsHost", r.Host),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
}
