// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// The DNS exchange transports below use pre-established connections and
// never dial. This type serves as a sentinel to catch programming errors
// where a transport attempts to dial instead of using the provided
// connection.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("streamconn: DNS transport must not dial; this is a programming error")
}

// dnsExchangeLogContext holds common logging state for DNS exchanges.
//
// This type exists to consolidate the logging boilerplate shared by the
// UDP, TCP, and DoH resolution backends.
type dnsExchangeLogContext struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// LocalAddr is the local address of the connection, when known.
	LocalAddr string

	// Logger is the SLogger to use.
	Logger SLogger

	// Protocol is the network protocol (e.g., "tcp", "udp").
	Protocol string

	// RemoteAddr is the remote address of the connection, when known.
	RemoteAddr string

	// ServerProtocol is the DNS protocol (e.g., "udp", "tcp", "doh").
	ServerProtocol string

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// logStart logs the start of a DNS exchange.
func (lc *dnsExchangeLogContext) logStart(t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", lc.ServerProtocol),
		slog.Time("t", t0),
	)
}

// logDone logs the completion of a DNS exchange.
func (lc *dnsExchangeLogContext) logDone(t0 time.Time, deadline time.Time, err error) {
	lc.Logger.Info(
		"dnsExchangeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", lc.ServerProtocol),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}

// makeQueryObserver returns an observer function for raw DNS queries.
//
// The rqr pointer is used to capture the raw query for correlation
// with the response observer.
func (lc *dnsExchangeLogContext) makeQueryObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		lc.Logger.Info(
			"dnsQuery",
			slog.String("serverProtocol", lc.ServerProtocol),
			slog.Any("dnsRawQuery", rawQuery),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t", t0),
		)
		*rqr = rawQuery
	}
}

// makeResponseObserver returns an observer function for raw DNS responses.
//
// The rqr pointer should be the same one passed to makeQueryObserver,
// allowing the response to be correlated with the original query.
func (lc *dnsExchangeLogContext) makeResponseObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawResp []byte) {
		lc.Logger.Info(
			"dnsResponse",
			slog.String("serverProtocol", lc.ServerProtocol),
			slog.Any("dnsRawQuery", *rqr),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t0", t0),
			slog.Time("t", lc.TimeNow()),
			slog.Any("dnsRawResponse", rawResp),
		)
	}
}

// queryTypesForNetwork maps a [net.Resolver]-style network string to the
// DNS record types to query.
func queryTypesForNetwork(network string) []uint16 {
	switch network {
	case "ip4":
		return []uint16{dns.TypeA}
	case "ip6":
		return []uint16{dns.TypeAAAA}
	default:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
}

// parseRecordAddrs converts textual A/AAAA records into parsed addresses,
// skipping records that do not parse.
func parseRecordAddrs(records []string) []netip.Addr {
	out := make([]netip.Addr, 0, len(records))
	for _, record := range records {
		addr, err := netip.ParseAddr(record)
		if err != nil {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out
}

// NewDNSServerResolver returns a new [*DNSServerResolver] querying the
// given server address over the given protocol ("udp" or "tcp").
//
// The cfg argument contains the common configuration for streamconn
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSServerResolver(cfg *Config, serverAddr netip.AddrPort, protocol string, logger SLogger) *DNSServerResolver {
	runtimex.Assert(protocol == "udp" || protocol == "tcp")
	return &DNSServerResolver{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Protocol:      protocol,
		ServerAddr:    serverAddr,
		TimeNow:       cfg.TimeNow,
	}
}

// DNSServerResolver is an [IPResolver] that queries a configured DNS
// server directly, bypassing the system resolver.
//
// Each lookup dials one connection to the server, performs the A and/or
// AAAA exchanges on it, and closes it. The caller-supplied context
// bounds the whole lookup.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [LookupNetIP].
type DNSServerResolver struct {
	// Dialer is the [Dialer] used to reach the server.
	//
	// Set by [NewDNSServerResolver] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSServerResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSServerResolver] to the user-provided logger.
	Logger SLogger

	// Protocol is the transport to the server ("udp" or "tcp").
	//
	// Set by [NewDNSServerResolver] to the user-provided value.
	Protocol string

	// ServerAddr is the DNS server endpoint.
	//
	// Set by [NewDNSServerResolver] to the user-provided value.
	ServerAddr netip.AddrPort

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSServerResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ IPResolver = &DNSServerResolver{}

// LookupNetIP implements [IPResolver].
func (r *DNSServerResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	conn, err := r.Dialer.DialContext(ctx, r.Protocol, r.ServerAddr.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var (
		addrs    []netip.Addr
		firstErr error
	)
	for _, qtype := range queryTypesForNetwork(network) {
		got, err := r.exchange(ctx, conn, host, qtype)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		addrs = append(addrs, got...)
	}
	if len(addrs) < 1 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, ErrHostNotFound
	}
	return addrs, nil
}

// exchange performs one DNS exchange on the given connection and
// extracts the addresses from the response.
func (r *DNSServerResolver) exchange(
	ctx context.Context, conn net.Conn, host string, qtype uint16) ([]netip.Addr, error) {
	// 1. Create the log context
	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	lc := &dnsExchangeLogContext{
		ErrClassifier:  r.ErrClassifier,
		LocalAddr:      safeconn.LocalAddr(conn),
		Logger:         r.Logger,
		Protocol:       safeconn.Network(conn),
		RemoteAddr:     safeconn.RemoteAddr(conn),
		ServerProtocol: r.Protocol,
		TimeNow:        r.TimeNow,
	}

	// 2. Execute the exchange with logging
	//
	// Note: we're not going to dial, so let's use a dialer that panics
	// if we attempt to dial (programmer error).
	query := dnscodec.NewQuery(host, qtype)
	lc.logStart(t0, deadline)
	var (
		resp *dnscodec.Response
		err  error
	)
	switch r.Protocol {
	case "tcp":
		streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(dnsUnusedDialer{})
		txp := dnsoverstream.NewTransport(streamDialer, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
		txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
		txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rqr)
		so := dnsoverstream.NewTCPStreamOpener(conn)
		resp, err = txp.ExchangeWithStreamOpener(ctx, so, query)

	default:
		txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
		txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
		txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rqr)
		resp, err = txp.ExchangeWithConn(ctx, conn, query)
	}
	lc.logDone(t0, deadline, err)
	if err != nil {
		return nil, err
	}

	// 3. Extract the addresses
	return responseAddrs(resp, qtype)
}

// responseAddrs extracts the parsed addresses for qtype from a response.
func responseAddrs(resp *dnscodec.Response, qtype uint16) ([]netip.Addr, error) {
	var (
		records []string
		err     error
	)
	switch qtype {
	case dns.TypeAAAA:
		records, err = resp.RecordsAAAA()
	default:
		records, err = resp.RecordsA()
	}
	if err != nil {
		return nil, err
	}
	return parseRecordAddrs(records), nil
}

// NewDNSOverHTTPSResolver returns a new [*DNSOverHTTPSResolver] querying
// the given DoH endpoint URL (e.g., "https://dns.google/dns-query").
//
// The cfg argument contains the common configuration for streamconn
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverHTTPSResolver(cfg *Config, url string, logger SLogger) *DNSOverHTTPSResolver {
	return &DNSOverHTTPSResolver{
		Client:        http.DefaultClient,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		URL:           url,
	}
}

// DNSOverHTTPSResolver is an [IPResolver] performing RFC 8484
// DNS-over-HTTPS resolution against a configured URL.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [LookupNetIP].
type DNSOverHTTPSResolver struct {
	// Client is the [*http.Client] used for the exchanges.
	//
	// Set by [NewDNSOverHTTPSResolver] to [http.DefaultClient].
	Client *http.Client

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverHTTPSResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSOverHTTPSResolver] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSOverHTTPSResolver] from [Config.TimeNow].
	TimeNow func() time.Time

	// URL is the DoH endpoint URL.
	//
	// Set by [NewDNSOverHTTPSResolver] to the user-provided value.
	URL string
}

var _ IPResolver = &DNSOverHTTPSResolver{}

// LookupNetIP implements [IPResolver].
func (r *DNSOverHTTPSResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var (
		addrs    []netip.Addr
		firstErr error
	)
	for _, qtype := range queryTypesForNetwork(network) {
		got, err := r.exchange(ctx, host, qtype)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		addrs = append(addrs, got...)
	}
	if len(addrs) < 1 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, ErrHostNotFound
	}
	return addrs, nil
}

// exchange performs one DoH exchange and extracts the addresses.
func (r *DNSOverHTTPSResolver) exchange(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	// 1. Create the log context
	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	lc := &dnsExchangeLogContext{
		ErrClassifier:  r.ErrClassifier,
		LocalAddr:      "",
		Logger:         r.Logger,
		Protocol:       "tcp",
		RemoteAddr:     r.URL,
		ServerProtocol: "doh",
		TimeNow:        r.TimeNow,
	}

	// 2. Create the HTTP request and the query message
	query := dnscodec.NewQuery(host, qtype)
	lc.logStart(t0, deadline)
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, r.URL, lc.makeQueryObserver(t0, &rqr))
	if err != nil {
		lc.logDone(t0, deadline, err)
		return nil, err
	}

	// 3. Perform the HTTP round trip
	httpResp, err := r.Client.Do(httpReq)
	if err != nil {
		lc.logDone(t0, deadline, err)
		return nil, err
	}

	// 4. Read the response and validate it
	resp, err := dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.makeResponseObserver(t0, &rqr))
	lc.logDone(t0, deadline, err)
	if err != nil {
		return nil, err
	}
	return responseAddrs(resp, qtype)
}
