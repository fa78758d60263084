// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newMinimalConn returns a [*netstub.FuncConn] with the funcs set that
// deadline-bounded operations always touch: address accessors (for
// [safeconn.LocalAddr] and friends), deadline setters, and Close.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		CloseFunc:       func() error { return nil },
		LocalAddrFunc:   func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		SetDeadlineFunc: func(t time.Time) error { return nil },
		SetReadDeadFunc: func(t time.Time) error { return nil },
		SetWriteDeaFunc: func(t time.Time) error { return nil },
	}
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMockSocket returns a [*Socket] wrapping a minimal mock connection.
func newMockSocket() *Socket {
	sock := &Socket{
		conn:             newMinimalConn(),
		ioTimeout:        time.Second,
		ioTimeoutEnabled: true,
		laddr:            "mock",
		network:          "tcp",
		raddr:            "mock",
		sessionID:        NewSessionID(),
		ErrClassifier:    DefaultErrClassifier,
		Logger:           DefaultSLogger(),
		TimeNow:          time.Now,
	}
	sock.open.Store(true)
	return sock
}

// funcIPResolver adapts a function to the [IPResolver] interface.
type funcIPResolver struct {
	LookupNetIPFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ IPResolver = &funcIPResolver{}

// LookupNetIP implements [IPResolver].
func (r *funcIPResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return r.LookupNetIPFunc(ctx, network, host)
}

// staticIPResolver returns a resolver that always yields the given addresses.
func staticIPResolver(addrs ...netip.Addr) *funcIPResolver {
	return &funcIPResolver{
		LookupNetIPFunc: func(ctx context.Context, network, host string) ([]netip.Addr, error) {
			return addrs, nil
		},
	}
}

// fakeSession is an in-memory [Session] for connector and pool tests.
type fakeSession struct {
	closed atomic.Bool
	id     int
}

var _ Session = &fakeSession{}

// Close implements [Session].
func (s *fakeSession) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// IsOpen implements [Session].
func (s *fakeSession) IsOpen() bool {
	return !s.closed.Load()
}

// newFakeSessionFactory returns a factory producing sequentially numbered
// [*fakeSession] values and the counter it increments.
func newFakeSessionFactory() (Func[netip.AddrPort, *fakeSession], *atomic.Int64) {
	counter := &atomic.Int64{}
	factory := FuncAdapter[netip.AddrPort, *fakeSession](
		func(ctx context.Context, input netip.AddrPort) (*fakeSession, error) {
			return &fakeSession{id: int(counter.Add(1))}, nil
		})
	return factory, counter
}

// newFakeConnector returns a connector producing [*fakeSession] values
// against a statically resolved localhost endpoint.
func newFakeConnector(cfg *Config, factory Func[netip.AddrPort, *fakeSession]) *Connector[*fakeSession] {
	cfg.IPResolver = staticIPResolver(netip.MustParseAddr("127.0.0.1"))
	connector, err := NewConnector(cfg, "pool.example.com", "443", FamilyV4, DefaultSLogger(), factory)
	if err != nil {
		panic(err)
	}
	return connector
}
