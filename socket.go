// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*ConnectFunc] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewConnectFunc returns a new [*ConnectFunc] with default dialer.
//
// The cfg argument contains the common configuration for streamconn
// operations, including the connect and I/O timeouts applied to the
// sockets this func constructs.
//
// The network argument must be either "tcp" or "udp".
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, network string, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		ConnectTimeout: cfg.ConnectTimeout,
		Dialer:         cfg.Dialer,
		ErrClassifier:  cfg.ErrClassifier,
		IOTimeout:      cfg.IOTimeout,
		Logger:         logger,
		Network:        network,
		TimeNow:        cfg.TimeNow,
	}
}

// ConnectFunc dials a [netip.AddrPort] and wraps the result into a [*Socket]
// with deadline-bounded operations.
//
// Returns either a valid [*Socket] or an error, never both. The connect
// itself is bounded by ConnectTimeout; the resulting socket's operations
// are bounded by IOTimeout.
//
// On TCP the socket is tuned with SO_KEEPALIVE and TCP_NODELAY, plus
// TCP_QUICKACK on Linux.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ConnectFunc struct {
	// ConnectTimeout bounds the connect operation.
	//
	// Set by [NewConnectFunc] from [Config.ConnectTimeout].
	ConnectTimeout time.Duration

	// Dialer is the [Dialer] to use.
	//
	// Set by [NewConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// IOTimeout bounds each I/O operation on the resulting socket.
	//
	// Set by [NewConnectFunc] from [Config.IOTimeout].
	IOTimeout time.Duration

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// Network is the network to use (either "tcp" or "udp").
	//
	// Set by [NewConnectFunc] to the user-provided value.
	Network string

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[netip.AddrPort, *Socket] = &ConnectFunc{}

// Call invokes the [*ConnectFunc] to connect to the given [netip.AddrPort].
func (op *ConnectFunc) Call(ctx context.Context, address netip.AddrPort) (*Socket, error) {
	// 1. Bound the dial by the connect timeout. The I/O timeout does
	// not apply until the socket is connected.
	dctx, cancel, err := withBudget(ctx, op.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	// 2. Dial with span logging.
	t0 := op.TimeNow()
	deadline, _ := dctx.Deadline()
	sessionID := NewSessionID()
	op.logConnectStart(op.Network, address.String(), sessionID, t0, deadline)
	conn, err := op.Dialer.DialContext(dctx, op.Network, address.String())
	op.logConnectDone(op.Network, address.String(), sessionID, t0, deadline, conn, err)
	if err != nil {
		return nil, connectError(err)
	}

	// 3. Tune transport-level socket options; failures here are
	// logged but do not fail the connect.
	if op.Network == "tcp" {
		if err := tuneTCPConn(conn); err != nil {
			op.Logger.Warn(
				"sockoptFailed",
				slog.Any("err", err),
				slog.String("errClass", op.ErrClassifier.Classify(err)),
				slog.String("localAddr", safeconn.LocalAddr(conn)),
				slog.String("protocol", op.Network),
				slog.String("remoteAddr", address.String()),
				slog.String("sessionID", sessionID),
				slog.Time("t", op.TimeNow()),
			)
		}
	}

	sock := &Socket{
		conn:             conn,
		ioTimeout:        op.IOTimeout,
		ioTimeoutEnabled: true,
		laddr:            safeconn.LocalAddr(conn),
		network:          op.Network,
		raddr:            safeconn.RemoteAddr(conn),
		sessionID:        sessionID,
		ErrClassifier:    op.ErrClassifier,
		Logger:           op.Logger,
		TimeNow:          op.TimeNow,
	}
	sock.open.Store(true)
	return sock, nil
}

// connectError maps dial failures to this package's error kinds.
//
// Deadline and cancellation conditions become [ErrTimeout] and
// [ErrCancelled]; transport-level failures (refused, unreachable, reset)
// pass through unchanged.
func connectError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	default:
		return err
	}
}

func (op *ConnectFunc) logConnectStart(network, address, sessionID string, t0 time.Time, deadline time.Time) {
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.String("sessionID", sessionID),
		slog.Time("t", t0),
	)
}

func (op *ConnectFunc) logConnectDone(
	network, address, sessionID string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.String("sessionID", sessionID),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}

// Socket is a connected TCP or UDP stream with deadline-bounded,
// synchronous operations.
//
// Every operation takes a [context.Context]; the effective budget is the
// earlier of the context deadline and the socket's I/O timeout (when
// enabled). Operations never block past that budget: they complete, or
// they fail with [ErrTimeout].
//
// A Socket is not safe for concurrent use. It is safe to move ownership
// between goroutines in between operations. Once closed, a Socket is
// never reopened.
//
// Construct via [*ConnectFunc].
type Socket struct {
	// conn is the owned connection.
	conn net.Conn

	// ioTimeout bounds each I/O operation when ioTimeoutEnabled.
	ioTimeout time.Duration

	// ioTimeoutEnabled gates ioTimeout. The TLS layer disables it
	// around the handshake and record I/O, which run under their own
	// scoped deadlines.
	ioTimeoutEnabled bool

	// laddr is the local address, for logging.
	laddr string

	// network is "tcp" or "udp".
	network string

	// open tracks whether the socket is usable.
	open atomic.Bool

	// closeOnce ensures Close has "once" semantics.
	closeOnce sync.Once

	// raddr is the remote address, for logging.
	raddr string

	// sessionID correlates all log events of this socket.
	sessionID string

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the SLogger to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// Conn returns the underlying [net.Conn] carrying this socket's bytes.
//
// This method exists to support wrapping layers (TLS, HTTP) and logging
// operations that need connection metadata.
func (s *Socket) Conn() net.Conn {
	return s.conn
}

// SessionID returns the identifier stamped on this socket at connect time.
func (s *Socket) SessionID() string {
	return s.sessionID
}

// IsOpen reports whether the socket is still usable.
func (s *Socket) IsOpen() bool {
	return s.open.Load()
}

// Network returns "tcp" or "udp".
func (s *Socket) Network() string {
	return s.network
}

// SetIOTimeoutEnabled enables or disables the socket's own I/O timeout.
//
// While disabled, operations are bounded only by the caller's context.
func (s *Socket) SetIOTimeoutEnabled(enabled bool) {
	s.ioTimeoutEnabled = enabled
}

// ioBudget returns the per-operation budget implied by the socket state.
func (s *Socket) ioBudget() time.Duration {
	if !s.ioTimeoutEnabled {
		return Infinite
	}
	return s.ioTimeout
}

// Send transmits the whole buffer, looping over short writes until every
// byte is out or the deadline fires.
//
// On TCP the returned count reflects actual progress even when the error
// is [ErrTimeout]. On UDP a single datagram of len(data) bytes is sent.
func (s *Socket) Send(ctx context.Context, data []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.conn, s.ioBudget(), s.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()

	t0 := s.TimeNow()
	s.logIOStart("writeStart", len(data), t0)

	var total int
	for total < len(data) {
		n, werr := s.conn.Write(data[total:])
		total += n
		if werr != nil {
			err = guard.translate(werr)
			break
		}
		if s.network == "udp" {
			// one datagram per call
			break
		}
	}

	s.logIODone("writeDone", total, err, t0)
	return total, err
}

// Receive fills the whole buffer, looping over short reads until every
// byte is in or the deadline fires.
//
// On TCP the returned count reflects actual progress; an early peer
// close surfaces as [io.EOF] alongside the bytes read so far. On UDP a
// single datagram is received and its size returned.
func (s *Socket) Receive(ctx context.Context, buf []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.conn, s.ioBudget(), s.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()

	t0 := s.TimeNow()
	s.logIOStart("readStart", len(buf), t0)

	var total int
	for total < len(buf) {
		n, rerr := s.conn.Read(buf[total:])
		total += n
		if rerr != nil {
			if rerr == io.EOF {
				err = io.EOF
			} else {
				err = guard.translate(rerr)
			}
			break
		}
		if s.network == "udp" {
			// one datagram per call
			break
		}
	}

	s.logIODone("readDone", total, err, t0)
	return total, err
}

// WriteSome performs at most one write on the underlying connection.
func (s *Socket) WriteSome(ctx context.Context, data []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.conn, s.ioBudget(), s.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()

	t0 := s.TimeNow()
	s.logIOStart("writeStart", len(data), t0)
	n, werr := s.conn.Write(data)
	werr = guard.translate(werr)
	s.logIODone("writeDone", n, werr, t0)
	return n, werr
}

// ReadSome performs at most one read on the underlying connection.
func (s *Socket) ReadSome(ctx context.Context, buf []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.conn, s.ioBudget(), s.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()

	t0 := s.TimeNow()
	s.logIOStart("readStart", len(buf), t0)
	n, rerr := s.conn.Read(buf)
	if rerr != nil && rerr != io.EOF {
		rerr = guard.translate(rerr)
	}
	s.logIODone("readDone", n, rerr, t0)
	return n, rerr
}

// Close shuts the stream down and releases the connection.
//
// On TCP the write side is shut down first so the peer observes an
// orderly FIN; a "not connected" condition at that point is tolerated
// and the close proceeds. Subsequent calls return [ErrClosed],
// consistent with Go's standard library behavior for closed connections.
func (s *Socket) Close() (err error) {
	err = ErrClosed
	s.closeOnce.Do(func() {
		s.open.Store(false)
		t0 := s.TimeNow()
		s.Logger.Info(
			"closeStart",
			slog.String("localAddr", s.laddr),
			slog.String("protocol", s.network),
			slog.String("remoteAddr", s.raddr),
			slog.String("sessionID", s.sessionID),
			slog.Time("t", t0),
		)

		if tcp, ok := s.conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		err = s.conn.Close()

		s.Logger.Info(
			"closeDone",
			slog.Any("err", err),
			slog.String("errClass", s.ErrClassifier.Classify(err)),
			slog.String("localAddr", s.laddr),
			slog.String("protocol", s.network),
			slog.String("remoteAddr", s.raddr),
			slog.String("sessionID", s.sessionID),
			slog.Time("t0", t0),
			slog.Time("t", s.TimeNow()),
		)
	})
	return
}

func (s *Socket) logIOStart(event string, size int, t0 time.Time) {
	s.Logger.Debug(
		event,
		slog.Int("ioBufferSize", size),
		slog.String("localAddr", s.laddr),
		slog.String("protocol", s.network),
		slog.String("remoteAddr", s.raddr),
		slog.String("sessionID", s.sessionID),
		slog.Time("t", t0),
	)
}

func (s *Socket) logIODone(event string, count int, err error, t0 time.Time) {
	s.Logger.Debug(
		event,
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.laddr),
		slog.String("protocol", s.network),
		slog.String("remoteAddr", s.raddr),
		slog.String("sessionID", s.sessionID),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}
