// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// TLSEngine is the engine to create a new [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSEngineStdlib implements [TLSEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (s TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// NewTLSClientFunc returns a new [*TLSClientFunc] using the given [*tls.Config].
//
// The cfg argument contains the common configuration for streamconn
// operations; the handshake is bounded by cfg.ConnectTimeout.
//
// The tlsConfig argument is the TLS configuration to use. The config's
// ServerName selects SNI and enables standard hostname verification;
// the connector constructors default it to the target host.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTLSClientFunc(cfg *Config, tlsConfig *tls.Config, logger SLogger) *TLSClientFunc {
	runtimex.Assert(tlsConfig != nil)
	return &TLSClientFunc{
		Config:         tlsConfig,
		ConnectTimeout: cfg.ConnectTimeout,
		Engine:         TLSEngineStdlib{},
		ErrClassifier:  cfg.ErrClassifier,
		IOTimeout:      cfg.IOTimeout,
		Logger:         logger,
		TimeNow:        cfg.TimeNow,
	}
}

// TLSClientFunc upgrades a connected [*Socket] to a [*TLSSocket] by
// performing a client TLS handshake.
//
// The handshake may interleave reads and writes; a single scoped
// deadline of ConnectTimeout covers them all, while the socket's own
// I/O timeout stays disabled for the lifetime of the TLS wrapper (the
// wrapper arms its own scoped deadlines around record-level I/O).
//
// Returns either a valid [*TLSSocket] or an error, never both. On error
// the input socket is closed.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type TLSClientFunc struct {
	// Config contains the [*tls.Config] configuration to use.
	//
	// Set by [NewTLSClientFunc] to the user-provided [*tls.Config] pointer.
	Config *tls.Config

	// ConnectTimeout bounds the handshake.
	//
	// Set by [NewTLSClientFunc] from [Config.ConnectTimeout].
	ConnectTimeout time.Duration

	// Engine is the [TLSEngine] to use to handshake.
	//
	// Set by [NewTLSClientFunc] to [TLSEngineStdlib].
	Engine TLSEngine

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTLSClientFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// IOTimeout bounds record-level I/O on the resulting stream.
	//
	// Set by [NewTLSClientFunc] from [Config.IOTimeout].
	IOTimeout time.Duration

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewTLSClientFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewTLSClientFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[*Socket, *TLSSocket] = &TLSClientFunc{}

// Call invokes the [*TLSClientFunc] to create a [*TLSSocket] from a [*Socket].
func (op *TLSClientFunc) Call(ctx context.Context, sock *Socket) (*TLSSocket, error) {
	// 1. The TLS wrapper owns deadline management from here on.
	sock.SetIOTimeoutEnabled(false)
	config := op.tlsConfig()
	tconn := op.Engine.Client(sock.Conn(), config)

	// 2. Scope a single deadline over the whole handshake.
	guard, err := armDeadline(ctx, sock.Conn(), op.ConnectTimeout, op.TimeNow)
	if err != nil {
		sock.Close()
		return nil, err
	}
	defer guard.disarm()

	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logHandshakeStart(op.Engine, sock, t0, deadline, config)
	herr := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	op.logHandshakeDone(op.Engine, sock, t0, deadline, config, herr, state)
	if herr != nil {
		sock.Close()
		return nil, guard.translate(herr)
	}

	ts := &TLSSocket{
		ioTimeout: op.IOTimeout,
		sock:      sock,
		tconn:     tconn,
	}
	ts.open.Store(true)
	return ts, nil
}

func (op *TLSClientFunc) tlsConfig() *tls.Config {
	runtimex.Assert(op.Config != nil)
	config := op.Config.Clone()
	config.Time = op.TimeNow
	return config
}

func (op *TLSClientFunc) logHandshakeStart(engine TLSEngine,
	sock *Socket, t0 time.Time, deadline time.Time, config *tls.Config) {
	op.Logger.Info(
		"tlsHandshakeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(sock.Conn())),
		slog.String("protocol", safeconn.Network(sock.Conn())),
		slog.String("remoteAddr", safeconn.RemoteAddr(sock.Conn())),
		slog.String("sessionID", sock.SessionID()),
		slog.Time("t", t0),
		slog.String("tlsEngineName", engine.Name()),
		slog.String("tlsParrot", engine.Parrot()),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
	)
}

func (op *TLSClientFunc) logHandshakeDone(engine TLSEngine, sock *Socket,
	t0 time.Time, deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	op.Logger.Info(
		"tlsHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(sock.Conn())),
		slog.String("protocol", safeconn.Network(sock.Conn())),
		slog.String("remoteAddr", safeconn.RemoteAddr(sock.Conn())),
		slog.String("sessionID", sock.SessionID()),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", engine.Name()),
		slog.String("tlsParrot", engine.Parrot()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.Any("tlsPeerCerts", op.peerCerts(state, err)),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func (op *TLSClientFunc) peerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	// 1. Check whether the error is a known certificate error and extract
	// the certificate using `errors.As` for additional robustness.
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		// Test case: https://wrong.host.badssl.com/
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		// Test case: https://self-signed.badssl.com/
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		// Test case: https://expired.badssl.com/
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	// 2. Otherwise extract certificates from the connection state.
	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}

// TLSSocket is a TLS stream over a [*Socket] with deadline-bounded,
// synchronous operations.
//
// Record-level I/O runs under a scoped deadline on the underlying
// socket; one deadline covers the interleaved reads and writes a single
// TLS operation may require.
//
// A TLSSocket is not safe for concurrent use. Construct via
// [*TLSClientFunc].
type TLSSocket struct {
	// closeOnce ensures Close has "once" semantics.
	closeOnce sync.Once

	// ioTimeout bounds each record-level operation.
	ioTimeout time.Duration

	// open tracks whether the stream is usable.
	open atomic.Bool

	// sock is the underlying timed socket.
	sock *Socket

	// tconn is the TLS connection layered over sock.
	tconn TLSConn
}

// Conn returns the [net.Conn] carrying this stream's plaintext bytes,
// i.e. the TLS connection itself. Wrapping layers (HTTP) write here.
func (s *TLSSocket) Conn() net.Conn {
	return s.tconn
}

// ConnectionState returns the TLS connection state.
func (s *TLSSocket) ConnectionState() tls.ConnectionState {
	return s.tconn.ConnectionState()
}

// SessionID returns the identifier of the underlying socket.
func (s *TLSSocket) SessionID() string {
	return s.sock.SessionID()
}

// IsOpen reports whether the stream is still usable.
func (s *TLSSocket) IsOpen() bool {
	return s.open.Load()
}

// Send transmits the whole buffer, looping over short writes until every
// byte is out or the deadline fires. The returned count is plaintext bytes.
func (s *TLSSocket) Send(ctx context.Context, data []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.sock.Conn(), s.ioTimeout, s.sock.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()

	var total int
	for total < len(data) {
		n, werr := s.tconn.Write(data[total:])
		total += n
		if werr != nil {
			return total, guard.translate(werr)
		}
	}
	return total, nil
}

// Receive fills the whole buffer, looping over short reads until every
// byte is in or the deadline fires. An early peer close surfaces as
// [io.EOF] alongside the bytes read so far.
func (s *TLSSocket) Receive(ctx context.Context, buf []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.sock.Conn(), s.ioTimeout, s.sock.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()

	var total int
	for total < len(buf) {
		n, rerr := s.tconn.Read(buf[total:])
		total += n
		if rerr != nil {
			if rerr == io.EOF {
				return total, io.EOF
			}
			return total, guard.translate(rerr)
		}
	}
	return total, nil
}

// WriteSome performs at most one TLS write.
func (s *TLSSocket) WriteSome(ctx context.Context, data []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.sock.Conn(), s.ioTimeout, s.sock.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()
	n, werr := s.tconn.Write(data)
	return n, guard.translate(werr)
}

// ReadSome performs at most one TLS read.
func (s *TLSSocket) ReadSome(ctx context.Context, buf []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	guard, err := armDeadline(ctx, s.sock.Conn(), s.ioTimeout, s.sock.TimeNow)
	if err != nil {
		return 0, err
	}
	defer guard.disarm()
	n, rerr := s.tconn.Read(buf)
	if rerr != nil && rerr != io.EOF {
		rerr = guard.translate(rerr)
	}
	return n, rerr
}

// Close performs the TLS shutdown and closes the underlying socket.
//
// A peer that tears the transport down without sending close_notify is a
// common, benign condition; such truncation is mapped to success. Close
// returns success both for an orderly and for a truncated shutdown;
// subsequent calls return [ErrClosed].
func (s *TLSSocket) Close() (err error) {
	err = ErrClosed
	s.closeOnce.Do(func() {
		s.open.Store(false)
		err = s.tconn.Close()
		if isBenignShutdownError(err) {
			err = nil
		}
		s.sock.Close()
	})
	return
}

// isBenignShutdownError reports whether a TLS shutdown error indicates
// the stream was truncated rather than a genuine protocol failure.
func isBenignShutdownError(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	default:
		return false
	}
}
