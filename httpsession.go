// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"golang.org/x/net/http2"
)

// ByteStream is the surface [HTTPSessionFunc] requires from the stream
// it wraps. Both [*Socket] and [*TLSSocket] satisfy it.
type ByteStream interface {
	// Close closes the stream.
	Close() error

	// Conn returns the [net.Conn] carrying the stream's bytes.
	Conn() net.Conn

	// IsOpen reports whether the stream is still usable.
	IsOpen() bool

	// SessionID returns the stream's session identifier.
	SessionID() string
}

var (
	_ ByteStream = &Socket{}
	_ ByteStream = &TLSSocket{}
)

// HTTPSession drives HTTP/1.1 (or HTTP/2, when ALPN negotiated h2)
// request/response exchanges over a single established stream.
//
// The HTTP message layer is consumed as a black-box codec: a transport
// configured with a single-use dialer that hands out the wrapped
// connection. Keep-alives are enabled so one connection serves
// sequential [HTTPSession.Perform] calls, which is what makes these
// sessions poolable.
//
// The caller is responsible for calling [HTTPSession.Close] when done.
//
// Construct via [*HTTPSessionFunc].
type HTTPSession struct {
	// bodyLimit bounds the streamed response body bytes.
	bodyLimit int64

	// closeIdleFunc closes idle connections in the transport.
	closeIdleFunc func()

	// closeOnce ensures Close has "once" semantics.
	closeOnce sync.Once

	// conn is the connection carrying the session's bytes.
	conn net.Conn

	// ioTimeout bounds one whole request/response exchange.
	ioTimeout time.Duration

	// open tracks whether the session is usable.
	open atomic.Bool

	// stream is the owned underlying stream.
	stream ByteStream

	// txp is the HTTP transport.
	txp http.RoundTripper

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// Perform sends the request and receives the response under ONE deadline:
// the earlier of the context deadline and the session's I/O timeout.
//
// The deadline keeps covering the response body; it is disarmed when the
// caller closes the body, so callers must always close it. The body is
// bounded by the configured body limit and fails with [ErrBufferOverflow]
// past it.
//
// A Perform that fails taints the session: the request sent-state is
// indeterminate, so the session is marked unusable and must not be
// returned to a pool. Error kinds: [ErrTimeout] when the deadline fired,
// [ErrEndOfStream] when the peer closed before a complete response,
// [ErrBufferOverflow] when the response header exceeded its limit.
func (hs *HTTPSession) Perform(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !hs.IsOpen() {
		return nil, ErrClosed
	}

	// 1. One scoped deadline covers serialization, parsing, and body.
	guard, err := armDeadline(ctx, hs.conn, hs.ioTimeout, hs.TimeNow)
	if err != nil {
		return nil, err
	}

	// 2. Perform the round trip with span logging.
	t0 := hs.TimeNow()
	deadline, _ := ctx.Deadline()
	hs.logRoundTripStart(req, t0, deadline)
	resp, rerr := hs.txp.RoundTrip(req)
	hs.logRoundTripDone(req, t0, deadline, resp, rerr)

	// 3. On error, the session is tainted: close eagerly so a pool
	// drops it instead of handing it out again.
	if rerr != nil {
		guard.disarm()
		hs.Close()
		return nil, httpPerformError(guard, rerr)
	}

	// 4. Wrap the response body with the byte limit, lazy structured
	// logging, and guard disarming on close.
	resp.Body = httpBodyWrap(
		resp.Body,
		hs.ErrClassifier,
		safeconn.LocalAddr(hs.conn),
		hs.bodyLimit,
		hs.Logger,
		guard.disarm,
		safeconn.Network(hs.conn),
		safeconn.RemoteAddr(hs.conn),
		hs.stream.SessionID(),
		hs.TimeNow,
	)
	return resp, nil
}

// httpPerformError maps a round-trip failure to this package's error kinds.
func httpPerformError(guard *deadlineGuard, err error) error {
	terr := guard.translate(err)
	switch {
	case errors.Is(terr, ErrTimeout), errors.Is(terr, ErrCancelled):
		return terr
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrEndOfStream
	case strings.Contains(err.Error(), "response headers exceeded"):
		// the header-limit failure inside net/http is not a typed error
		return ErrBufferOverflow
	default:
		return err
	}
}

// Close cleans up the transport and closes the underlying stream.
// Subsequent calls return [ErrClosed].
func (hs *HTTPSession) Close() (err error) {
	err = ErrClosed
	hs.closeOnce.Do(func() {
		hs.open.Store(false)
		hs.closeIdleFunc()
		err = hs.stream.Close()
	})
	return
}

// Conn returns the underlying [net.Conn] used by this [*HTTPSession].
//
// This method exists to support logging operations that need connection
// metadata (local/remote addresses, network type).
func (hs *HTTPSession) Conn() net.Conn {
	return hs.conn
}

// IsOpen reports whether the session is still usable.
func (hs *HTTPSession) IsOpen() bool {
	return hs.open.Load() && hs.stream.IsOpen()
}

// SessionID returns the identifier of the underlying stream.
func (hs *HTTPSession) SessionID() string {
	return hs.stream.SessionID()
}

func (hs *HTTPSession) logRoundTripStart(req *http.Request, t0 time.Time, deadline time.Time) {
	hs.Logger.Info(
		"httpRoundTripStart",
		slog.Time("deadline", deadline),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpRequestHeaders", req.Header),
		slog.String("localAddr", safeconn.LocalAddr(hs.conn)),
		slog.String("protocol", safeconn.Network(hs.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(hs.conn)),
		slog.String("sessionID", hs.stream.SessionID()),
		slog.Time("t", t0),
	)
}

func (hs *HTTPSession) logRoundTripDone(req *http.Request,
	t0 time.Time, deadline time.Time, resp *http.Response, err error) {
	var (
		statusCode int
		headers    http.Header
	)
	if resp != nil {
		statusCode = resp.StatusCode
		headers = resp.Header
	}
	hs.Logger.Info(
		"httpRoundTripDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", hs.ErrClassifier.Classify(err)),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
		slog.Any("httpRequestHeaders", req.Header),
		slog.Any("httpResponseHeaders", headers),
		slog.Int("httpResponseStatusCode", statusCode),
		slog.String("localAddr", safeconn.LocalAddr(hs.conn)),
		slog.String("protocol", safeconn.Network(hs.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(hs.conn)),
		slog.String("sessionID", hs.stream.SessionID()),
		slog.Time("t0", t0),
		slog.Time("t", hs.TimeNow()),
	)
}

// HTTPSessionFunc wraps an established stream into an [*HTTPSession].
//
// This is a generic [Func] that can be composed into pipelines after a
// connect stage (plain HTTP) or a TLS handshake stage (HTTPS), with
// ALPN-based protocol detection for the latter.
//
// The caller is responsible for closing the returned [*HTTPSession],
// which closes the wrapped stream too.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type HTTPSessionFunc[S ByteStream] struct {
	// BodyLimit bounds the streamed response body bytes.
	//
	// Set by [NewHTTPSessionFunc] from [Config.BodyLimit].
	BodyLimit int64

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewHTTPSessionFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// HeaderLimit bounds the parsed response header bytes.
	//
	// Set by [NewHTTPSessionFunc] from [Config.HeaderLimit].
	HeaderLimit int64

	// IOTimeout bounds one whole request/response exchange.
	//
	// Set by [NewHTTPSessionFunc] from [Config.IOTimeout].
	IOTimeout time.Duration

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewHTTPSessionFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewHTTPSessionFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

// NewHTTPSessionFunc returns a new [*HTTPSessionFunc].
//
// The cfg argument contains the common configuration for streamconn
// operations, including the header and body limits.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewHTTPSessionFunc[S ByteStream](cfg *Config, logger SLogger) *HTTPSessionFunc[S] {
	return &HTTPSessionFunc[S]{
		BodyLimit:     cfg.BodyLimit,
		ErrClassifier: cfg.ErrClassifier,
		HeaderLimit:   cfg.HeaderLimit,
		IOTimeout:     cfg.IOTimeout,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

var _ Func[*Socket, *HTTPSession] = &HTTPSessionFunc[*Socket]{}
var _ Func[*TLSSocket, *HTTPSession] = &HTTPSessionFunc[*TLSSocket]{}

// Call implements [Func].
func (op *HTTPSessionFunc[S]) Call(ctx context.Context, stream S) (*HTTPSession, error) {
	conn := stream.Conn()

	// Obtain the protocol that was negotiated
	type connectionStater interface {
		ConnectionState() tls.ConnectionState
	}
	var alpn string
	if csp, ok := any(stream).(connectionStater); ok {
		alpn = csp.ConnectionState().NegotiatedProtocol
	}

	// Create a special dialer that works just once
	dialer := sud.NewSingleUseDialer(conn)

	// Create proper transport depending on ALPN
	var txp http.RoundTripper
	var closeIdleFunc func()
	switch alpn {
	case "h2":
		h2txp := &http2.Transport{
			DialTLSContext:     dialer.DialTLSContext,
			DisableCompression: false,
			MaxHeaderListSize:  uint32(op.HeaderLimit),
		}
		txp = h2txp
		closeIdleFunc = h2txp.CloseIdleConnections

	default:
		h1txp := &http.Transport{
			DialContext:            dialer.DialContext,
			DialTLSContext:         dialer.DialContext,
			DisableCompression:     false,
			DisableKeepAlives:      false,
			MaxConnsPerHost:        1,
			MaxIdleConnsPerHost:    1,
			MaxResponseHeaderBytes: op.HeaderLimit,
		}
		txp = h1txp
		closeIdleFunc = h1txp.CloseIdleConnections
	}

	hs := &HTTPSession{
		bodyLimit:     op.BodyLimit,
		closeIdleFunc: closeIdleFunc,
		conn:          conn,
		ioTimeout:     op.IOTimeout,
		stream:        stream,
		txp:           txp,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}
	hs.open.Store(true)
	return hs, nil
}
