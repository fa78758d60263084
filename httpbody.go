// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// httpBodyWrap wraps an HTTP response body so that we (1) enforce the
// configured body byte limit and (2) emit structured log events lazily:
// httpBodyStreamStart on the first Read, and httpBodyStreamDone on Close
// (only if at least one Read happened).
//
// The onClose hook runs exactly once when the body is closed; the HTTP
// session uses it to disarm the round-trip deadline guard.
func httpBodyWrap(
	body io.ReadCloser,
	errClass ErrClassifier,
	laddr string,
	limit int64,
	logger SLogger,
	onClose func(),
	protocol string,
	raddr string,
	sessionID string,
	timeNow func() time.Time,
) io.ReadCloser {
	return &httpBodyWrapper{
		body:      body,
		closeOnce: sync.Once{},
		didRead:   atomic.Bool{},
		errClass:  errClass,
		laddr:     laddr,
		limit:     limit,
		logger:    logger,
		onClose:   onClose,
		protocol:  protocol,
		raddr:     raddr,
		readCount: 0,
		readOnce:  sync.Once{},
		sessionID: sessionID,
		timeNow:   timeNow,
		t0:        time.Time{},
	}
}

type httpBodyWrapper struct {
	// body is the actual body.
	body io.ReadCloser

	// didRead tracks whether at least one Read happened.
	didRead atomic.Bool

	// errClass is the err classifier in use.
	errClass ErrClassifier

	// laddr is the local address.
	laddr string

	// limit is the body byte limit; reading past it fails with
	// [ErrBufferOverflow].
	limit int64

	// logger is the [SLogger] in use.
	logger SLogger

	// closeOnce ensures that Close has "once" semantics.
	closeOnce sync.Once

	// onClose runs once when the body is closed.
	onClose func()

	// protocol is the network protocol ("tcp" or "udp").
	protocol string

	// raddr is the remote address.
	raddr string

	// readCount is the number of body bytes read so far.
	readCount int64

	// readOnce ensures we log httpBodyStreamStart only once.
	readOnce sync.Once

	// sessionID correlates the body events with the session.
	sessionID string

	// t0 is the time when we started reading the body.
	t0 time.Time

	// timeNow mocks [time.Now].
	timeNow func() time.Time
}

var _ io.ReadCloser = &httpBodyWrapper{}

// Close implements [io.ReadCloser].
func (b *httpBodyWrapper) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		b.onClose()
		if b.didRead.Load() { // acquire: t0 is visible if this returns true
			b.logger.Info(
				"httpBodyStreamDone",
				slog.Any("err", err),
				slog.String("errClass", b.errClass.Classify(err)),
				slog.Int64("httpBodyBytesCount", b.readCount),
				slog.String("localAddr", b.laddr),
				slog.String("protocol", b.protocol),
				slog.String("remoteAddr", b.raddr),
				slog.String("sessionID", b.sessionID),
				slog.Time("t0", b.t0),
				slog.Time("t", b.timeNow()),
			)
		}
	})
	return
}

// Read implements [io.ReadCloser].
func (b *httpBodyWrapper) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.timeNow()    // write t0 BEFORE the atomic store (release)
		b.didRead.Store(true) // release: makes t0 visible to Close
		b.logger.Info(
			"httpBodyStreamStart",
			slog.String("localAddr", b.laddr),
			slog.String("protocol", b.protocol),
			slog.String("remoteAddr", b.raddr),
			slog.String("sessionID", b.sessionID),
			slog.Time("t", b.t0),
		)
	})
	if b.readCount > b.limit {
		return 0, ErrBufferOverflow
	}
	n, err := b.body.Read(buffer)
	b.readCount += int64(n)
	if b.readCount > b.limit {
		return n, ErrBufferOverflow
	}
	return n, err
}
