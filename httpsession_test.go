// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackHTTPServer serves the given handler on a loopback listener
// and returns the listener address.
func newLoopbackHTTPServer(t *testing.T, handler http.Handler) netip.AddrPort {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go http.Serve(listener, handler)
	return netip.MustParseAddrPort(listener.Addr().String())
}

// newLoopbackHTTPSession connects a plain HTTP session to the given address.
func newLoopbackHTTPSession(t *testing.T, cfg *Config, addr netip.AddrPort) *HTTPSession {
	t.Helper()
	factory := Compose2[netip.AddrPort, *Socket, *HTTPSession](
		NewConnectFunc(cfg, "tcp", DefaultSLogger()),
		NewHTTPSessionFunc[*Socket](cfg, DefaultSLogger()),
	)
	session, err := factory.Call(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

// Perform drives a whole request/response exchange and the session
// remains usable for subsequent exchanges on the same connection.
func TestHTTPSessionPerform(t *testing.T) {
	var hits atomic.Int64
	addr := newLoopbackHTTPServer(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "hit %d", hits.Add(1))
		}))

	cfg := NewConfig()
	cfg.ConnectTimeout = time.Second
	cfg.IOTimeout = time.Second
	session := newLoopbackHTTPSession(t, cfg, addr)

	for idx := 1; idx <= 3; idx++ {
		req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/", addr), nil)
		require.NoError(t, err)

		resp, err := session.Perform(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, fmt.Sprintf("hit %d", idx), string(body))
		assert.True(t, session.IsOpen())
	}
}

// Perform emits httpRoundTripStart/httpRoundTripDone and body stream events.
func TestHTTPSessionPerformLogging(t *testing.T) {
	addr := newLoopbackHTTPServer(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

	logger, records := newCapturingLogger()
	cfg := NewConfig()
	cfg.ConnectTimeout = time.Second
	cfg.IOTimeout = time.Second
	factory := Compose2[netip.AddrPort, *Socket, *HTTPSession](
		NewConnectFunc(cfg, "tcp", DefaultSLogger()),
		NewHTTPSessionFunc[*Socket](cfg, logger),
	)
	session, err := factory.Call(context.Background(), addr)
	require.NoError(t, err)
	defer session.Close()

	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/", addr), nil)
	require.NoError(t, err)
	resp, err := session.Perform(context.Background(), req)
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	var messages []string
	for _, record := range *records {
		messages = append(messages, record.Message)
	}
	assert.Contains(t, messages, "httpRoundTripStart")
	assert.Contains(t, messages, "httpRoundTripDone")
	assert.Contains(t, messages, "httpBodyStreamStart")
	assert.Contains(t, messages, "httpBodyStreamDone")
}

// Reading a body past the configured limit fails with ErrBufferOverflow.
func TestHTTPSessionBodyLimit(t *testing.T) {
	addr := newLoopbackHTTPServer(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write(make([]byte, 4096))
		}))

	cfg := NewConfig()
	cfg.ConnectTimeout = time.Second
	cfg.IOTimeout = time.Second
	cfg.BodyLimit = 128
	session := newLoopbackHTTPSession(t, cfg, addr)

	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/", addr), nil)
	require.NoError(t, err)
	resp, err := session.Perform(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

// A server that never answers makes Perform fail with ErrTimeout and
// taints the session.
func TestHTTPSessionPerformTimeout(t *testing.T) {
	addr := newLoopbackHTTPServer(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
		}))

	cfg := NewConfig()
	cfg.ConnectTimeout = time.Second
	cfg.IOTimeout = 100 * time.Millisecond
	session := newLoopbackHTTPSession(t, cfg, addr)

	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/", addr), nil)
	require.NoError(t, err)

	t0 := time.Now()
	_, err = session.Perform(context.Background(), req)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(t0), 100*time.Millisecond)
	assert.False(t, session.IsOpen(), "a failed Perform taints the session")
}

// Perform on a closed session fails with ErrClosed.
func TestHTTPSessionPerformAfterClose(t *testing.T) {
	addr := newLoopbackHTTPServer(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

	cfg := NewConfig()
	cfg.ConnectTimeout = time.Second
	cfg.IOTimeout = time.Second
	session := newLoopbackHTTPSession(t, cfg, addr)
	require.NoError(t, session.Close())

	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/", addr), nil)
	require.NoError(t, err)
	_, err = session.Perform(context.Background(), req)
	assert.ErrorIs(t, err, ErrClosed)
}

// Close is idempotent: later calls report ErrClosed without crashing.
func TestHTTPSessionCloseIdempotent(t *testing.T) {
	addr := newLoopbackHTTPServer(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))

	cfg := NewConfig()
	cfg.ConnectTimeout = time.Second
	cfg.IOTimeout = time.Second
	session := newLoopbackHTTPSession(t, cfg, addr)

	require.NoError(t, session.Close())
	assert.ErrorIs(t, session.Close(), ErrClosed)
}
