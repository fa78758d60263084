// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"net"
	"time"
)

// Default values used by [NewConfig].
const (
	// DefaultResolveTimeout bounds a single resolution attempt.
	DefaultResolveTimeout = 5 * time.Second

	// DefaultConnectTimeout bounds connect and TLS handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultIOTimeout bounds each I/O operation on connected streams.
	DefaultIOTimeout = 30 * time.Second

	// DefaultHeaderLimit bounds the parsed HTTP response header bytes.
	DefaultHeaderLimit = 1 << 20

	// DefaultBodyLimit bounds the streamed HTTP response body bytes.
	DefaultBodyLimit = 1 << 26
)

// Config holds common configuration for streamconn operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// BodyLimit bounds the HTTP response body in bytes. Reading past
	// the limit fails with [ErrBufferOverflow].
	//
	// Set by [NewConfig] to [DefaultBodyLimit].
	BodyLimit int64

	// ConnectTimeout bounds connect operations (including the TLS
	// handshake for TLS sessions). [Infinite] disables the bound.
	//
	// Set by [NewConfig] to [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// Dialer is used by [*ConnectFunc] and [*DNSServerResolver].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// HeaderLimit bounds the HTTP response header in bytes. A larger
	// header fails the round trip with [ErrBufferOverflow].
	//
	// Set by [NewConfig] to [DefaultHeaderLimit].
	HeaderLimit int64

	// IOTimeout bounds each I/O operation on connected streams when
	// the stream's I/O timeout is enabled. [Infinite] disables the bound.
	//
	// Set by [NewConfig] to [DefaultIOTimeout].
	IOTimeout time.Duration

	// IPResolver performs hostname-to-addresses resolution.
	//
	// Set by [NewConfig] to [net.DefaultResolver].
	IPResolver IPResolver

	// ResolveTimeout bounds each resolution attempt.
	//
	// Set by [NewConfig] to [DefaultResolveTimeout].
	ResolveTimeout time.Duration

	// TimeNow returns the current time (configurable for testing).
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		BodyLimit:      DefaultBodyLimit,
		ConnectTimeout: DefaultConnectTimeout,
		Dialer:         &net.Dialer{},
		ErrClassifier:  DefaultErrClassifier,
		HeaderLimit:    DefaultHeaderLimit,
		IOTimeout:      DefaultIOTimeout,
		IPResolver:     net.DefaultResolver,
		ResolveTimeout: DefaultResolveTimeout,
		TimeNow:        time.Now,
	}
}
