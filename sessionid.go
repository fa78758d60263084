// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSessionID returns a UUIDv7 identifying a session.
//
// A session is a fully usable stream (socket, TLS stream, or HTTP
// session) after connect and handshake. The connector stamps every
// session it constructs with such an ID and includes it in the
// session's log events, so all entries belonging to one session can be
// correlated across the connector, the pool, and the caller.
//
// UUIDv7 identifiers are time-ordered, which keeps log analysis tools
// happy when sorting by ID.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSessionID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
