//go:build linux

// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneTCPConn applies the transport tuning used for freshly connected
// TCP sockets: keep-alive probing, Nagle disabled, and on Linux also
// TCP_QUICKACK so small request/response exchanges are not delayed by
// delayed-ACK batching.
func tuneTCPConn(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		// mock or otherwise wrapped conn: nothing to tune
		return nil
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return err
	}
	if err := tcp.SetNoDelay(true); err != nil {
		return err
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
