//go:build !linux

// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import "net"

// tuneTCPConn applies the transport tuning used for freshly connected
// TCP sockets: keep-alive probing and Nagle disabled. TCP_QUICKACK is
// Linux-only and not applied here.
func tuneTCPConn(conn net.Conn) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		// mock or otherwise wrapped conn: nothing to tune
		return nil
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return err
	}
	return tcp.SetNoDelay(true)
}
