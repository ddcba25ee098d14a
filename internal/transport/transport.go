// Package transport is the byte-stream contract the NBD client builds
// on: something that can send and receive exact byte counts. The
// exact-send/recv retry loop lives here once instead of being duplicated
// per caller.
package transport

import (
	"io"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// TuneTCP disables Nagle's algorithm on conn, pulling the raw file
// descriptor out via higebu/netfd so request frames go out immediately
// instead of waiting to coalesce with a following payload write. No-op
// for non-TCP connections (e.g. net.Pipe in tests).
func TuneTCP(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	fd := netfd.GetFdFromConn(tcp)
	if fd < 0 {
		return
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// SendAll writes buf to w in full, retrying partial writes until the
// transfer completes or a connection-class error is observed.
func SendAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// RecvAll reads exactly len(buf) bytes from r, retrying partial reads.
func RecvAll(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
