package nbd

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/transport"
)

// Client is one NBD TCP connection: exact send/recv framing over the
// handshake-negotiated size/flags. The per-device monotonic request
// handle counter is the engine's to keep; Client only frames what it's
// given.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	Size  uint64
	Flags uint16
}

// Dial connects to hostname:port and performs the old-style handshake,
// unless skipNegotiation is set, in which case size and capability flags
// are taken from the caller and the handshake is bypassed.
func Dial(hostname string, port uint16, skipNegotiation bool, nbdSize uint64, nbdFlags uint16) (*Client, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", hostname, port))
	if err != nil {
		return nil, model.Wrap("Dial", err)
	}

	c := NewClientForConn(conn)

	if skipNegotiation {
		c.Size = nbdSize
		c.Flags = nbdFlags
		return c, nil
	}

	info, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, model.NewDevice("Dial", "", model.KindNegotiationFailed, err.Error())
	}
	c.Size = info.Size
	c.Flags = info.Flags
	return c, nil
}

// NewClientForConn wraps an already-established connection and applies
// transport.TuneTCP to it (a no-op for non-TCP connections); it performs
// no handshake. Dial uses it for every connection, and tests use it to
// substitute an in-process net.Pipe for a real TCP socket.
func NewClientForConn(conn net.Conn) *Client {
	transport.TuneTCP(conn)
	return &Client{conn: conn}
}

// SendFrame writes one already-encoded request frame (header plus any
// write payload) as a single exact send. The write lock keeps two
// concurrent submitters from interleaving bytes on the wire.
func (c *Client) SendFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := WriteExact(c.conn, frame); err != nil {
		return model.Wrap("SendFrame", err)
	}
	return nil
}

// ReadReply reads one reply header. The caller is responsible for then
// reading Length bytes of payload (for reads) via ReadPayload.
func (c *Client) ReadReply() (Reply, error) {
	buf := make([]byte, replyHeaderSize)
	if err := ReadExact(c.conn, buf); err != nil {
		return Reply{}, model.Wrap("ReadReply", err)
	}
	reply, err := DecodeReply(buf)
	if err != nil {
		return Reply{}, model.NewDevice("ReadReply", "", model.KindConnectionLost, err.Error())
	}
	return reply, nil
}

// ReadPayload reads exactly len(buf) bytes of reply payload.
func (c *Client) ReadPayload(buf []byte) error {
	if err := ReadExact(c.conn, buf); err != nil {
		return model.Wrap("ReadPayload", err)
	}
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsConnectionClass reports whether err is a transport-class failure
// that should latch hard_terminate on the owning device.
func IsConnectionClass(err error) bool {
	if err == nil {
		return false
	}
	if model.IsConnectionClass(err) {
		return true
	}
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNABORTED)
}
