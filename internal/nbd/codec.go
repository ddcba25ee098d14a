// Package nbd implements the client side of the NBD (Network Block
// Device) wire protocol: old-style handshake, fixed-size request/reply
// frames, exact send/recv.
package nbd

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wnbd-go/wnbd/internal/transport"
)

// Wire magics.
const (
	RequestMagic uint32 = 0x25609513
	ReplyMagic   uint32 = 0x67446698

	handshakeMagic       uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	handshakeOptionMagic uint64 = 0x00420281861253
)

// Command types on the wire.
const (
	CmdRead  uint32 = 0
	CmdWrite uint32 = 1
	CmdDisc  uint32 = 2
	CmdFlush uint32 = 3
	CmdTrim  uint32 = 4
)

// Negotiated flags, the subset this module consumes.
const (
	FlagHasFlags  uint16 = 1 << 0
	FlagReadOnly  uint16 = 1 << 1
	FlagSendFlush uint16 = 1 << 2
	FlagSendFUA   uint16 = 1 << 3
	FlagSendTrim  uint16 = 1 << 5
)

// RequestHeaderSize is the fixed size of a request frame before payload;
// the engine's preallocated transfer buffers are sized
// max_transfer_length plus this.
const RequestHeaderSize = 28

const (
	replyHeaderSize = 16
	handshakeSize   = 8 + 8 + 8 + 2 + 124 // magic, option-magic, size, flags, padding
)

// Request is a 28-byte NBD request frame. Payload, for writes, follows on
// the wire; EncodeRequest covers the header only, and the caller appends
// the payload to the same frame before sending it.
type Request struct {
	Magic  uint32
	Flags  uint16
	Type   uint32
	Handle uint64
	From   uint64
	Length uint32
}

// EncodeRequest serializes r in network byte order.
func EncodeRequest(r Request) []byte {
	buf := make([]byte, RequestHeaderSize)
	order := binary.BigEndian
	order.PutUint32(buf[0:4], r.Magic)
	order.PutUint16(buf[4:6], r.Flags)
	order.PutUint16(buf[6:8], uint16(r.Type))
	order.PutUint64(buf[8:16], r.Handle)
	order.PutUint64(buf[16:24], r.From)
	order.PutUint32(buf[24:28], r.Length)
	return buf
}

// DecodeRequest parses a 28-byte request frame.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) < RequestHeaderSize {
		return Request{}, fmt.Errorf("nbd: short request frame: %d bytes", len(buf))
	}
	order := binary.BigEndian
	r := Request{
		Magic:  order.Uint32(buf[0:4]),
		Flags:  order.Uint16(buf[4:6]),
		Type:   uint32(order.Uint16(buf[6:8])),
		Handle: order.Uint64(buf[8:16]),
		From:   order.Uint64(buf[16:24]),
		Length: order.Uint32(buf[24:28]),
	}
	if r.Magic != RequestMagic {
		return Request{}, fmt.Errorf("nbd: bad request magic 0x%x", r.Magic)
	}
	return r, nil
}

// Reply is a 16-byte NBD reply frame. Payload, for reads, follows on the
// wire.
type Reply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

// EncodeReply serializes r in network byte order.
func EncodeReply(r Reply) []byte {
	buf := make([]byte, replyHeaderSize)
	order := binary.BigEndian
	order.PutUint32(buf[0:4], r.Magic)
	order.PutUint32(buf[4:8], r.Error)
	order.PutUint64(buf[8:16], r.Handle)
	return buf
}

// DecodeReply parses a 16-byte reply frame.
func DecodeReply(buf []byte) (Reply, error) {
	if len(buf) < replyHeaderSize {
		return Reply{}, fmt.Errorf("nbd: short reply frame: %d bytes", len(buf))
	}
	order := binary.BigEndian
	r := Reply{
		Magic:  order.Uint32(buf[0:4]),
		Error:  order.Uint32(buf[4:8]),
		Handle: order.Uint64(buf[8:16]),
	}
	if r.Magic != ReplyMagic {
		return Reply{}, fmt.Errorf("nbd: bad reply magic 0x%x", r.Magic)
	}
	return r, nil
}

// HandshakeInfo is what the old-style handshake negotiates.
type HandshakeInfo struct {
	Size  uint64
	Flags uint16
}

// ReadHandshake consumes the 150-byte old-style handshake from r.
func ReadHandshake(r io.Reader) (HandshakeInfo, error) {
	buf := make([]byte, handshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return HandshakeInfo{}, fmt.Errorf("nbd: handshake read: %w", err)
	}
	order := binary.BigEndian
	magic := order.Uint64(buf[0:8])
	if magic != handshakeMagic {
		return HandshakeInfo{}, fmt.Errorf("nbd: bad handshake magic 0x%x", magic)
	}
	optionMagic := order.Uint64(buf[8:16])
	if optionMagic != handshakeOptionMagic {
		return HandshakeInfo{}, fmt.Errorf("nbd: bad handshake option magic 0x%x", optionMagic)
	}
	return HandshakeInfo{
		Size:  order.Uint64(buf[16:24]),
		Flags: order.Uint16(buf[24:26]),
	}, nil
}

// WriteExact writes buf to w in full, retrying partial writes until the
// transfer completes or a connection-class error is observed.
func WriteExact(w io.Writer, buf []byte) error {
	return transport.SendAll(w, buf)
}

// ReadExact reads exactly len(buf) bytes from r, retrying partial reads.
func ReadExact(r io.Reader, buf []byte) error {
	return transport.RecvAll(r, buf)
}
