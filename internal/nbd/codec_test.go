package nbd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		Magic:  RequestMagic,
		Flags:  0,
		Type:   CmdRead,
		Handle: 42,
		From:   0,
		Length: 512,
	}
	buf := EncodeRequest(req)
	require.Len(t, buf, RequestHeaderSize)

	// magic is big-endian on the wire.
	require.Equal(t, []byte{0x25, 0x60, 0x95, 0x13}, buf[0:4])

	decoded, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestReplyRoundTrip(t *testing.T) {
	reply := Reply{Magic: ReplyMagic, Error: 0, Handle: 7}
	buf := EncodeReply(reply)
	require.Len(t, buf, replyHeaderSize)

	decoded, err := DecodeReply(buf)
	require.NoError(t, err)
	require.Equal(t, reply, decoded)
}

func TestDecodeRequestRejectsBadMagic(t *testing.T) {
	buf := make([]byte, RequestHeaderSize)
	_, err := DecodeRequest(buf)
	require.Error(t, err)
}

// shortWriter accepts at most max bytes per Write call, forcing the caller
// to loop over partial writes.
type shortWriter struct {
	buf bytes.Buffer
	max int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.max {
		p = p[:s.max]
	}
	return s.buf.Write(p)
}

func TestWriteExactRetriesPartialWrites(t *testing.T) {
	w := &shortWriter{max: 100}
	data := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, WriteExact(w, data))
	require.Equal(t, data, w.buf.Bytes())
}

func handshakeBytes(size uint64, flags uint16) []byte {
	buf := make([]byte, handshakeSize)
	binary.BigEndian.PutUint64(buf[0:8], handshakeMagic)
	binary.BigEndian.PutUint64(buf[8:16], handshakeOptionMagic)
	binary.BigEndian.PutUint64(buf[16:24], size)
	binary.BigEndian.PutUint16(buf[24:26], flags)
	return buf
}

func TestReadHandshakeParsesSizeAndFlags(t *testing.T) {
	buf := handshakeBytes(1<<20, FlagHasFlags|FlagSendFlush)
	info, err := ReadHandshake(bytes.NewReader(buf))
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, info.Size)
	require.Equal(t, FlagHasFlags|FlagSendFlush, info.Flags)
}

func TestReadHandshakeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, handshakeSize)
	_, err := ReadHandshake(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadHandshakeRejectsBadOptionMagic(t *testing.T) {
	buf := handshakeBytes(1<<20, FlagHasFlags)
	binary.BigEndian.PutUint64(buf[8:16], 0xdeadbeef)
	_, err := ReadHandshake(bytes.NewReader(buf))
	require.Error(t, err)
	require.Contains(t, err.Error(), "option magic")
}
