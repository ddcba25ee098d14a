// Package uapi defines the user-space control-message format: a tagged
// struct per command, fixed-layout wire structs for the buffer-returning
// commands (List, Stats), and the pointer+length buffer descriptor
// variable-length arguments are addressed by. There is no real kernel
// ioctl ABI behind this build (the miniport/IOCTL boundary belongs to
// the platform), so structs are marshaled with explicit encoding/binary,
// the same way internal/nbd marshals its wire frames, rather than unsafe
// struct layout.
package uapi

import (
	"encoding/binary"
	"fmt"
)

// CommandCode tags a control-plane command.
type CommandCode uint32

const (
	CmdPing CommandCode = iota
	CmdCreate
	CmdRemove
	CmdList
	CmdStats
	CmdFetchRequest
	CmdSendResponse
	CmdReloadConfig
	CmdVersion
)

func (c CommandCode) String() string {
	switch c {
	case CmdPing:
		return "Ping"
	case CmdCreate:
		return "Create"
	case CmdRemove:
		return "Remove"
	case CmdList:
		return "List"
	case CmdStats:
		return "Stats"
	case CmdFetchRequest:
		return "FetchRequest"
	case CmdSendResponse:
		return "SendResponse"
	case CmdReloadConfig:
		return "ReloadConfig"
	case CmdVersion:
		return "Version"
	default:
		return "Unknown"
	}
}

// InstanceNameFieldLen is the fixed width of a wire-encoded instance
// name: model.MaxInstanceNameLen plus 1 byte reserved for the forced
// null terminator.
const InstanceNameFieldLen = 256

// EncodeName writes name into a fixed InstanceNameFieldLen-byte field,
// truncating and forcing a null terminator.
func EncodeName(name string) [InstanceNameFieldLen]byte {
	var out [InstanceNameFieldLen]byte
	n := copy(out[:], name)
	if n >= InstanceNameFieldLen {
		n = InstanceNameFieldLen - 1
	}
	out[InstanceNameFieldLen-1] = 0
	// overwrite the last byte unconditionally, even if the copy didn't
	// reach the end, matching the boundary rule literally rather than
	// only when truncation occurred.
	return out
}

// DecodeName reads a null-terminated name out of a fixed field.
func DecodeName(field [InstanceNameFieldLen]byte) string {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// ListHeaderSize is the fixed prefix of a List response: entry count plus
// a reserved word.
const ListHeaderSize = 8

// ConnectionInfoSize is the fixed size of one wire-encoded connection
// info record.
const ConnectionInfoSize = 4 + 4 + InstanceNameFieldLen + 4 + 8 + 4 + 8 + 2 + 2

// ConnectionInfoWire is the on-wire shape of model.ConnectionInfo.
type ConnectionInfoWire struct {
	ConnectionID    uint32
	Bus             uint8
	Target          uint8
	Lun             uint8
	_               uint8 // padding
	InstanceName    [InstanceNameFieldLen]byte
	BlockSize       uint32
	BlockCount      uint64
	Flags           uint32
	NegotiatedSize  uint64
	NegotiatedFlags uint16
	Connected       uint16 // 0 or 1, padded to align
}

// Capability flag bits packed into ConnectionInfoWire.Flags.
const (
	FlagReadOnly             uint32 = 1 << 0
	FlagFlushSupported       uint32 = 1 << 1
	FlagFUASupported         uint32 = 1 << 2
	FlagUnmapSupported       uint32 = 1 << 3
	FlagUnmapAnchorSupported uint32 = 1 << 4
	FlagUseNBD               uint32 = 1 << 5
)

// EncodeConnectionInfo serializes w into a ConnectionInfoSize-byte buffer.
func EncodeConnectionInfo(w ConnectionInfoWire) []byte {
	buf := make([]byte, ConnectionInfoSize)
	order := binary.BigEndian
	off := 0
	order.PutUint32(buf[off:], w.ConnectionID)
	off += 4
	buf[off] = w.Bus
	buf[off+1] = w.Target
	buf[off+2] = w.Lun
	off += 4
	copy(buf[off:], w.InstanceName[:])
	off += InstanceNameFieldLen
	order.PutUint32(buf[off:], w.BlockSize)
	off += 4
	order.PutUint64(buf[off:], w.BlockCount)
	off += 8
	order.PutUint32(buf[off:], w.Flags)
	off += 4
	order.PutUint64(buf[off:], w.NegotiatedSize)
	off += 8
	order.PutUint16(buf[off:], w.NegotiatedFlags)
	off += 2
	order.PutUint16(buf[off:], w.Connected)
	return buf
}

// DecodeConnectionInfo parses a ConnectionInfoSize-byte buffer.
func DecodeConnectionInfo(buf []byte) (ConnectionInfoWire, error) {
	if len(buf) < ConnectionInfoSize {
		return ConnectionInfoWire{}, fmt.Errorf("uapi: short connection_info: %d bytes", len(buf))
	}
	order := binary.BigEndian
	var w ConnectionInfoWire
	off := 0
	w.ConnectionID = order.Uint32(buf[off:])
	off += 4
	w.Bus, w.Target, w.Lun = buf[off], buf[off+1], buf[off+2]
	off += 4
	copy(w.InstanceName[:], buf[off:off+InstanceNameFieldLen])
	off += InstanceNameFieldLen
	w.BlockSize = order.Uint32(buf[off:])
	off += 4
	w.BlockCount = order.Uint64(buf[off:])
	off += 8
	w.Flags = order.Uint32(buf[off:])
	off += 4
	w.NegotiatedSize = order.Uint64(buf[off:])
	off += 8
	w.NegotiatedFlags = order.Uint16(buf[off:])
	off += 2
	w.Connected = order.Uint16(buf[off:])
	return w, nil
}

// StatsWire is the on-wire shape of model.StatsSnapshot.
type StatsWire struct {
	Received           int64
	Submitted          int64
	Replied            int64
	Unsubmitted        int64
	PendingSubmitted   int64
	AbortedUnsubmitted int64
	AbortedSubmitted   int64
	CompletedAborted   int64
	Completed          int64
}

const StatsWireSize = 8 * 9

// EncodeStats serializes s.
func EncodeStats(s StatsWire) []byte {
	buf := make([]byte, StatsWireSize)
	order := binary.BigEndian
	fields := []int64{s.Received, s.Submitted, s.Replied, s.Unsubmitted,
		s.PendingSubmitted, s.AbortedUnsubmitted, s.AbortedSubmitted,
		s.CompletedAborted, s.Completed}
	for i, f := range fields {
		order.PutUint64(buf[i*8:], uint64(f))
	}
	return buf
}

// DecodeStats parses a StatsWireSize-byte buffer.
func DecodeStats(buf []byte) (StatsWire, error) {
	if len(buf) < StatsWireSize {
		return StatsWire{}, fmt.Errorf("uapi: short stats buffer: %d bytes", len(buf))
	}
	order := binary.BigEndian
	vals := make([]int64, 9)
	for i := range vals {
		vals[i] = int64(order.Uint64(buf[i*8:]))
	}
	return StatsWire{
		Received: vals[0], Submitted: vals[1], Replied: vals[2],
		Unsubmitted: vals[3], PendingSubmitted: vals[4],
		AbortedUnsubmitted: vals[5], AbortedSubmitted: vals[6],
		CompletedAborted: vals[7], Completed: vals[8],
	}, nil
}

// FetchRequestWire is what fetch-request hands back across the control
// boundary, excluding the variable-length write payload which travels in
// the caller's own buffer.
type FetchRequestWire struct {
	RequestType uint32
	Handle      uint64
	LBA         uint64
	Blocks      uint32
	FUA         uint8
	Disconnect  uint8
	_           uint16
	PayloadLen  uint32
}

const FetchRequestWireSize = 4 + 8 + 8 + 4 + 1 + 1 + 2 + 4

// EncodeFetchRequest serializes f.
func EncodeFetchRequest(f FetchRequestWire) []byte {
	buf := make([]byte, FetchRequestWireSize)
	order := binary.BigEndian
	off := 0
	order.PutUint32(buf[off:], f.RequestType)
	off += 4
	order.PutUint64(buf[off:], f.Handle)
	off += 8
	order.PutUint64(buf[off:], f.LBA)
	off += 8
	order.PutUint32(buf[off:], f.Blocks)
	off += 4
	buf[off] = f.FUA
	buf[off+1] = f.Disconnect
	off += 4
	order.PutUint32(buf[off:], f.PayloadLen)
	return buf
}

// DecodeFetchRequest parses a FetchRequestWireSize-byte buffer.
func DecodeFetchRequest(buf []byte) (FetchRequestWire, error) {
	if len(buf) < FetchRequestWireSize {
		return FetchRequestWire{}, fmt.Errorf("uapi: short fetch_request: %d bytes", len(buf))
	}
	order := binary.BigEndian
	var f FetchRequestWire
	off := 0
	f.RequestType = order.Uint32(buf[off:])
	off += 4
	f.Handle = order.Uint64(buf[off:])
	off += 8
	f.LBA = order.Uint64(buf[off:])
	off += 8
	f.Blocks = order.Uint32(buf[off:])
	off += 4
	f.FUA = buf[off]
	f.Disconnect = buf[off+1]
	off += 4
	f.PayloadLen = order.Uint32(buf[off:])
	return f, nil
}

// SendResponseWire is what the user-space back end supplies to
// send-response, excluding the variable-length read-completion payload.
type SendResponseWire struct {
	Handle     uint64
	ScsiStatus uint8
	_          [7]uint8
}

const SendResponseWireSize = 8 + 8

// EncodeSendResponse serializes r.
func EncodeSendResponse(r SendResponseWire) []byte {
	buf := make([]byte, SendResponseWireSize)
	order := binary.BigEndian
	order.PutUint64(buf[0:], r.Handle)
	buf[8] = r.ScsiStatus
	return buf
}

// DecodeSendResponse parses a SendResponseWireSize-byte buffer.
func DecodeSendResponse(buf []byte) (SendResponseWire, error) {
	if len(buf) < SendResponseWireSize {
		return SendResponseWire{}, fmt.Errorf("uapi: short send_response: %d bytes", len(buf))
	}
	order := binary.BigEndian
	return SendResponseWire{
		Handle:     order.Uint64(buf[0:]),
		ScsiStatus: buf[8],
	}, nil
}
