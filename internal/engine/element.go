package engine

import (
	"github.com/wnbd-go/wnbd/internal/scsi"
)

// OpKind mirrors scsi.Kind, re-exported here so packages that only need
// the engine's request vocabulary don't have to import internal/scsi.
type OpKind = scsi.Kind

const (
	OpInvalid = scsi.KindInvalid
	OpRead    = scsi.KindRead
	OpWrite   = scsi.KindWrite
	OpFlush   = scsi.KindFlush
	OpUnmap   = scsi.KindUnmap
)

// CompletionFunc is the SCSI front's completion callback surface:
// srb handle, status, transferred length.
type CompletionFunc func(srbHandle uint64, status scsi.Completion, dataLength uint32)

// Element is a single in-flight request moving through Pending then
// Submitted.
type Element struct {
	Tag       uint64
	SRBHandle uint64
	Op        OpKind
	LBA       uint64
	Blocks    uint32
	BlockSize uint32
	FUA       bool

	// Data is the SCSI data buffer, shared between the SCSI front and the
	// back end until completion: for writes it already holds the
	// payload to send; for reads the back end fills it in place.
	Data []byte

	// aborted marks a Submitted element that the SCSI front cancelled while
	// it was in flight. The back end's eventual reply is discarded rather
	// than completing a second time.
	aborted bool

	completion CompletionFunc
}

// DataLength returns the transfer length in bytes.
func (e *Element) DataLength() uint32 {
	return e.Blocks * e.BlockSize
}

// ByteOffset returns the byte offset of the request's LBA.
func (e *Element) ByteOffset() uint64 {
	return e.LBA * uint64(e.BlockSize)
}
