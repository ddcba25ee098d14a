// Package scsifront defines the four-call contract the platform SCSI
// miniport shim exposes to the core: Submit (which delivers the CDB),
// Complete, GetDataBuffer and Abort. The shim itself is an external collaborator owned
// by the platform; this package exists so the
// core can be exercised, in tests and by any future real front end,
// without depending on a particular kernel transport.
package scsifront

import (
	"github.com/wnbd-go/wnbd/internal/engine"
	"github.com/wnbd-go/wnbd/internal/scsi"
)

// Front is the interface a SCSI miniport shim implements. The core itself
// never imports this package (internal/engine.Device.Submit takes its
// arguments directly), but every loopback test front end and any future
// real front end implements it, so tests can be written once against the
// interface and swapped to a real transport later without change.
type Front interface {
	// Submit hands a decoded CDB, its SRB handle, and a caller-owned data
	// buffer to the addressed device.
	Submit(cdb scsi.CDB, srbHandle uint64, dataBuffer []byte)
	// Complete is the front's own completion callback, invoked by the core
	// exactly once per submitted request.
	Complete(srbHandle uint64, status scsi.Completion, dataLength uint32)
	// GetDataBuffer returns the data buffer the front has already
	// allocated for srbHandle, sized to at least length bytes.
	GetDataBuffer(srbHandle uint64, length uint32) []byte
	// Abort cancels an in-flight request by SRB handle.
	Abort(srbHandle uint64)
}

// Loopback is an in-process Front that drives a single *engine.Device
// directly, standing in for the kernel miniport shim in scenario tests.
// Completions are recorded for the test to inspect.
type Loopback struct {
	Device *engine.Device

	buffers map[uint64][]byte

	completions []Completion
}

// Completion is one recorded Complete call.
type Completion struct {
	SRBHandle  uint64
	Status     scsi.Completion
	DataLength uint32
}

// NewLoopback returns a Loopback bound to dev with no pending buffers.
func NewLoopback(dev *engine.Device) *Loopback {
	return &Loopback{Device: dev, buffers: make(map[uint64][]byte)}
}

// SubmitCDB decodes CDB bytes, allocates (or reuses) the data buffer for
// srbHandle via GetDataBuffer, and submits it to the bound device. For
// writes, payload must already be populated by the caller before this is
// called; for reads, the buffer is zero-valued until the back end fills
// it and Complete fires.
func (l *Loopback) SubmitCDB(cdbBytes []byte, srbHandle uint64, payload []byte) {
	cdb := scsi.CDB(cdbBytes)
	var length uint32
	if blocks, err := cdb.TransferLength(); err == nil {
		length = blocks * l.Device.Properties.BlockSize
	}
	buf := l.GetDataBuffer(srbHandle, length)
	if payload != nil {
		copy(buf, payload)
	}
	l.Submit(cdb, srbHandle, buf)
}

// Submit implements Front.
func (l *Loopback) Submit(cdb scsi.CDB, srbHandle uint64, dataBuffer []byte) {
	l.Device.Submit(cdb, srbHandle, dataBuffer, l.Complete)
}

// Complete implements Front, recording the completion for test assertions.
func (l *Loopback) Complete(srbHandle uint64, status scsi.Completion, dataLength uint32) {
	l.completions = append(l.completions, Completion{SRBHandle: srbHandle, Status: status, DataLength: dataLength})
}

// GetDataBuffer implements Front, lazily allocating a buffer sized to at
// least length bytes per srbHandle and reusing it across retries.
func (l *Loopback) GetDataBuffer(srbHandle uint64, length uint32) []byte {
	if buf, ok := l.buffers[srbHandle]; ok && uint32(len(buf)) >= length {
		return buf
	}
	buf := make([]byte, length)
	l.buffers[srbHandle] = buf
	return buf
}

// Abort implements Front.
func (l *Loopback) Abort(srbHandle uint64) {
	l.Device.Abort(srbHandle)
}

// Completions returns every completion recorded so far, in call order.
func (l *Loopback) Completions() []Completion {
	return l.completions
}

// LastCompletion returns the most recent completion, or the zero value
// and false if none has arrived yet.
func (l *Loopback) LastCompletion() (Completion, bool) {
	if len(l.completions) == 0 {
		return Completion{}, false
	}
	return l.completions[len(l.completions)-1], true
}
