package uapi

import "fmt"

// Buffer is the pointer+length descriptor for every variable-length
// argument crossing the control-plane boundary. A kernel-resident
// control plane would probe and lock the caller's pages before use and
// unlock on all exit paths, including failure; there is no page boundary
// to pin here, but that sequencing (probe the length before touching the
// data, lock for the duration of use, unlock on every exit path) is
// still the contract callers must follow, so it's modeled explicitly
// rather than silently dropped.
type Buffer struct {
	data   []byte
	locked bool
}

// NewBuffer wraps a caller-supplied slice.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Probe validates the buffer's length against maxLen before any field
// of the underlying data is read.
func (b *Buffer) Probe(maxLen int) error {
	if b == nil {
		return nil
	}
	if len(b.data) > maxLen {
		return fmt.Errorf("uapi: buffer length %d exceeds max %d", len(b.data), maxLen)
	}
	return nil
}

// Lock marks the buffer in use. Callers must pair every Lock with an
// Unlock, typically via defer, on every exit path.
func (b *Buffer) Lock() {
	if b != nil {
		b.locked = true
	}
}

// Unlock releases the buffer.
func (b *Buffer) Unlock() {
	if b != nil {
		b.locked = false
	}
}

// Locked reports whether the buffer is currently locked, for assertions
// in tests that exercise the lock/unlock discipline.
func (b *Buffer) Locked() bool {
	return b != nil && b.locked
}

// Bytes returns the underlying slice. Callers should only call this
// between Lock and Unlock.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len reports the buffer's length, or 0 for a nil buffer.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}
