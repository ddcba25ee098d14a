package engine

import (
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/scsi"
)

// FetchedRequest is what fetch-request hands back to the user-space
// process.
type FetchedRequest struct {
	RequestType OpKind
	Handle      uint64
	LBA         uint64
	Blocks      uint32
	FUA         bool
	// PayloadLen is how many bytes of buf (from offset 0) hold the write
	// payload; zero for reads/flush/unmap.
	PayloadLen uint32
	// Disconnect is set when hard_terminate was observed instead of a
	// real request: the synthetic disconnect tells the user-space process
	// to stop fetching.
	Disconnect bool
}

// FetchRequest blocks until Pending has an entry or hard_terminate is
// latched. A write whose payload does not fit buf is put back at the head
// of Pending and BufferTooSmall is returned.
func (d *Device) FetchRequest(buf []byte) (FetchedRequest, *model.Error) {
	for {
		select {
		case <-d.terminate:
			return FetchedRequest{Disconnect: true}, nil
		case <-d.workSem:
		}

		elem := d.pending.PopFront()
		if elem == nil {
			// Spurious wake (e.g. another fetcher already took it);
			// go back to waiting.
			continue
		}

		// Wakeups coalesce on the capacity-1 semaphore, so re-arm it while
		// Pending still has entries: each fetch consumes one token but may
		// leave work behind for the next fetcher.
		if d.pending.Len() > 0 {
			d.wake()
		}

		if elem.Op == OpWrite && uint32(len(buf)) < elem.DataLength() {
			// The request is re-inserted at head so the caller can retry
			// with a larger buffer without losing its place in line.
			d.pending.PushFront(elem)
			d.wake()
			return FetchedRequest{}, model.New("FetchRequest", model.KindBufferTooSmall, "buffer too small for pending write payload")
		}

		d.stats.Unsubmitted.Add(-1)

		if !d.opSupported(elem.Op) {
			d.complete(elem, scsi.ForKind(model.KindInvalidRequest))
			continue
		}

		if !d.rd.Acquire() {
			d.stats.AbortedUnsubmitted.Add(1)
			d.complete(elem, scsi.ForKind(model.KindAborted))
			continue
		}

		elem.Tag = d.nextTag()

		var payloadLen uint32
		if elem.Op == OpWrite {
			payloadLen = elem.DataLength()
			copy(buf, elem.Data[:payloadLen])
		}

		d.submitted.PushBack(elem)
		d.stats.Submitted.Add(1)
		d.stats.PendingSubmitted.Add(1)
		d.rd.Release()

		return FetchedRequest{
			RequestType: elem.Op,
			Handle:      elem.Tag,
			LBA:         elem.LBA,
			Blocks:      elem.Blocks,
			FUA:         elem.FUA,
			PayloadLen:  payloadLen,
		}, nil
	}
}

// SendResponse finds the Submitted element by handle and completes it,
// unless it was already aborted, in which case the response is discarded
// silently.
func (d *Device) SendResponse(handle uint64, status scsi.Completion, responseData []byte) *model.Error {
	elem := d.submitted.RemoveByTag(handle)
	if elem == nil {
		return model.New("SendResponse", model.KindNotFound, "no submitted element for handle")
	}
	d.stats.PendingSubmitted.Add(-1)

	if elem.aborted {
		d.stats.CompletedAborted.Add(1)
		return nil
	}

	// For a read completion, the data flows from the caller-supplied
	// response buffer into the SCSI transfer buffer, never the other way.
	if elem.Op == OpRead && status.Status == scsi.StatusGood {
		copy(elem.Data[:elem.DataLength()], responseData)
	}

	d.complete(elem, status)
	if status.Status == scsi.StatusGood {
		d.stats.Completed.Add(1)
	}
	return nil
}
