// Package engine implements the per-device request engine:
// Pending/Submitted queue management, CDB-to-back-end translation, and
// SCSI completion, for both the NBD and user-space back ends.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wnbd-go/wnbd/internal/logging"
	"github.com/wnbd-go/wnbd/internal/metrics"
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/nbd"
	"github.com/wnbd-go/wnbd/internal/rundown"
	"github.com/wnbd-go/wnbd/internal/scsi"
)

// unixErrno and unixETIMEDOUT let the reply loop classify the NBD wire
// error field (a raw errno value per the NBD protocol) using the same
// errno constants the rest of the module uses for local syscalls.
type unixErrno = unix.Errno

const unixETIMEDOUT = unix.ETIMEDOUT

// State is the per-device lifecycle state, from creation through reap.
type State int32

const (
	StateCreating State = iota
	StateActive
	StateSoftTerminating
	StateHardTerminating
	StateLoopsExited
	StateRundownDrained
	StateQueuesDrained
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateSoftTerminating:
		return "soft_terminating"
	case StateHardTerminating:
		return "hard_terminating"
	case StateLoopsExited:
		return "loops_exited"
	case StateRundownDrained:
		return "rundown_drained"
	case StateQueuesDrained:
		return "queues_drained"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Device is one registered logical unit: its properties, queues, rundown
// guard, and (for NBD) its transport connection.
type Device struct {
	Properties model.DeviceProperties
	Addr       model.Address
	connID     uint32

	state atomic.Int32

	pending   elementQueue
	submitted elementQueue

	workSem   chan struct{} // capacity 1: "a work semaphore", coalesces wakeups
	terminate chan struct{}
	termOnce  sync.Once

	tagCounter atomic.Uint64

	// outstanding tracks live request elements (Pending plus Submitted plus
	// in-dispatch), bounded by Properties.MaxOutstandingIO.
	outstanding atomic.Int64

	stats model.Stats

	// readBuffer and writeBuffer are the preallocated per-device transfer
	// buffers, each sized max_transfer_length plus one NBD request header.
	// The reply loop stages read payloads in readBuffer before copying into
	// the SCSI data buffer; the request loop assembles header+payload frames
	// in writeBuffer so each request goes out as a single exact send.
	readBuffer  []byte
	writeBuffer []byte

	rd *rundown.Guard

	// nbdClient is non-nil only when Properties.UseNBD is true.
	nbdClient *nbd.Client

	logger *logging.Logger

	mu              sync.Mutex
	reportedMissing bool

	// loopsRemaining counts still-running loops (1, or 2 for NBD devices);
	// the loop that decrements it to 0 closes loopsDone. Avoids spawning a
	// goroutine per LoopsExited poll the way waiting on a sync.WaitGroup
	// without blocking would require.
	loopsRemaining atomic.Int32
	loopsDone      chan struct{}

	metricsRecorder *metrics.Recorder
}

// SetMetricsRecorder attaches the Prometheus mirror for this device's
// stats block. Optional; nil-safe if never called (tests and
// in-process-only devices don't need it).
func (d *Device) SetMetricsRecorder(r *metrics.Recorder) {
	d.metricsRecorder = r
}

// MetricsRecorder returns the attached recorder, or nil if none was set.
// Used by the cleaner to remove this device's label series on reap.
func (d *Device) MetricsRecorder() *metrics.Recorder {
	return d.metricsRecorder
}

// reportMetrics mirrors the current stats snapshot into the attached
// recorder, if any. Called at the points where a request's lifecycle
// state changes (submit, completion) rather than on every atomic
// increment, since the recorder always sets from a full snapshot.
func (d *Device) reportMetrics() {
	if d.metricsRecorder == nil {
		return
	}
	s := d.stats.Snapshot()
	d.metricsRecorder.Observe(metrics.Snapshot{
		Received:           s.Received,
		Submitted:          s.Submitted,
		Replied:            s.Replied,
		Unsubmitted:        s.Unsubmitted,
		PendingSubmitted:   s.PendingSubmitted,
		AbortedUnsubmitted: s.AbortedUnsubmitted,
		AbortedSubmitted:   s.AbortedSubmitted,
		CompletedAborted:   s.CompletedAborted,
		Completed:          s.Completed,
	})
}

// New builds a device in state Creating. The caller must call Start once
// the transport (if any) has been established.
func New(connID uint32, addr model.Address, props model.DeviceProperties, nbdClient *nbd.Client, logger *logging.Logger) *Device {
	if logger == nil {
		logger = logging.Default()
	}
	props = props.WithDefaults()
	bufSize := int(props.MaxTransferLength) + nbd.RequestHeaderSize
	d := &Device{
		Properties:  props,
		Addr:        addr,
		connID:      connID,
		workSem:     make(chan struct{}, 1),
		terminate:   make(chan struct{}),
		loopsDone:   make(chan struct{}),
		rd:          rundown.NewGuard(),
		nbdClient:   nbdClient,
		logger:      logger.WithDevice(connID),
		readBuffer:  make([]byte, bufSize),
		writeBuffer: make([]byte, bufSize),
	}
	d.state.Store(int32(StateCreating))
	return d
}

// Start transitions Creating → Active and launches the request loop (and,
// for NBD devices, the reply loop).
func (d *Device) Start() {
	d.state.Store(int32(StateActive))
	if d.Properties.UseNBD {
		d.loopsRemaining.Store(2)
	} else {
		d.loopsRemaining.Store(1)
	}
	go d.requestLoop()
	if d.Properties.UseNBD {
		go d.replyLoop()
	}
}

// loopExited decrements loopsRemaining and closes loopsDone once both
// loops (request, and reply for NBD devices) have returned.
func (d *Device) loopExited() {
	if d.loopsRemaining.Add(-1) == 0 {
		close(d.loopsDone)
	}
}

// --- registry.Entry implementation -----------------------------------

func (d *Device) Acquire() bool              { return d.rd.Acquire() }
func (d *Device) Release()                   { d.rd.Release() }
func (d *Device) ConnectionID() uint32       { return d.connID }
func (d *Device) Address() model.Address     { return d.Addr }
func (d *Device) InstanceName() string       { return d.Properties.InstanceName }
func (d *Device) State() State               { return State(d.state.Load()) }
func (d *Device) Stats() model.StatsSnapshot { return d.stats.Snapshot() }

// Info builds the ConnectionInfo summary used by Create/List.
func (d *Device) Info() model.ConnectionInfo {
	info := model.ConnectionInfo{
		ConnectionID: d.connID,
		Address:      d.Addr,
		Properties:   d.Properties,
		Connected:    d.State() == StateActive,
	}
	if d.nbdClient != nil {
		info.NegotiatedSize = d.nbdClient.Size
		info.NegotiatedFlags = d.nbdClient.Flags
	}
	return info
}

// wake signals the work semaphore without blocking if it's already
// signaled: the request loop only needs to know "there is more work",
// not how many times it was signaled.
func (d *Device) wake() {
	select {
	case d.workSem <- struct{}{}:
	default:
	}
}

// nextTag allocates a fresh monotonic tag; zero is never issued.
func (d *Device) nextTag() uint64 {
	return d.tagCounter.Add(1)
}

// markReportedMissing flags this device for the cleaner.
func (d *Device) markReportedMissing() {
	d.mu.Lock()
	d.reportedMissing = true
	d.mu.Unlock()
}

// ReportedMissing reports whether the cleaner should consider reaping
// this device.
func (d *Device) ReportedMissing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reportedMissing
}

// LoopsExited reports whether both loops have returned.
func (d *Device) LoopsExited() bool {
	select {
	case <-d.loopsDone:
		return true
	default:
		return false
	}
}

// RundownGuard exposes the device's rundown guard to the cleaner, which
// reads its reference count without taking a reference of its own.
func (d *Device) RundownGuard() *rundown.Guard { return d.rd }

// Submit builds a request element, pushes it on Pending, and signals
// the work semaphore. Called from the SCSI front,
// possibly on a high-priority context, so it must not block beyond the
// queue-push critical section.
func (d *Device) Submit(cdb scsi.CDB, srbHandle uint64, dataBuffer []byte, completion CompletionFunc) {
	if d.State() != StateActive {
		completion(srbHandle, scsi.ForKind(model.KindNoDevice), 0)
		return
	}

	// Inquiry and Test Unit Ready never reach the back end: the device
	// answers them in place from its own properties (fixed vendor/product/
	// revision constants, serial number falling back to instance_name).
	switch cdb.Opcode() {
	case scsi.OpInquiry, scsi.OpTestUnitReady:
		d.stats.Received.Add(1)
		n := d.answerLocal(cdb, dataBuffer)
		d.stats.Replied.Add(1)
		d.stats.Completed.Add(1)
		completion(srbHandle, scsi.Ok(), n)
		d.reportMetrics()
		return
	}

	op := cdb.Kind()
	var lba uint64
	var blocks uint32
	var fua bool
	if op == OpRead || op == OpWrite || op == OpUnmap {
		lba, _ = cdb.LBA()
		blocks, _ = cdb.TransferLength()
		fua, _ = cdb.FUA()
	}

	elem := &Element{
		Tag:        0, // assigned at back-end handoff, not here
		SRBHandle:  srbHandle,
		Op:         op,
		LBA:        lba,
		Blocks:     blocks,
		BlockSize:  d.Properties.BlockSize,
		FUA:        fua,
		Data:       dataBuffer,
		completion: completion,
	}

	d.stats.Received.Add(1)

	if (op == OpRead || op == OpWrite) &&
		(elem.DataLength() > d.Properties.MaxTransferLength ||
			uint32(len(dataBuffer)) < elem.DataLength()) {
		d.stats.Replied.Add(1)
		completion(srbHandle, scsi.ForKind(model.KindInvalidRequest), 0)
		d.reportMetrics()
		return
	}

	if d.outstanding.Add(1) > int64(d.Properties.MaxOutstandingIO) {
		d.outstanding.Add(-1)
		d.stats.Replied.Add(1)
		completion(srbHandle, scsi.Completion{Status: scsi.StatusBusy}, 0)
		d.reportMetrics()
		return
	}

	d.pending.PushBack(elem)
	d.stats.Unsubmitted.Add(1)
	d.wake()
	d.reportMetrics()
}

// answerLocal builds the Inquiry (standard or VPD) or Test Unit Ready
// response into buf and returns the response length.
func (d *Device) answerLocal(cdb scsi.CDB, buf []byte) uint32 {
	if cdb.Opcode() == scsi.OpTestUnitReady {
		return 0
	}
	var resp []byte
	if len(cdb) >= 3 && cdb[1]&0x01 != 0 { // EVPD
		switch cdb[2] {
		case 0x80:
			serial := scsi.SerialNumber(d.Properties.SerialNumber, d.Properties.InstanceName)
			resp = scsi.UnitSerialNumberVPD(serial)
		default:
			resp = scsi.SupportedVPDPages()
		}
	} else {
		resp = scsi.StandardInquiry()
	}
	return uint32(copy(buf, resp))
}

// opSupported checks elem's translated op against the device's capability
// flags; unsupported ops complete with InvalidRequest instead of reaching
// the back end.
func (d *Device) opSupported(op OpKind) bool {
	switch op {
	case OpRead:
		return true
	case OpWrite:
		return !d.Properties.ReadOnly
	case OpFlush:
		return d.Properties.FlushSupported
	case OpUnmap:
		return d.Properties.UnmapSupported
	default:
		return false
	}
}

// complete invokes the SCSI front completion callback exactly once for
// elem and updates the corresponding counters.
func (d *Device) complete(elem *Element, c scsi.Completion) {
	d.stats.Replied.Add(1)
	elem.completion(elem.SRBHandle, c, elem.DataLength())
	d.outstanding.Add(-1)
	d.reportMetrics()
}

// requestLoop pops Pending, translates, and hands off to the back end.
// For user-space devices, Pending is drained by FetchRequest calls
// instead (the fetch itself pops, tags, and moves the element to
// Submitted), so the loop only waits for teardown; draining here too
// would race the fetcher for elements the user-space process then never
// sees.
func (d *Device) requestLoop() {
	defer d.loopExited()
	if !d.Properties.UseNBD {
		<-d.terminate
		return
	}
	for {
		select {
		case <-d.terminate:
			return
		case <-d.workSem:
		}

		for {
			select {
			case <-d.terminate:
				return
			default:
			}

			elem := d.pending.PopFront()
			if elem == nil {
				break
			}
			d.stats.Unsubmitted.Add(-1)

			if !d.rd.Acquire() {
				// rundown initiated mid-drain: treat as aborted rather
				// than dispatching into a torn-down transport.
				d.stats.AbortedUnsubmitted.Add(1)
				d.complete(elem, scsi.ForKind(model.KindAborted))
				continue
			}

			if !d.opSupported(elem.Op) {
				d.complete(elem, scsi.ForKind(model.KindInvalidRequest))
				d.rd.Release()
				continue
			}

			elem.Tag = d.nextTag()
			d.dispatchNBD(elem)
		}
	}
}

// dispatchNBD sends elem's request frame (and payload, for writes) over
// the NBD socket.
func (d *Device) dispatchNBD(elem *Element) {
	defer d.rd.Release()

	req := nbd.Request{
		Magic:  nbd.RequestMagic,
		Type:   nbdCommandFor(elem.Op),
		Handle: elem.Tag,
		From:   elem.ByteOffset(),
		Length: elem.DataLength(),
	}

	// Assemble header plus write payload in the preallocated write buffer
	// so the frame goes out as one exact send.
	n := copy(d.writeBuffer, nbd.EncodeRequest(req))
	if elem.Op == OpWrite {
		n += copy(d.writeBuffer[n:], elem.Data[:elem.DataLength()])
	}

	if err := d.nbdClient.SendFrame(d.writeBuffer[:n]); err != nil {
		d.logger.WithError(err).Warn("nbd send failed, tearing down device")
		d.completeRemainingWithTimeout(elem)
		d.hardTerminateTransportLoss()
		return
	}

	d.submitted.PushBack(elem)
	d.stats.Submitted.Add(1)
	d.stats.PendingSubmitted.Add(1)
}

// completeRemainingWithTimeout completes elem, which failed to send,
// with Timeout, then drains Pending the same way: once the transport is
// gone nothing behind elem can be delivered either, and the device is
// about to be torn down.
func (d *Device) completeRemainingWithTimeout(elem *Element) {
	d.complete(elem, scsi.ForKind(model.KindTimeout))
	for _, e := range d.pending.DrainAll() {
		d.stats.Unsubmitted.Add(-1)
		d.complete(e, scsi.ForKind(model.KindTimeout))
	}
}

func nbdCommandFor(op OpKind) uint32 {
	switch op {
	case OpRead:
		return nbd.CmdRead
	case OpWrite:
		return nbd.CmdWrite
	case OpFlush:
		return nbd.CmdFlush
	case OpUnmap:
		return nbd.CmdTrim
	default:
		return nbd.CmdDisc
	}
}

// replyLoop reads reply frames off the NBD socket and matches them to
// Submitted elements by handle (NBD devices only).
func (d *Device) replyLoop() {
	defer d.loopExited()
	for {
		select {
		case <-d.terminate:
			return
		default:
		}

		reply, err := d.nbdClient.ReadReply()
		if err != nil {
			if nbd.IsConnectionClass(err) {
				d.logger.WithError(err).Warn("nbd connection lost")
				d.hardTerminateTransportLoss()
				return
			}
			select {
			case <-d.terminate:
				return
			default:
				continue
			}
		}

		elem := d.submitted.RemoveByTag(reply.Handle)
		if elem == nil {
			d.logger.Error("nbd reply with unknown handle, stream corrupt", "handle", reply.Handle)
			d.hardTerminateTransportLoss()
			return
		}
		d.stats.PendingSubmitted.Add(-1)

		if elem.Op == OpRead && reply.Error == 0 {
			// Stage the payload in the preallocated read buffer, then copy
			// into the SCSI data buffer. The stream must be drained even for
			// aborted elements, but their SCSI buffer is no longer ours to
			// write.
			staged := d.readBuffer[:elem.DataLength()]
			if err := d.nbdClient.ReadPayload(staged); err != nil {
				d.logger.WithError(err).Warn("nbd payload read failed")
				d.hardTerminateTransportLoss()
				return
			}
			if !elem.aborted {
				copy(elem.Data[:elem.DataLength()], staged)
			}
		}

		if elem.aborted {
			d.stats.CompletedAborted.Add(1)
			continue
		}

		if reply.Error != 0 {
			// Non-zero NBD errno: ETIMEDOUT maps to Timeout, everything
			// else is InternalError.
			kind := model.KindInternalError
			if unixErrno(reply.Error) == unixETIMEDOUT {
				kind = model.KindTimeout
			}
			d.complete(elem, scsi.ForKind(kind))
			continue
		}
		d.complete(elem, scsi.Ok())
		d.stats.Completed.Add(1)
	}
}

// HardTerminate latches terminate. Used for SCSI-front-initiated
// teardown (Remove, shutdown): outstanding
// Submitted work completes Aborted. Safe to call more than once and from
// any goroutine.
func (d *Device) HardTerminate() {
	d.hardTerminate(model.KindAborted)
}

// hardTerminateTransportLoss is HardTerminate's counterpart for back-end
// transport failures (connection loss, unknown reply handle, payload read
// failure): outstanding Submitted work completes Timeout rather than
// Aborted, since from the SCSI front's point of view the back end stopped
// responding; nobody cancelled anything.
func (d *Device) hardTerminateTransportLoss() {
	d.hardTerminate(model.KindTimeout)
}

func (d *Device) hardTerminate(submittedKind model.ErrorKind) {
	d.termOnce.Do(func() {
		d.state.Store(int32(StateHardTerminating))
		close(d.terminate)
		d.rd.InitiateRundown()
	})
	d.abortAll(submittedKind)
}

// SoftTerminate refuses new submissions but lets in-flight I/O drain.
func (d *Device) SoftTerminate() {
	d.state.CompareAndSwap(int32(StateActive), int32(StateSoftTerminating))
}

// abortAll applies the Abort/Reset-LUN rule across the whole device,
// used when tearing the device down outright (hard_terminate,
// Remove with hard=true, or graceful teardown once soft-terminating loops
// are asked to stop). Pending elements never reached the back end and are
// always completed Aborted; submittedKind lets the two HardTerminate
// callers distinguish Submitted completions: Aborted for SCSI-front/Remove
// teardown, Timeout for back-end transport failures.
func (d *Device) abortAll(submittedKind model.ErrorKind) {
	for _, e := range d.pending.DrainAll() {
		d.stats.Unsubmitted.Add(-1)
		d.stats.AbortedUnsubmitted.Add(1)
		d.complete(e, scsi.ForKind(model.KindAborted))
	}
	for _, e := range d.submitted.MarkAborted() {
		d.stats.AbortedSubmitted.Add(1)
		d.complete(e, scsi.ForKind(submittedKind))
	}
	d.wake()
}

// Abort cancels a single in-flight request addressed by the SCSI front's
// srbHandle. Pending elements are
// completed with Aborted and removed; Submitted elements are marked
// aborted (completed once) but left in place until the back end's late
// reply discards them.
func (d *Device) Abort(srbHandle uint64) {
	if e := d.pending.RemoveBySRBHandle(srbHandle); e != nil {
		d.stats.Unsubmitted.Add(-1)
		d.stats.AbortedUnsubmitted.Add(1)
		d.complete(e, scsi.ForKind(model.KindAborted))
		d.wake()
		return
	}
	if e := d.submitted.MarkAbortedBySRBHandle(srbHandle); e != nil {
		d.stats.AbortedSubmitted.Add(1)
		d.complete(e, scsi.ForKind(model.KindAborted))
		d.wake()
	}
}

// WaitLoopsExited blocks until both loops have returned, then advances
// the state to LoopsExited.
func (d *Device) WaitLoopsExited() {
	<-d.loopsDone
	d.state.Store(int32(StateLoopsExited))
}

// WaitQueuesDrainedOrTimeout polls until both queues are empty or timeout
// elapses, whichever comes first. Used by a soft (graceful) Remove: once
// SoftTerminate has refused new submissions, the only remaining work is
// whatever was already queued; once it drains, or the bound elapses, the
// control plane escalates to HardTerminate to actually stop the loops.
func (d *Device) WaitQueuesDrainedOrTimeout(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.pending.Len() == 0 && d.submitted.Len() == 0 {
			return
		}
		select {
		case <-d.terminate:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// FinishTeardown advances through RundownDrained/QueuesDrained once the
// rundown guard has drained, draining any queue contents left behind as a
// final safety net (ordinarily abortAll has already emptied them).
func (d *Device) FinishTeardown() {
	d.rd.WaitForRundown()
	d.state.Store(int32(StateRundownDrained))
	d.abortAll(model.KindAborted)
	d.state.Store(int32(StateQueuesDrained))
	d.markReportedMissing()
	if d.nbdClient != nil {
		_ = d.nbdClient.Close()
	}
}

// MarkReaped is called by the cleaner once it has removed the device from
// the registry and released its resources; no other component transitions
// a device to Reaped.
func (d *Device) MarkReaped() {
	d.state.Store(int32(StateReaped))
}
