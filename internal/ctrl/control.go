// Package ctrl implements the control-plane command surface: a single
// entry point that validates, then routes, each of
// Ping/Create/Remove/List/Stats/FetchRequest/SendResponse/ReloadConfig/
// Version to the registry and per-device engines. Dispatch, near the
// bottom of this file, is the command table, keyed by uapi.CommandCode
// and marshaling through internal/uapi's wire structs and Buffer type;
// the typed methods above it are what the table calls into and what any
// in-process Go caller (cmd/wnbdctl, tests) uses directly.
package ctrl

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wnbd-go/wnbd/internal/cleaner"
	"github.com/wnbd-go/wnbd/internal/config"
	"github.com/wnbd-go/wnbd/internal/engine"
	"github.com/wnbd-go/wnbd/internal/logging"
	"github.com/wnbd-go/wnbd/internal/metrics"
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/nbd"
	"github.com/wnbd-go/wnbd/internal/registry"
	"github.com/wnbd-go/wnbd/internal/uapi"
	"github.com/wnbd-go/wnbd/internal/userspace"
)

// Version is this build's Version command response.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
	VersionDescription = "wnbd-go virtual SCSI block device adapter"
)

// softRemoveDrainBound caps how long a graceful Remove waits for
// in-flight I/O to drain before hard termination escalates.
const softRemoveDrainBound = 120 * time.Second

// Controller is the adapter singleton: the registry, the cleaner, the
// config store, and the userspace fetch/send dispatcher all hang off of
// it, so process-wide state is addressed through explicit context
// passing instead of package-level globals.
type Controller struct {
	Registry   *registry.Registry
	Cleaner    *cleaner.Cleaner
	Config     *config.Store
	Dispatcher *userspace.Dispatcher
	logger     *logging.Logger

	// metricsEnabled controls whether newly created devices get a
	// Prometheus recorder attached.
	metricsEnabled bool
}

// New builds a Controller over reg/cln/cfg. logger may be nil to use the
// package default.
func New(reg *registry.Registry, cln *cleaner.Cleaner, cfg *config.Store, logger *logging.Logger, metricsEnabled bool) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		Registry:       reg,
		Cleaner:        cln,
		Config:         cfg,
		Dispatcher:     &userspace.Dispatcher{Registry: reg},
		logger:         logger,
		metricsEnabled: metricsEnabled,
	}
}

// Ping is a no-op liveness check.
func (c *Controller) Ping() *model.Error { return nil }

// VersionInfo is the Version command's response.
type VersionInfo struct {
	Major       uint32
	Minor       uint32
	Patch       uint32
	Description string
}

// Version returns the fixed build version.
func (c *Controller) Version() VersionInfo {
	return VersionInfo{Major: VersionMajor, Minor: VersionMinor, Patch: VersionPatch, Description: VersionDescription}
}

// ReloadConfig re-reads the log level from the external config store.
func (c *Controller) ReloadConfig() *model.Error {
	if c.Config != nil {
		c.Config.Reload()
	}
	return nil
}

// Create validates props, assigns an address, optionally dials the NBD
// back end, starts the device's loops, and inserts it into the registry.
// Any failure after address assignment rolls back every side effect
// already performed.
func (c *Controller) Create(props model.DeviceProperties) (model.ConnectionInfo, *model.Error) {
	props = props.WithDefaults()
	props.InstanceName = props.TruncatedName()

	if verr := props.Validate(); verr != nil {
		return model.ConnectionInfo{}, verr
	}

	addr, aerr := c.Registry.AssignAddress()
	if aerr != nil {
		return model.ConnectionInfo{}, aerr
	}

	var nbdClient *nbd.Client
	if props.UseNBD {
		client, err := nbd.Dial(props.Hostname, props.Port, props.SkipNegotiation, props.NBDSize, props.NBDFlags)
		if err != nil {
			c.Registry.ReleaseAddress(addr)
			if merr, ok := err.(*model.Error); ok {
				return model.ConnectionInfo{}, merr
			}
			return model.ConnectionInfo{}, model.NewDevice("Create", props.InstanceName, model.KindConnectionRefused, err.Error())
		}
		nbdClient = client
	}

	connID := addr.ConnectionID()
	dev := engine.New(connID, addr, props, nbdClient, c.logger)
	if c.metricsEnabled {
		dev.SetMetricsRecorder(metrics.NewRecorder(props.InstanceName))
	}

	if ierr := c.Registry.Insert(dev); ierr != nil {
		c.Registry.ReleaseAddress(addr)
		if nbdClient != nil {
			_ = nbdClient.Close()
		}
		return model.ConnectionInfo{}, ierr
	}

	dev.Start()
	c.logger.Info("create: device started", "instance_name", props.InstanceName, "connection_id", connID, "use_nbd", props.UseNBD)
	return dev.Info(), nil
}

// Remove marks instanceName for teardown (soft or hard) and
// asynchronously drives it through HardTerminating → LoopsExited →
// RundownDrained → QueuesDrained, after which the cleaner reaps it.
// Remove itself returns as soon as the device is found and marked, per
// the Open Question decision in DESIGN.md (no ambiguous intermediate
// status).
func (c *Controller) Remove(instanceName string, hard bool) *model.Error {
	entry, lerr := c.Registry.LookupByName(instanceName)
	if lerr != nil {
		return lerr
	}
	dev, ok := entry.(*engine.Device)
	if !ok {
		entry.Release()
		return model.NewDevice("Remove", instanceName, model.KindNotFound, "registry entry is not a device")
	}
	defer entry.Release()

	dev.SoftTerminate()
	go c.teardown(dev, hard)
	return nil
}

func (c *Controller) teardown(dev *engine.Device, hard bool) {
	if hard {
		dev.HardTerminate()
	} else {
		dev.WaitQueuesDrainedOrTimeout(softRemoveDrainBound)
		dev.HardTerminate()
	}
	dev.WaitLoopsExited()
	dev.FinishTeardown()
	if c.Cleaner != nil {
		c.Cleaner.Notify()
	}
}

// List returns a snapshot of every registered device. The caller supplies
// the capacity (in bytes) of its output buffer; if it's too small, List
// returns BufferOverflow along with the required size.
func (c *Controller) List(capacityBytes int) ([]model.ConnectionInfo, int, *model.Error) {
	infos := c.Registry.Snapshot()
	required := uapi.ListHeaderSize + len(infos)*uapi.ConnectionInfoSize
	if capacityBytes < required {
		return nil, required, model.New("List", model.KindBufferOverflow, "output buffer too small")
	}
	return infos, required, nil
}

// Stats returns the named device's stats snapshot.
func (c *Controller) Stats(instanceName string, capacityBytes int) (model.StatsSnapshot, *model.Error) {
	if capacityBytes < uapi.StatsWireSize {
		return model.StatsSnapshot{}, model.New("Stats", model.KindBufferOverflow, "output buffer too small")
	}
	entry, lerr := c.Registry.LookupByName(instanceName)
	if lerr != nil {
		return model.StatsSnapshot{}, lerr
	}
	defer entry.Release()
	dev, ok := entry.(*engine.Device)
	if !ok {
		return model.StatsSnapshot{}, model.NewDevice("Stats", instanceName, model.KindNotFound, "registry entry is not a device")
	}
	return dev.Stats(), nil
}

// FetchRequest forwards to the userspace dispatcher.
func (c *Controller) FetchRequest(connID uint32, buf []byte) (engine.FetchedRequest, *model.Error) {
	return c.Dispatcher.FetchRequest(connID, buf)
}

// SendResponse forwards to the userspace dispatcher.
func (c *Controller) SendResponse(connID uint32, handle uint64, scsiStatus byte, sense []byte, responseData []byte) *model.Error {
	return c.Dispatcher.SendResponse(connID, handle, scsiStatus, sense, responseData)
}

// Request is the tagged command Dispatch decodes and routes. Exactly one
// group of fields is meaningful, selected by Code. Buffer carries every
// variable-length argument (List's and Stats' output buffers,
// FetchRequest's and SendResponse's payload buffers). FetchRequest's and
// SendResponse's buffers are probed and then locked for the call's
// duration; List's and Stats' buffers are length-checked and locked while
// they are written, without a probe.
type Request struct {
	Code uapi.CommandCode

	Properties   model.DeviceProperties // Create
	InstanceName string                 // Remove, Stats
	Hard         bool                   // Remove

	Buffer *uapi.Buffer

	ConnectionID uint32 // FetchRequest, SendResponse
	Handle       uint64 // SendResponse
	ScsiStatus   byte   // SendResponse
	Sense        []byte // SendResponse

	// Wire, when set, is a raw SendResponseWire header that overrides
	// Handle/ScsiStatus once decoded, for a caller that only has the
	// on-wire control message rather than already-parsed Go fields.
	Wire []byte
}

// Response is Dispatch's uniform result. Err is nil on success.
type Response struct {
	Err *model.Error

	ConnectionInfo model.ConnectionInfo
	RequiredSize   int
	Stats          model.StatsSnapshot
	FetchedRequest engine.FetchedRequest
	Version        VersionInfo

	// Wire is the on-wire encoding of whichever typed result the command
	// produced (ConnectionInfoWire records for List, StatsWire for Stats,
	// FetchRequestWire for FetchRequest): the same bytes a real ioctl
	// completion would hand back across the boundary.
	Wire []byte
}

type handlerFunc func(*Controller, Request) Response

var dispatchTable = map[uapi.CommandCode]handlerFunc{
	uapi.CmdPing:         dispatchPing,
	uapi.CmdCreate:       dispatchCreate,
	uapi.CmdRemove:       dispatchRemove,
	uapi.CmdList:         dispatchList,
	uapi.CmdStats:        dispatchStats,
	uapi.CmdFetchRequest: dispatchFetchRequest,
	uapi.CmdSendResponse: dispatchSendResponse,
	uapi.CmdReloadConfig: dispatchReloadConfig,
	uapi.CmdVersion:      dispatchVersion,
}

// Dispatch is the control plane's single entry point: route req by its
// CommandCode through the table above to the handler that parses its
// arguments and calls the matching typed method.
func (c *Controller) Dispatch(req Request) Response {
	handler, ok := dispatchTable[req.Code]
	if !ok {
		return Response{Err: model.New("Dispatch", model.KindInvalidParameter, fmt.Sprintf("unknown command code %d", uint32(req.Code)))}
	}
	return handler(c, req)
}

func dispatchPing(c *Controller, _ Request) Response {
	return Response{Err: c.Ping()}
}

func dispatchVersion(c *Controller, _ Request) Response {
	return Response{Version: c.Version()}
}

func dispatchReloadConfig(c *Controller, _ Request) Response {
	return Response{Err: c.ReloadConfig()}
}

func dispatchCreate(c *Controller, req Request) Response {
	info, err := c.Create(req.Properties)
	return Response{Err: err, ConnectionInfo: info}
}

func dispatchRemove(c *Controller, req Request) Response {
	return Response{Err: c.Remove(req.InstanceName, req.Hard)}
}

// dispatchList fills req.Buffer with a ListHeaderSize header plus one
// ConnectionInfoWire record per device.
func dispatchList(c *Controller, req Request) Response {
	infos, required, err := c.List(req.Buffer.Len())
	if err != nil {
		return Response{Err: err, RequiredSize: required}
	}
	req.Buffer.Lock()
	defer req.Buffer.Unlock()
	wire := make([]byte, uapi.ListHeaderSize, required)
	binary.BigEndian.PutUint32(wire[0:4], uint32(len(infos)))
	for _, info := range infos {
		wire = append(wire, uapi.EncodeConnectionInfo(connectionInfoToWire(info))...)
	}
	copy(req.Buffer.Bytes(), wire)
	return Response{RequiredSize: required, Wire: wire}
}

func dispatchStats(c *Controller, req Request) Response {
	stats, err := c.Stats(req.InstanceName, req.Buffer.Len())
	if err != nil {
		return Response{Err: err}
	}
	req.Buffer.Lock()
	defer req.Buffer.Unlock()
	wire := uapi.EncodeStats(statsToWire(stats))
	copy(req.Buffer.Bytes(), wire)
	return Response{Stats: stats, Wire: wire}
}

func dispatchFetchRequest(c *Controller, req Request) Response {
	if err := req.Buffer.Probe(model.HardMaxTransferLength); err != nil {
		return Response{Err: model.New("FetchRequest", model.KindInvalidParameter, err.Error())}
	}
	req.Buffer.Lock()
	defer req.Buffer.Unlock()
	fr, err := c.FetchRequest(req.ConnectionID, req.Buffer.Bytes())
	if err != nil {
		return Response{Err: err}
	}
	return Response{FetchedRequest: fr, Wire: uapi.EncodeFetchRequest(fetchedRequestToWire(fr))}
}

func dispatchSendResponse(c *Controller, req Request) Response {
	if err := req.Buffer.Probe(model.HardMaxTransferLength); err != nil {
		return Response{Err: model.New("SendResponse", model.KindInvalidParameter, err.Error())}
	}
	handle, scsiStatus := req.Handle, req.ScsiStatus
	if req.Wire != nil {
		hdr, derr := uapi.DecodeSendResponse(req.Wire)
		if derr != nil {
			return Response{Err: model.New("SendResponse", model.KindInvalidParameter, derr.Error())}
		}
		handle, scsiStatus = hdr.Handle, hdr.ScsiStatus
	}
	req.Buffer.Lock()
	defer req.Buffer.Unlock()
	return Response{Err: c.SendResponse(req.ConnectionID, handle, scsiStatus, req.Sense, req.Buffer.Bytes())}
}

func connectionInfoToWire(info model.ConnectionInfo) uapi.ConnectionInfoWire {
	var flags uint32
	if info.Properties.ReadOnly {
		flags |= uapi.FlagReadOnly
	}
	if info.Properties.FlushSupported {
		flags |= uapi.FlagFlushSupported
	}
	if info.Properties.FUASupported {
		flags |= uapi.FlagFUASupported
	}
	if info.Properties.UnmapSupported {
		flags |= uapi.FlagUnmapSupported
	}
	if info.Properties.UnmapAnchorSupported {
		flags |= uapi.FlagUnmapAnchorSupported
	}
	if info.Properties.UseNBD {
		flags |= uapi.FlagUseNBD
	}
	var connected uint16
	if info.Connected {
		connected = 1
	}
	return uapi.ConnectionInfoWire{
		ConnectionID:    info.ConnectionID,
		Bus:             info.Address.Bus,
		Target:          info.Address.Target,
		Lun:             info.Address.Lun,
		InstanceName:    uapi.EncodeName(info.Properties.InstanceName),
		BlockSize:       info.Properties.BlockSize,
		BlockCount:      info.Properties.BlockCount,
		Flags:           flags,
		NegotiatedSize:  info.NegotiatedSize,
		NegotiatedFlags: info.NegotiatedFlags,
		Connected:       connected,
	}
}

func statsToWire(s model.StatsSnapshot) uapi.StatsWire {
	return uapi.StatsWire{
		Received:           s.Received,
		Submitted:          s.Submitted,
		Replied:            s.Replied,
		Unsubmitted:        s.Unsubmitted,
		PendingSubmitted:   s.PendingSubmitted,
		AbortedUnsubmitted: s.AbortedUnsubmitted,
		AbortedSubmitted:   s.AbortedSubmitted,
		CompletedAborted:   s.CompletedAborted,
		Completed:          s.Completed,
	}
}

func fetchedRequestToWire(fr engine.FetchedRequest) uapi.FetchRequestWire {
	var fua, disconnect uint8
	if fr.FUA {
		fua = 1
	}
	if fr.Disconnect {
		disconnect = 1
	}
	return uapi.FetchRequestWire{
		RequestType: uint32(fr.RequestType),
		Handle:      fr.Handle,
		LBA:         fr.LBA,
		Blocks:      fr.Blocks,
		FUA:         fua,
		Disconnect:  disconnect,
		PayloadLen:  fr.PayloadLen,
	}
}
