package ctrl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wnbd-go/wnbd/internal/cleaner"
	"github.com/wnbd-go/wnbd/internal/config"
	"github.com/wnbd-go/wnbd/internal/engine"
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/registry"
	"github.com/wnbd-go/wnbd/internal/scsi"
	"github.com/wnbd-go/wnbd/internal/uapi"
)

const (
	twoSeconds = 2 * time.Second
	tenMillis  = 10 * time.Millisecond
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	cln := cleaner.New(reg, nil)
	go cln.Run()
	t.Cleanup(cln.Shutdown)

	cfg := config.New("")
	return New(reg, cln, cfg, nil, false)
}

func TestPingIsAlwaysNil(t *testing.T) {
	c := newTestController(t)
	require.Nil(t, c.Ping())
}

func TestVersionReturnsFixedBuildInfo(t *testing.T) {
	c := newTestController(t)
	v := c.Version()
	require.Equal(t, uint32(VersionMajor), v.Major)
	require.NotEmpty(t, v.Description)
}

func TestCreateThenDuplicateNameIsRejected(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}

	info, cErr := c.Create(props)
	require.Nil(t, cErr)
	require.Equal(t, "disk1", info.Properties.InstanceName)

	_, cErr = c.Create(props)
	require.NotNil(t, cErr)
	require.Equal(t, model.KindNameCollision, cErr.Kind)
}

func TestCreateRemoveLeavesRegistryEmpty(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}

	_, cErr := c.Create(props)
	require.Nil(t, cErr)
	require.Equal(t, 1, c.Registry.Len())

	rErr := c.Remove("disk1", true)
	require.Nil(t, rErr)

	require.Eventually(t, func() bool {
		return c.Registry.Len() == 0
	}, twoSeconds, tenMillis)
}

func TestRemoveUnknownDeviceReturnsNotFound(t *testing.T) {
	c := newTestController(t)
	err := c.Remove("ghost", true)
	require.NotNil(t, err)
	require.Equal(t, model.KindNotFound, err.Kind)
}

func TestDoubleRemoveSecondCallNotFound(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}
	_, cErr := c.Create(props)
	require.Nil(t, cErr)

	require.Nil(t, c.Remove("disk1", true))
	require.Eventually(t, func() bool {
		return c.Registry.Len() == 0
	}, twoSeconds, tenMillis)

	err := c.Remove("disk1", true)
	require.NotNil(t, err)
	require.Equal(t, model.KindNotFound, err.Kind)
}

func TestListReportsRequiredSizeOnOverflow(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}
	_, cErr := c.Create(props)
	require.Nil(t, cErr)

	_, required, lErr := c.List(0)
	require.NotNil(t, lErr)
	require.Equal(t, model.KindBufferOverflow, lErr.Kind)
	require.Equal(t, uapi.ListHeaderSize+uapi.ConnectionInfoSize, required)

	infos, gotRequired, lErr := c.List(required)
	require.Nil(t, lErr)
	require.Equal(t, required, gotRequired)
	require.Len(t, infos, 1)
}

func TestStatsNotFoundAndBufferOverflow(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}
	_, cErr := c.Create(props)
	require.Nil(t, cErr)

	_, sErr := c.Stats("ghost", uapi.StatsWireSize)
	require.NotNil(t, sErr)
	require.Equal(t, model.KindNotFound, sErr.Kind)

	_, sErr = c.Stats("disk1", 0)
	require.NotNil(t, sErr)
	require.Equal(t, model.KindBufferOverflow, sErr.Kind)

	snap, sErr := c.Stats("disk1", uapi.StatsWireSize)
	require.Nil(t, sErr)
	require.Equal(t, int64(0), snap.Received)
}

func TestReloadConfigIsANoOpWithoutStore(t *testing.T) {
	c := New(nil, nil, nil, nil, false)
	require.Nil(t, c.ReloadConfig())
}

func TestDispatchPingVersionReloadConfig(t *testing.T) {
	c := newTestController(t)

	resp := c.Dispatch(Request{Code: uapi.CmdPing})
	require.Nil(t, resp.Err)

	resp = c.Dispatch(Request{Code: uapi.CmdVersion})
	require.Nil(t, resp.Err)
	require.Equal(t, uint32(VersionMajor), resp.Version.Major)

	resp = c.Dispatch(Request{Code: uapi.CmdReloadConfig})
	require.Nil(t, resp.Err)
}

func TestDispatchUnknownCommandCode(t *testing.T) {
	c := newTestController(t)
	resp := c.Dispatch(Request{Code: uapi.CommandCode(999)})
	require.NotNil(t, resp.Err)
	require.Equal(t, model.KindInvalidParameter, resp.Err.Kind)
}

func TestDispatchCreateThenRemove(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}

	resp := c.Dispatch(Request{Code: uapi.CmdCreate, Properties: props})
	require.Nil(t, resp.Err)
	require.Equal(t, "disk1", resp.ConnectionInfo.Properties.InstanceName)

	resp = c.Dispatch(Request{Code: uapi.CmdRemove, InstanceName: "disk1", Hard: true})
	require.Nil(t, resp.Err)

	require.Eventually(t, func() bool {
		return c.Registry.Len() == 0
	}, twoSeconds, tenMillis)
}

// TestDispatchListEncodesWireRecords exercises the uapi wire layer end to
// end in production code: Dispatch fills the caller's Buffer, and this
// test decodes it back with uapi.DecodeConnectionInfo to check the round
// trip, the way a real control-plane caller on the other side of the
// boundary would.
func TestDispatchListEncodesWireRecords(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048, ReadOnly: true}
	_, cErr := c.Create(props)
	require.Nil(t, cErr)

	required := uapi.ListHeaderSize + uapi.ConnectionInfoSize
	raw := make([]byte, required)
	resp := c.Dispatch(Request{Code: uapi.CmdList, Buffer: uapi.NewBuffer(raw)})
	require.Nil(t, resp.Err)
	require.Equal(t, required, resp.RequiredSize)

	count := resp.Wire[0:4]
	require.EqualValues(t, 1, count[3])

	rec, derr := uapi.DecodeConnectionInfo(raw[uapi.ListHeaderSize:])
	require.NoError(t, derr)
	require.Equal(t, "disk1", uapi.DecodeName(rec.InstanceName))
	require.NotZero(t, rec.Flags&uapi.FlagReadOnly)
}

func TestDispatchListBufferTooSmallReportsRequiredSize(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}
	_, cErr := c.Create(props)
	require.Nil(t, cErr)

	resp := c.Dispatch(Request{Code: uapi.CmdList, Buffer: uapi.NewBuffer(nil)})
	require.NotNil(t, resp.Err)
	require.Equal(t, model.KindBufferOverflow, resp.Err.Kind)
	require.Equal(t, uapi.ListHeaderSize+uapi.ConnectionInfoSize, resp.RequiredSize)
}

func TestDispatchStatsEncodesWire(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}
	_, cErr := c.Create(props)
	require.Nil(t, cErr)

	raw := make([]byte, uapi.StatsWireSize)
	resp := c.Dispatch(Request{Code: uapi.CmdStats, InstanceName: "disk1", Buffer: uapi.NewBuffer(raw)})
	require.Nil(t, resp.Err)

	wire, derr := uapi.DecodeStats(raw)
	require.NoError(t, derr)
	require.Equal(t, int64(0), wire.Received)
	require.NotEmpty(t, resp.Wire)
}

// TestDispatchFetchAndSendResponseRoundTrip exercises FetchRequest and
// SendResponse through Dispatch, including decoding a raw
// SendResponseWire header the way a caller that only has on-wire bytes
// (rather than already-parsed Handle/ScsiStatus fields) would supply one.
func TestDispatchFetchAndSendResponseRoundTrip(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "disk1", BlockSize: 512, BlockCount: 2048}
	info, cErr := c.Create(props)
	require.Nil(t, cErr)

	done := make(chan struct{})
	entry, lErr := c.Registry.LookupByName("disk1")
	require.Nil(t, lErr)
	dev, ok := entry.(*engine.Device)
	require.True(t, ok)
	readCDB := make(scsi.CDB, 10)
	readCDB[0] = byte(scsi.OpRead10)
	readCDB[8] = 1
	dev.Submit(readCDB, 1, make([]byte, 512), func(uint64, scsi.Completion, uint32) {
		close(done)
	})
	entry.Release()

	payload := make([]byte, 512)
	fetchResp := c.Dispatch(Request{
		Code:         uapi.CmdFetchRequest,
		ConnectionID: info.ConnectionID,
		Buffer:       uapi.NewBuffer(payload),
	})
	require.Nil(t, fetchResp.Err)
	require.NotEmpty(t, fetchResp.Wire)

	wire, derr := uapi.DecodeFetchRequest(fetchResp.Wire)
	require.NoError(t, derr)

	hdr := uapi.EncodeSendResponse(uapi.SendResponseWire{Handle: wire.Handle, ScsiStatus: 0})
	sendResp := c.Dispatch(Request{
		Code:         uapi.CmdSendResponse,
		ConnectionID: info.ConnectionID,
		Wire:         hdr,
		Buffer:       uapi.NewBuffer(nil),
	})
	require.Nil(t, sendResp.Err)

	select {
	case <-done:
	case <-time.After(twoSeconds):
		t.Fatal("completion not invoked")
	}
}
