package scsifront

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wnbd-go/wnbd/internal/engine"
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/scsi"
)

func newTestDevice(t *testing.T) *engine.Device {
	t.Helper()
	props := model.DeviceProperties{
		InstanceName: "disk1",
		BlockSize:    512,
		BlockCount:   2048,
	}.WithDefaults()
	d := engine.New(1, model.Address{}, props, nil, nil)
	d.Start()
	t.Cleanup(d.HardTerminate)
	return d
}

func writeCDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 10)
	cdb[0] = byte(scsi.OpWrite10)
	cdb[2] = byte(lba >> 24)
	cdb[3] = byte(lba >> 16)
	cdb[4] = byte(lba >> 8)
	cdb[5] = byte(lba)
	cdb[7] = byte(blocks >> 8)
	cdb[8] = byte(blocks)
	return cdb
}

func TestLoopbackSubmitThenFetchAndSendResponse(t *testing.T) {
	dev := newTestDevice(t)
	front := NewLoopback(dev)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x42
	}

	front.SubmitCDB(writeCDB(4, 1), 7, payload)

	req, mErr := dev.FetchRequest(make([]byte, 512))
	require.Nil(t, mErr)
	require.False(t, req.Disconnect)
	require.Equal(t, engine.OpWrite, req.RequestType)
	require.Equal(t, uint64(4), req.LBA)

	mErr = dev.SendResponse(req.Handle, scsi.Completion{Status: scsi.StatusGood}, nil)
	require.Nil(t, mErr)

	require.Eventually(t, func() bool {
		_, ok := front.LastCompletion()
		return ok
	}, time.Second, 5*time.Millisecond)

	c, ok := front.LastCompletion()
	require.True(t, ok)
	require.Equal(t, uint64(7), c.SRBHandle)
	require.Equal(t, scsi.StatusGood, c.Status.Status)
}

func TestLoopbackAbortCancelsPendingRequest(t *testing.T) {
	dev := newTestDevice(t)
	front := NewLoopback(dev)

	front.SubmitCDB(writeCDB(0, 1), 11, make([]byte, 512))
	front.Abort(11)

	require.Eventually(t, func() bool {
		c, ok := front.LastCompletion()
		return ok && c.SRBHandle == 11
	}, time.Second, 5*time.Millisecond)

	c, _ := front.LastCompletion()
	require.Equal(t, scsi.ForKind(model.KindAborted), c.Status)
}
