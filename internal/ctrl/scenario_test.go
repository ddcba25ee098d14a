package ctrl

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wnbd-go/wnbd/internal/engine"
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/scsi"
)

// TestGracefulTeardownUnderLoad drives 1000 reads through a user-space
// device and removes it (non-hard) before the responder has drained them
// all: every one of the 1000 completion callbacks must fire exactly once
// (a mix of Success and Aborted is fine), and the device must end up gone
// from every registry index.
func TestGracefulTeardownUnderLoad(t *testing.T) {
	c := newTestController(t)
	props := model.DeviceProperties{InstanceName: "busy", BlockSize: 512, BlockCount: 1 << 20}

	info, cErr := c.Create(props)
	require.Nil(t, cErr)

	entry, lErr := c.Registry.LookupByName("busy")
	require.Nil(t, lErr)
	dev, ok := entry.(*engine.Device)
	require.True(t, ok)

	const total = 1000
	var callCounts [total]atomic.Int32
	var remaining atomic.Int32
	remaining.Store(total)
	allDone := make(chan struct{})

	for i := 0; i < total; i++ {
		cdb := make(scsi.CDB, 10)
		cdb[0] = byte(scsi.OpRead10)
		cdb[2] = byte(i >> 24)
		cdb[3] = byte(i >> 16)
		cdb[4] = byte(i >> 8)
		cdb[5] = byte(i)
		cdb[8] = 1
		dev.Submit(cdb, uint64(i), make([]byte, 512), func(srb uint64, s scsi.Completion, n uint32) {
			callCounts[srb].Add(1)
			if remaining.Add(-1) == 0 {
				close(allDone)
			}
		})
	}
	entry.Release()

	// User-space responder: service fetches until the device disconnects
	// (or the registry refuses the lookup once rundown begins).
	go func() {
		buf := make([]byte, 512)
		data := make([]byte, 512)
		for {
			req, mErr := c.FetchRequest(info.ConnectionID, buf)
			if mErr != nil || req.Disconnect {
				return
			}
			if sErr := c.SendResponse(info.ConnectionID, req.Handle, scsi.StatusGood, nil, data); sErr != nil {
				return
			}
		}
	}()

	require.Nil(t, c.Remove("busy", false))

	select {
	case <-allDone:
	case <-time.After(10 * time.Second):
		t.Fatalf("only %d of %d completions arrived", total-int(remaining.Load()), total)
	}

	for i := range callCounts {
		require.EqualValues(t, 1, callCounts[i].Load(), "srb %d completed %d times", i, callCounts[i].Load())
	}

	require.Eventually(t, func() bool {
		return c.Registry.Len() == 0
	}, twoSeconds, tenMillis)

	_, mErr := c.Registry.LookupByName("busy")
	require.NotNil(t, mErr)
	_, mErr = c.Registry.LookupByConnID(info.ConnectionID)
	require.NotNil(t, mErr)
	_, mErr = c.Registry.LookupByAddress(info.Address)
	require.NotNil(t, mErr)
}
