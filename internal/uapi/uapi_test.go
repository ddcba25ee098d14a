package uapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeConnectionInfoRoundTrip(t *testing.T) {
	w := ConnectionInfoWire{
		ConnectionID:    1<<24 | 2<<16 | 3<<8,
		Bus:             2,
		Target:          3,
		Lun:             0,
		InstanceName:    EncodeName("disk1"),
		BlockSize:       512,
		BlockCount:      2048,
		Flags:           FlagFlushSupported | FlagUseNBD,
		NegotiatedSize:  1 << 20,
		NegotiatedFlags: 0x3,
		Connected:       1,
	}

	buf := EncodeConnectionInfo(w)
	require.Len(t, buf, ConnectionInfoSize)

	got, err := DecodeConnectionInfo(buf)
	require.NoError(t, err)
	require.Equal(t, w.ConnectionID, got.ConnectionID)
	require.Equal(t, w.Bus, got.Bus)
	require.Equal(t, w.Target, got.Target)
	require.Equal(t, "disk1", DecodeName(got.InstanceName))
	require.Equal(t, w.BlockSize, got.BlockSize)
	require.Equal(t, w.BlockCount, got.BlockCount)
	require.Equal(t, w.Flags, got.Flags)
	require.Equal(t, w.NegotiatedSize, got.NegotiatedSize)
	require.Equal(t, w.Connected, got.Connected)
}

func TestEncodeNameForcesNullTermination(t *testing.T) {
	long := make([]byte, InstanceNameFieldLen+10)
	for i := range long {
		long[i] = 'a'
	}
	encoded := EncodeName(string(long))
	require.Equal(t, byte(0), encoded[InstanceNameFieldLen-1])
	decoded := DecodeName(encoded)
	require.Len(t, decoded, InstanceNameFieldLen-1)
}

func TestEncodeDecodeStatsRoundTrip(t *testing.T) {
	s := StatsWire{Received: 10, Submitted: 9, Replied: 8, Unsubmitted: 1,
		PendingSubmitted: 1, AbortedUnsubmitted: 2, AbortedSubmitted: 3,
		CompletedAborted: 1, Completed: 7}
	buf := EncodeStats(s)
	require.Len(t, buf, StatsWireSize)
	got, err := DecodeStats(buf)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestEncodeDecodeFetchRequestRoundTrip(t *testing.T) {
	f := FetchRequestWire{RequestType: 1, Handle: 42, LBA: 8, Blocks: 4, FUA: 1, PayloadLen: 2048}
	buf := EncodeFetchRequest(f)
	require.Len(t, buf, FetchRequestWireSize)
	got, err := DecodeFetchRequest(buf)
	require.NoError(t, err)
	require.Equal(t, f.RequestType, got.RequestType)
	require.Equal(t, f.Handle, got.Handle)
	require.Equal(t, f.LBA, got.LBA)
	require.Equal(t, f.Blocks, got.Blocks)
	require.Equal(t, f.FUA, got.FUA)
	require.Equal(t, f.PayloadLen, got.PayloadLen)
}

func TestBufferProbeRejectsOversizedLength(t *testing.T) {
	buf := NewBuffer(make([]byte, 128))
	require.NoError(t, buf.Probe(256))
	require.Error(t, buf.Probe(64))
}

func TestBufferLockUnlockNilSafe(t *testing.T) {
	var buf *Buffer
	buf.Lock()
	require.False(t, buf.Locked())
	buf.Unlock()
	require.Nil(t, buf.Bytes())
}
