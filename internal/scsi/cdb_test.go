package scsi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCDBRead10(t *testing.T) {
	cdb := CDB{byte(OpRead10), 0, 0, 0, 0, 1, 0, 0, 1, 0}
	n, err := cdb.Len()
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, KindRead, cdb.Kind())

	lba, err := cdb.LBA()
	require.NoError(t, err)
	require.Equal(t, uint64(1), lba)

	xfer, err := cdb.TransferLength()
	require.NoError(t, err)
	require.Equal(t, uint32(1), xfer)
}

func TestCDBWrite6(t *testing.T) {
	cdb := CDB{byte(OpWrite6), 0, 0, 1, 4, 0}
	n, err := cdb.Len()
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, KindWrite, cdb.Kind())

	lba, err := cdb.LBA()
	require.NoError(t, err)
	require.Equal(t, uint64(1), lba)

	xfer, err := cdb.TransferLength()
	require.NoError(t, err)
	require.Equal(t, uint32(4), xfer)
}

func TestCDBRead6LBAAbove255(t *testing.T) {
	// LBA 0x1_2345 split as byte1 bits4-0=0x01, byte2=0x23, byte3=0x45.
	cdb := CDB{byte(OpRead6), 0x01, 0x23, 0x45, 1, 0}
	lba, err := cdb.LBA()
	require.NoError(t, err)
	require.Equal(t, uint64(0x012345), lba)
}

func TestCDBZeroTransferLength6IsReportedAs256(t *testing.T) {
	cdb := CDB{byte(OpRead6), 0, 0, 0, 0, 0}
	xfer, err := cdb.TransferLength()
	require.NoError(t, err)
	require.Equal(t, uint32(256), xfer)
}

func TestCDBFlushAndUnmap(t *testing.T) {
	sync16 := CDB(make([]byte, 16))
	sync16[0] = byte(OpSynchronizeCache16)
	require.Equal(t, KindFlush, sync16.Kind())

	unmap := CDB(make([]byte, 10))
	unmap[0] = byte(OpUnmap)
	require.Equal(t, KindUnmap, unmap.Kind())
}

func TestCDBInvalidOpcode(t *testing.T) {
	cdb := CDB{0xc5, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	require.Equal(t, KindInvalid, cdb.Kind())
}

func TestCDBFUA(t *testing.T) {
	cdb := CDB{byte(OpRead10), 0x08, 0, 0, 0, 0, 0, 0, 1, 0}
	fua, err := cdb.FUA()
	require.NoError(t, err)
	require.True(t, fua)
}

func TestStandardInquiryLayout(t *testing.T) {
	buf := StandardInquiry()
	require.Len(t, buf, 36)
	require.Equal(t, byte(31), buf[4])
}

func TestSerialNumberFallsBackToInstanceName(t *testing.T) {
	require.Equal(t, "disk1", SerialNumber("", "disk1"))
	require.Equal(t, "abc123", SerialNumber("abc123", "disk1"))
}
