package scsi

import "bytes"

// Inquiry vendor/product/revision strings are fixed constants.
const (
	VendorID   = "wnbd-go"
	ProductID  = "Virtual Disk"
	ProductRev = "0001"
)

// fixedString pads or truncates s to exactly length bytes, space-padded,
// the SPC convention for fixed-length Inquiry fields.
func fixedString(s string, length int) []byte {
	p := []byte(s)
	if len(p) >= length {
		return p[:length]
	}
	return append(p, bytes.Repeat([]byte{' '}, length-len(p))...)
}

// StandardInquiry builds the 36-byte standard Inquiry response.
func StandardInquiry() []byte {
	buf := make([]byte, 36)
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02 // response data format
	buf[4] = 31   // additional length
	buf[7] = 0x02 // CmdQue
	copy(buf[8:16], fixedString(VendorID, 8))
	copy(buf[16:32], fixedString(ProductID, 16))
	copy(buf[32:36], fixedString(ProductRev, 4))
	return buf
}

// SerialNumber returns the Inquiry VPD serial number: serialNumber if
// non-empty, else instanceName.
func SerialNumber(serialNumber, instanceName string) string {
	if serialNumber != "" {
		return serialNumber
	}
	return instanceName
}

// UnitSerialNumberVPD builds VPD page 0x80 (Unit Serial Number).
func UnitSerialNumberVPD(serial string) []byte {
	buf := make([]byte, 4+len(serial))
	buf[1] = 0x80
	buf[3] = byte(len(serial))
	copy(buf[4:], serial)
	return buf
}

// SupportedVPDPages builds VPD page 0x00 (Supported VPD Pages), advertising
// only 0x00 and 0x80.
func SupportedVPDPages() []byte {
	data := make([]byte, 6)
	data[3] = 2
	data[4] = 0x00
	data[5] = 0x80
	return data
}
