package scsi

// Status bytes (SAM status codes), mirrored from SPC-4 so the engine never
// needs to hardcode magic numbers at the call site.
const (
	StatusGood            byte = 0x00
	StatusCheckCondition   byte = 0x02
	StatusBusy             byte = 0x08
)

// Sense keys and additional sense codes used by the handful of conditions
// this module reports. Kept to the subset the error-kind-to-status
// mapping actually needs.
const (
	SenseNoSense        byte = 0x00
	SenseRecoveredError byte = 0x01
	SenseNotReady       byte = 0x02
	SenseMediumError    byte = 0x03
	SenseHardwareError  byte = 0x04
	SenseIllegalRequest byte = 0x05
	SenseAborted        byte = 0x0b

	ascInvalidCommandOpcode uint16 = 0x2000
	ascInvalidFieldInCDB    uint16 = 0x2400
	ascReadError            uint16 = 0x1100
	ascInternalTargetFailure uint16 = 0x4400
	ascLogicalUnitNotSupported uint16 = 0x2500
)

const senseBufferSize = 18

// BuildSense constructs an 18-byte fixed-format, current, sense buffer for
// the given sense key and additional sense code (ASC in the high byte,
// ASCQ in the low byte).
func BuildSense(key byte, asc uint16) []byte {
	buf := make([]byte, senseBufferSize)
	buf[0] = 0x70 // fixed, current
	buf[2] = key
	buf[7] = 0x0a
	buf[12] = byte(asc >> 8)
	buf[13] = byte(asc & 0xff)
	return buf
}

// NotHandledSense reports an unsupported command opcode.
func NotHandledSense() []byte {
	return BuildSense(SenseIllegalRequest, ascInvalidCommandOpcode)
}

// IllegalRequestSense reports a malformed or unexpected CDB field.
func IllegalRequestSense() []byte {
	return BuildSense(SenseIllegalRequest, ascInvalidFieldInCDB)
}

// MediumErrorSense reports a back-end read/write failure.
func MediumErrorSense() []byte {
	return BuildSense(SenseMediumError, ascReadError)
}

// TargetFailureSense reports an internal/hardware-class failure.
func TargetFailureSense() []byte {
	return BuildSense(SenseHardwareError, ascInternalTargetFailure)
}

// AbortedSense reports that the command was aborted by the SCSI front.
func AbortedSense() []byte {
	return BuildSense(SenseAborted, 0)
}

// NoDeviceSense reports that the addressed logical unit does not exist.
func NoDeviceSense() []byte {
	return BuildSense(SenseIllegalRequest, ascLogicalUnitNotSupported)
}
