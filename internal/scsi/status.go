package scsi

import "github.com/wnbd-go/wnbd/internal/model"

// Completion is what the engine hands back to the SCSI front: a status
// byte plus, for non-Success completions, a sense buffer.
type Completion struct {
	Status byte
	Sense  []byte
}

// Ok is the common-case completion for a command that succeeded.
func Ok() Completion {
	return Completion{Status: StatusGood}
}

// ForKind maps an error kind to the host SCSI status: check condition
// with a sense buffer naming the failure class, Success aside.
func ForKind(kind model.ErrorKind) Completion {
	switch kind {
	case model.KindAborted:
		return Completion{Status: StatusCheckCondition, Sense: AbortedSense()}
	case model.KindTimeout:
		return Completion{Status: StatusCheckCondition, Sense: MediumErrorSense()}
	case model.KindInvalidRequest:
		return Completion{Status: StatusCheckCondition, Sense: NotHandledSense()}
	case model.KindInvalidParameter:
		return Completion{Status: StatusCheckCondition, Sense: IllegalRequestSense()}
	case model.KindNoDevice:
		return Completion{Status: StatusCheckCondition, Sense: NoDeviceSense()}
	default:
		return Completion{Status: StatusCheckCondition, Sense: TargetFailureSense()}
	}
}
