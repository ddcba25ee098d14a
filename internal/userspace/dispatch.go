// Package userspace implements the fetch-request / send-response control
// operations: the two calls a user-space back-end process uses in place
// of the NBD socket, addressed by connection_id rather than by holding a
// direct device reference.
package userspace

import (
	"github.com/wnbd-go/wnbd/internal/engine"
	"github.com/wnbd-go/wnbd/internal/model"
	"github.com/wnbd-go/wnbd/internal/registry"
	"github.com/wnbd-go/wnbd/internal/scsi"
)

// Dispatcher resolves connection_id to a live *engine.Device and forwards
// fetch-request/send-response, releasing the rundown reference the
// registry lookup acquired.
type Dispatcher struct {
	Registry *registry.Registry
}

// FetchRequest implements the control-plane FetchRequest command.
func (d *Dispatcher) FetchRequest(connID uint32, buf []byte) (engine.FetchedRequest, *model.Error) {
	dev, err := d.lookup("FetchRequest", connID)
	if err != nil {
		return engine.FetchedRequest{}, err
	}
	defer dev.Release()
	return dev.FetchRequest(buf)
}

// SendResponse implements the control-plane SendResponse command.
func (d *Dispatcher) SendResponse(connID uint32, handle uint64, scsiStatus byte, sense []byte, responseData []byte) *model.Error {
	dev, err := d.lookup("SendResponse", connID)
	if err != nil {
		return err
	}
	defer dev.Release()
	return dev.SendResponse(handle, scsi.Completion{Status: scsiStatus, Sense: sense}, responseData)
}

func (d *Dispatcher) lookup(op string, connID uint32) (*engine.Device, *model.Error) {
	entry, mErr := d.Registry.LookupByConnID(connID)
	if mErr != nil {
		return nil, model.New(op, model.KindInvalidHandle, "unknown connection_id")
	}
	dev, ok := entry.(*engine.Device)
	if !ok {
		entry.Release()
		return nil, model.New(op, model.KindInvalidHandle, "connection_id does not name an engine device")
	}
	return dev, nil
}
