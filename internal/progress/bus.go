package progress

import (
	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/eventbus"
)

// BusObserver republishes snapshots on the in-process event bus as
// eventbus.TypeProgress events. The HTTP event stream subscribes to them.
type BusObserver struct {
	bus eventbus.Bus
}

func NewBusObserver(bus eventbus.Bus) *BusObserver { return &BusObserver{bus: bus} }

func (o *BusObserver) Observe(s broadcast.Snapshot) {
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeProgress, Time: s.At, Data: s})
}
