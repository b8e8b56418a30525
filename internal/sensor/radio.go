package sensor

import (
	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/session"
)

// Radio is the BLE central the manager drives. Every request returns
// as soon as it is queued; its result arrives later on Events. Events of
// a link are stamped with the attempt passed to Connect, and Disconnect
// only closes the link of that attempt.
type Radio interface {
	Connect(address string, attempt uint64) error
	Disconnect(address string, attempt uint64) error
	DiscoverServices(address string) error
	DiscoverDetails(address string, svc uuid.UUID) error
	Read(address string, svc, ch uuid.UUID) error
	Write(address string, svc, ch uuid.UUID, data []byte, ack bool) error
	Subscribe(address string, svc, ch uuid.UUID) error

	Events() <-chan RadioEvent
	Advertisements() <-chan Advertisement
	Close() error
}

// RadioEvent is a link result addressed to one device
type RadioEvent struct {
	Address string
	Event   session.Event
}

// Advertisement is service data broadcast by a device
type Advertisement struct {
	Address string
	Service uuid.UUID
	Data    []byte
	RSSI    int16
}
