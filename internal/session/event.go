package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/protocol"
)

// EventKind identifies a radio or timer event fed into a session
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLinkError
	EventServiceDiscovered
	EventDiscoveryFinished
	EventServiceDetailsDiscovered
	EventCharacteristicRead
	EventCharacteristicWritten
	EventDescriptorWritten
	EventCharacteristicChanged
	EventOperationFailed
	EventTimeout
	EventCancel
	EventHistoryCommitted
)

var eventNames = [...]string{
	EventConnected:                "connected",
	EventDisconnected:             "disconnected",
	EventLinkError:                "link_error",
	EventServiceDiscovered:        "service_discovered",
	EventDiscoveryFinished:        "discovery_finished",
	EventServiceDetailsDiscovered: "service_details_discovered",
	EventCharacteristicRead:       "characteristic_read",
	EventCharacteristicWritten:    "characteristic_written",
	EventDescriptorWritten:        "descriptor_written",
	EventCharacteristicChanged:    "characteristic_changed",
	EventOperationFailed:          "operation_failed",
	EventTimeout:                  "timeout",
	EventCancel:                   "cancel",
	EventHistoryCommitted:         "history_committed",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventNames[k]
}

// Event is an input to Session.Handle
type Event struct {
	Kind    EventKind
	Service uuid.UUID
	Char    uuid.UUID
	Data    []byte
	Err     error
	Attempt uint64
	At      time.Time
}

func Connected() Event { return Event{Kind: EventConnected} }
func Disconnected() Event { return Event{Kind: EventDisconnected} }
func LinkError(err error) Event { return Event{Kind: EventLinkError, Err: err} }
func ServiceDiscovered(svc uuid.UUID) Event { return Event{Kind: EventServiceDiscovered, Service: svc} }
func DiscoveryFinished() Event { return Event{Kind: EventDiscoveryFinished} }
func Cancel() Event { return Event{Kind: EventCancel} }

// DetailsDiscovered reports that the characteristics of svc are known
func DetailsDiscovered(svc uuid.UUID) Event {
	return Event{Kind: EventServiceDetailsDiscovered, Service: svc}
}

// CharacteristicRead carries the value returned by a read
func CharacteristicRead(svc, ch uuid.UUID, data []byte) Event {
	return Event{Kind: EventCharacteristicRead, Service: svc, Char: ch, Data: data}
}

// CharacteristicWritten acknowledges a write
func CharacteristicWritten(svc, ch uuid.UUID, data []byte) Event {
	return Event{Kind: EventCharacteristicWritten, Service: svc, Char: ch, Data: data}
}

// DescriptorWritten acknowledges a notification subscription
func DescriptorWritten(svc, ch uuid.UUID) Event {
	return Event{Kind: EventDescriptorWritten, Service: svc, Char: ch}
}

// CharacteristicChanged carries a notification
func CharacteristicChanged(svc, ch uuid.UUID, data []byte) Event {
	return Event{Kind: EventCharacteristicChanged, Service: svc, Char: ch, Data: data}
}

// OperationFailed reports a failed read, write or subscribe
func OperationFailed(svc, ch uuid.UUID, err error) Event {
	return Event{Kind: EventOperationFailed, Service: svc, Char: ch, Err: err}
}

// Of stamps the event with the attempt that opened the link it came
// from. Unstamped events belong to the current attempt.
func (ev Event) Of(attempt uint64) Event {
	ev.Attempt = attempt
	return ev
}

// HistoryCommitted reports the transaction that stored a history download
// completed at. It belongs to no attempt.
func HistoryCommitted(at time.Time, err error) Event {
	return Event{Kind: EventHistoryCommitted, At: at, Err: err}
}

// Timeout is fired by the timer armed for attempt
func Timeout(attempt uint64) Event {
	return Event{Kind: EventTimeout, Attempt: attempt}
}

// EffectKind identifies what a session asks its driver to do
type EffectKind int

const (
	EffectConnect EffectKind = iota
	EffectDisconnect
	EffectDiscoverServices
	EffectDiscoverDetails
	EffectIssue
	EffectArmTimeout
	EffectStopTimeout
	EffectScheduleUpdate
)

var effectNames = [...]string{
	EffectConnect:          "connect",
	EffectDisconnect:       "disconnect",
	EffectDiscoverServices: "discover_services",
	EffectDiscoverDetails:  "discover_details",
	EffectIssue:            "issue",
	EffectArmTimeout:       "arm_timeout",
	EffectStopTimeout:      "stop_timeout",
	EffectScheduleUpdate:   "schedule_update",
}

func (k EffectKind) String() string {
	if k < 0 || int(k) >= len(effectNames) {
		return fmt.Sprintf("effect(%d)", int(k))
	}
	return effectNames[k]
}

// Effect is an output of the session reducer
type Effect struct {
	Kind    EffectKind
	Service uuid.UUID
	Command protocol.Command
	Delay   time.Duration
	Attempt uint64 // timeouts and links: the attempt they belong to
}

func (e Effect) String() string {
	switch e.Kind {
	case EffectDiscoverDetails:
		return fmt.Sprintf("%s %s", e.Kind, e.Service)
	case EffectIssue:
		return fmt.Sprintf("%s %s", e.Kind, e.Command)
	case EffectArmTimeout, EffectScheduleUpdate:
		return fmt.Sprintf("%s %s", e.Kind, e.Delay)
	}
	return e.Kind.String()
}
