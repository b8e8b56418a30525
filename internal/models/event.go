package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a DeviceEvent
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventData     EventKind = "data"
	EventRealtime EventKind = "realtime"
	EventHistory  EventKind = "history"
	EventWaterMe  EventKind = "water_me"
	EventError    EventKind = "error"
)

// DeviceEvent is what a session reports to the outside world
type DeviceEvent struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Address   string         `json:"address"`
	Name      string         `json:"name"`
	Model     string         `json:"model"`
	State     string         `json:"state"`
	Action    string         `json:"action,omitempty"`
	Reading   *SensorReading `json:"reading,omitempty"`
	Progress  int            `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewDeviceEvent creates an event stamped with a fresh id
func NewDeviceEvent(kind EventKind, id DeviceIdentity, state ConnectionState, at time.Time) DeviceEvent {
	return DeviceEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Address:   id.Address,
		Name:      id.Name,
		Model:     id.Model.String(),
		State:     state.String(),
		Timestamp: at,
	}
}
