package server

import (
	"sync"

	"github.com/afroash/plantmon/internal/models"
)

// EventLog keeps the latest events of each device in memory
type EventLog struct {
	capacity    int
	data        map[string][]models.DeviceEvent
	mutex       sync.RWMutex
	totalEvents int64
}

// EventLogStats contains statistics about the event log
type EventLogStats struct {
	TotalEvents   int64 `json:"total_events"`
	Devices       int   `json:"devices"`
	CurrentEvents int   `json:"current_events"`
}

// NewEventLog creates a log keeping capacity events per device
func NewEventLog(capacity int) *EventLog {
	return &EventLog{
		capacity: capacity,
		data:     make(map[string][]models.DeviceEvent),
	}
}

// Publish implements session.Publisher
func (l *EventLog) Publish(ev models.DeviceEvent) {
	if ev.Reading != nil {
		ev.Reading = ev.Reading.Copy()
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	events := l.data[ev.Address]
	if len(events) >= l.capacity {
		events = events[1:]
	}
	l.data[ev.Address] = append(events, ev)
	l.totalEvents++
}

// Recent returns the n most recent events of a device, newest first
func (l *EventLog) Recent(address string, n int) []models.DeviceEvent {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	events := l.data[address]
	start := max(len(events)-n, 0)

	result := make([]models.DeviceEvent, 0, len(events)-start)
	for i := len(events) - 1; i >= start; i-- {
		result = append(result, events[i])
	}
	return result
}

// Stats returns statistics about the log
func (l *EventLog) Stats() EventLogStats {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	current := 0
	for _, events := range l.data {
		current += len(events)
	}
	return EventLogStats{
		TotalEvents:   l.totalEvents,
		Devices:       len(l.data),
		CurrentEvents: current,
	}
}

// Clear drops the events of a device
func (l *EventLog) Clear(address string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.data, address)
}
