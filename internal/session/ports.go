package session

import (
	"time"

	"github.com/afroash/plantmon/internal/models"
)

// Gateway is the persistence a session writes through. Calls are best
// effort: failures are logged and never abort an attempt.
//
// InsertHistory may commit later. When it returns nil, committed (if set)
// is called exactly once with the result of the transaction, possibly
// from another goroutine.
type Gateway interface {
	UpsertReading(r *models.SensorReading) error
	InsertHistory(readings []*models.SensorReading, committed func(error)) error
	UpdateLastHistorySync(address string, at time.Time) error
	SaveDevice(d *models.DeviceInfo) error
}

// PersistenceGateway adds the queries used to restore and display data
type PersistenceGateway interface {
	Gateway
	QueryRecent(address string, sinceMinutes int) (*models.SensorReading, error)
	QueryAggregateByDay(address string, field models.Field, maxDays int) ([]models.DailyAggregate, error)
}

// Publisher receives device events
type Publisher interface {
	Publish(ev models.DeviceEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.DeviceEvent) {}
