package storage

import (
	"fmt"
	"time"

	"github.com/afroash/plantmon/internal/models"
)

// Gateway is the persistence used by device sessions. Single readings
// are written synchronously, history batches go through the DBWriter.
type Gateway struct {
	store  *SQLiteStore
	writer *DBWriter
}

// NewGateway wraps a store and its async writer. A nil writer makes
// batches synchronous.
func NewGateway(store *SQLiteStore, writer *DBWriter) *Gateway {
	return &Gateway{store: store, writer: writer}
}

// UpsertReading stores one reading
func (g *Gateway) UpsertReading(r *models.SensorReading) error {
	return g.store.UpsertReading(r)
}

// InsertHistory queues downloaded history for writing. When it returns
// nil, committed (if set) is later called with the result of the
// transaction. Without a writer the insert is synchronous.
func (g *Gateway) InsertHistory(readings []*models.SensorReading, committed func(error)) error {
	if g.writer == nil {
		if err := g.store.InsertBatch(readings); err != nil {
			return err
		}
		if committed != nil {
			committed(nil)
		}
		return nil
	}
	if !g.writer.WriteHistory(readings, committed) {
		return fmt.Errorf("write queue full, dropped %d readings", len(readings))
	}
	return nil
}

// UpdateLastHistorySync records a completed and committed history download
func (g *Gateway) UpdateLastHistorySync(address string, at time.Time) error {
	return g.store.UpdateLastHistorySync(address, at)
}

// SaveDevice stores the device state
func (g *Gateway) SaveDevice(d *models.DeviceInfo) error {
	return g.store.SaveDevice(d)
}

// QueryRecent returns the newest reading younger than sinceMinutes
func (g *Gateway) QueryRecent(address string, sinceMinutes int) (*models.SensorReading, error) {
	return g.store.QueryRecent(address, sinceMinutes)
}

// QueryAggregateByDay returns daily min/avg/max of a field
func (g *Gateway) QueryAggregateByDay(address string, field models.Field, maxDays int) ([]models.DailyAggregate, error) {
	return g.store.QueryAggregateByDay(address, field, maxDays)
}

// LoadDevice returns the stored state of a device, or nil
func (g *Gateway) LoadDevice(address string) (*models.DeviceInfo, error) {
	return g.store.LoadDevice(address)
}

// LoadPlantLimits returns the stored limits, or nil
func (g *Gateway) LoadPlantLimits(address string) (*models.PlantLimits, error) {
	return g.store.LoadPlantLimits(address)
}

// SavePlantLimits stores the limits of a plant sensor
func (g *Gateway) SavePlantLimits(address string, l models.PlantLimits) error {
	return g.store.SavePlantLimits(address, l)
}

// DeleteReadings removes every stored reading of a device
func (g *Gateway) DeleteReadings(address string) (int64, error) {
	return g.store.DeleteReadings(address)
}
