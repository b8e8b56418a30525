package server

import (
	"time"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/sensor"
	"github.com/afroash/plantmon/internal/storage"
)

// DeviceManager is the part of sensor.Manager the API drives
type DeviceManager interface {
	Devices() []sensor.DeviceStatus
	Device(address string) (sensor.DeviceStatus, bool)
	RequestAction(address string, action models.Action) error
	RefreshAll() error
	Cancel(address string) error
	ClearData(address string) error
	SetLimits(address string, l models.PlantLimits) error
	DailyAggregates(address string, field models.Field, maxDays int) ([]models.DailyAggregate, error)
}

// HistoricalStore defines the interface for persistent reading storage.
// storage.SQLiteStore implements this interface.
type HistoricalStore interface {
	// GetReadingsInRange returns readings within a time range, newest first
	GetReadingsInRange(address string, start, end time.Time, limit int) ([]*models.SensorReading, error)

	// GetReadingsBefore returns readings before a timestamp (for scrolling back)
	GetReadingsBefore(address string, before time.Time, limit int) ([]*models.SensorReading, error)

	// GetStorageStats returns database statistics
	GetStorageStats() (*storage.StorageStats, error)
}

var (
	_ DeviceManager   = (*sensor.Manager)(nil)
	_ HistoricalStore = (*storage.SQLiteStore)(nil)
)
