package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/version"
)

// SaveDevice inserts or updates the persisted state of a device
func (s *SQLiteStore) SaveDevice(d *models.DeviceInfo) error {
	var lastSync interface{}
	if !d.LastHistorySync.IsZero() {
		lastSync = d.LastHistorySync.UTC().Format(timeLayout)
	}

	_, err := s.db.Exec(`
		INSERT INTO devices (address, name, model, firmware, battery, plant_name, location, last_history_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			firmware = excluded.firmware,
			battery = excluded.battery,
			plant_name = excluded.plant_name,
			location = excluded.location,
			last_history_sync = COALESCE(excluded.last_history_sync, devices.last_history_sync)
	`,
		d.Address, d.Name, d.Model.String(), d.Firmware, d.Battery, d.PlantName, d.Location, lastSync,
	)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// LoadDevice returns a stored device, or nil if unknown
func (s *SQLiteStore) LoadDevice(address string) (*models.DeviceInfo, error) {
	row := s.db.QueryRow(`
		SELECT address, name, model, firmware, battery, plant_name, location, last_history_sync
		FROM devices WHERE address = ?
	`, address)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	return d, nil
}

// ListDevices returns every stored device ordered by address
func (s *SQLiteStore) ListDevices() ([]*models.DeviceInfo, error) {
	rows, err := s.db.Query(`
		SELECT address, name, model, firmware, battery, plant_name, location, last_history_sync
		FROM devices ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.DeviceInfo
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return devices, nil
}

// UpdateLastHistorySync records when the history of a device was last read
func (s *SQLiteStore) UpdateLastHistorySync(address string, at time.Time) error {
	result, err := s.db.Exec(
		"UPDATE devices SET last_history_sync = ? WHERE address = ?",
		at.UTC().Format(timeLayout), address,
	)
	if err != nil {
		return fmt.Errorf("failed to update history sync: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown device %q", address)
	}
	return nil
}

// SavePlantLimits inserts or replaces the limits of a plant sensor
func (s *SQLiteStore) SavePlantLimits(address string, l models.PlantLimits) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO plant_limits (
			address,
			soil_moisture_min, soil_moisture_max,
			soil_conductivity_min, soil_conductivity_max,
			temperature_min, temperature_max,
			humidity_min, humidity_max,
			luminosity_min, luminosity_max
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		address,
		l.SoilMoistureMin, l.SoilMoistureMax,
		l.SoilConductivityMin, l.SoilConductivityMax,
		l.TemperatureMin, l.TemperatureMax,
		l.HumidityMin, l.HumidityMax,
		l.LuminosityMin, l.LuminosityMax,
	)
	if err != nil {
		return fmt.Errorf("failed to save plant limits: %w", err)
	}
	return nil
}

// LoadPlantLimits returns the stored limits, or nil when none were set
func (s *SQLiteStore) LoadPlantLimits(address string) (*models.PlantLimits, error) {
	var l models.PlantLimits
	err := s.db.QueryRow(`
		SELECT
			soil_moisture_min, soil_moisture_max,
			soil_conductivity_min, soil_conductivity_max,
			temperature_min, temperature_max,
			humidity_min, humidity_max,
			luminosity_min, luminosity_max
		FROM plant_limits WHERE address = ?
	`, address).Scan(
		&l.SoilMoistureMin, &l.SoilMoistureMax,
		&l.SoilConductivityMin, &l.SoilConductivityMax,
		&l.TemperatureMin, &l.TemperatureMax,
		&l.HumidityMin, &l.HumidityMax,
		&l.LuminosityMin, &l.LuminosityMax,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plant limits: %w", err)
	}
	return &l, nil
}

func scanDevice(row interface{ Scan(...interface{}) error }) (*models.DeviceInfo, error) {
	var d models.DeviceInfo
	var model string
	var lastSync sql.NullString

	err := row.Scan(&d.Address, &d.Name, &model, &d.Firmware, &d.Battery, &d.PlantName, &d.Location, &lastSync)
	if err != nil {
		return nil, err
	}

	d.Model, err = models.ParseModel(model)
	if err != nil {
		d.Model = models.ModelUnknown
	}
	d.FirmwareCurrent = version.UpToDate(d.Model, d.Firmware)
	if lastSync.Valid {
		d.LastHistorySync, _ = parseTimestamp(lastSync.String)
	}
	return &d, nil
}
