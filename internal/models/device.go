package models

import (
	"fmt"
	"time"
)

// DeviceInfo is the persisted, slowly changing state of a device
type DeviceInfo struct {
	Address         string    `json:"address"`
	Name            string    `json:"name"`
	Model           Model     `json:"model"`
	Firmware        string    `json:"firmware"`
	FirmwareCurrent bool      `json:"firmware_current"`
	Battery         int       `json:"battery"`
	PlantName       string    `json:"plant_name,omitempty"`
	Location        string    `json:"location,omitempty"`
	LastHistorySync time.Time `json:"last_history_sync"`
}

// NewDeviceInfo creates DeviceInfo for an identity with unknown battery
func NewDeviceInfo(id DeviceIdentity) *DeviceInfo {
	return &DeviceInfo{
		Address: id.Address,
		Name:    id.Name,
		Model:   id.Model,
		Battery: -1,
	}
}

// SetBattery accepts a battery percentage in (0, 100]
func (d *DeviceInfo) SetBattery(pct int) bool {
	if pct <= 0 || pct > 100 {
		return false
	}
	d.Battery = pct
	return true
}

// FirmwareStale reports whether the firmware string should be read again
func (d *DeviceInfo) FirmwareStale() bool {
	return d.Firmware == "" || d.Firmware == "UNKN"
}

// Label returns the plant name, then the location, then the device name
func (d *DeviceInfo) Label() string {
	switch {
	case d.PlantName != "":
		return d.PlantName
	case d.Location != "":
		return d.Location
	default:
		return d.Name
	}
}

// Copy returns a copy of the device info
func (d *DeviceInfo) Copy() *DeviceInfo {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// PlantLimits holds the comfort range of a plant
type PlantLimits struct {
	SoilMoistureMin     int `json:"soil_moisture_min"`
	SoilMoistureMax     int `json:"soil_moisture_max"`
	SoilConductivityMin int `json:"soil_conductivity_min"`
	SoilConductivityMax int `json:"soil_conductivity_max"`
	TemperatureMin      int `json:"temperature_min"`
	TemperatureMax      int `json:"temperature_max"`
	HumidityMin         int `json:"humidity_min"`
	HumidityMax         int `json:"humidity_max"`
	LuminosityMin       int `json:"luminosity_min"`
	LuminosityMax       int `json:"luminosity_max"`
}

// DefaultPlantLimits returns the limits used until the user sets some
func DefaultPlantLimits() PlantLimits {
	return PlantLimits{
		SoilMoistureMin:     15,
		SoilMoistureMax:     50,
		SoilConductivityMin: 100,
		SoilConductivityMax: 500,
		TemperatureMin:      14,
		TemperatureMax:      28,
		HumidityMin:         40,
		HumidityMax:         60,
		LuminosityMin:       1000,
		LuminosityMax:       3000,
	}
}

// Validate checks that every minimum is at most its maximum
func (l PlantLimits) Validate() error {
	pairs := []struct {
		name     string
		min, max int
	}{
		{"soil_moisture", l.SoilMoistureMin, l.SoilMoistureMax},
		{"soil_conductivity", l.SoilConductivityMin, l.SoilConductivityMax},
		{"temperature", l.TemperatureMin, l.TemperatureMax},
		{"humidity", l.HumidityMin, l.HumidityMax},
		{"luminosity", l.LuminosityMin, l.LuminosityMax},
	}
	for _, p := range pairs {
		if p.min > p.max {
			return fmt.Errorf("%s: min %d is above max %d", p.name, p.min, p.max)
		}
	}
	return nil
}

// NeedsWater reports whether moisture is present but below the minimum.
// A zero moisture is treated as "no soil contact" rather than dry soil.
func (l PlantLimits) NeedsWater(r *SensorReading) bool {
	m, ok := r.Get(FieldSoilMoisture)
	if !ok {
		return false
	}
	return m > 0 && m < float64(l.SoilMoistureMin)
}

// DailyAggregate is the min/avg/max of one field over a calendar day
type DailyAggregate struct {
	Date  string  `json:"date"`
	Field string  `json:"field"`
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}
