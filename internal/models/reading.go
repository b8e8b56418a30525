package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Field identifies one measurement a device can report
type Field int

const (
	FieldSoilMoisture Field = iota
	FieldSoilConductivity
	FieldSoilTemperature
	FieldSoilPH
	FieldTemperature
	FieldHumidity
	FieldLuminosity
	FieldWaterTank
	FieldPressure
	FieldUV
	FieldPM1
	FieldPM25
	FieldPM10
	FieldO2
	FieldO3
	FieldCO
	FieldCO2
	FieldNO2
	FieldSO2
	FieldVOC
	FieldHCHO
	FieldRadioactivity

	fieldCount
)

// fieldSpec holds the column name and plausibility bounds of a field.
// A value is plausible when min < v (or min <= v if minInclusive) and v <= max.
type fieldSpec struct {
	name         string
	unit         string
	min, max     float64
	minInclusive bool
}

var fieldSpecs = [fieldCount]fieldSpec{
	FieldSoilMoisture:     {"soil_moisture", "%", 0, 100, true},
	FieldSoilConductivity: {"soil_conductivity", "µS/cm", 0, 20000, true},
	FieldSoilTemperature:  {"soil_temperature", "°C", -20, 100, false},
	FieldSoilPH:           {"soil_ph", "pH", 0, 14, true},
	FieldTemperature:      {"temperature", "°C", -20, 100, false},
	FieldHumidity:         {"humidity", "%", 0, 100, true},
	FieldLuminosity:       {"luminosity", "lux", 0, 500000, true},
	FieldWaterTank:        {"water_tank", "L", 0, 100, true},
	FieldPressure:         {"pressure", "hPa", 300, 1100, true},
	FieldUV:               {"uv", "index", 0, 20, true},
	FieldPM1:              {"pm1", "µg/m³", 0, 1000, true},
	FieldPM25:             {"pm25", "µg/m³", 0, 1000, true},
	FieldPM10:             {"pm10", "µg/m³", 0, 1000, true},
	FieldO2:               {"o2", "%", 0, 100, true},
	FieldO3:               {"o3", "ppb", 0, 10000, true},
	FieldCO:               {"co", "ppm", 0, 10000, true},
	FieldCO2:              {"co2", "ppm", 0, 40000, true},
	FieldNO2:              {"no2", "ppb", 0, 10000, true},
	FieldSO2:              {"so2", "ppb", 0, 10000, true},
	FieldVOC:              {"voc", "µg/m³", 0, 16382, true},
	FieldHCHO:             {"hcho", "µg/m³", 0, 16382, true},
	FieldRadioactivity:    {"radioactivity", "µSv/h", 0, 100000, true},
}

// String returns the snake_case name, which is also the storage column
func (f Field) String() string {
	if f < 0 || f >= fieldCount {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldSpecs[f].name
}

// Unit returns the display unit of the field
func (f Field) Unit() string {
	if f < 0 || f >= fieldCount {
		return ""
	}
	return fieldSpecs[f].unit
}

// Valid reports whether f is a known field
func (f Field) Valid() bool {
	return f >= 0 && f < fieldCount
}

// Plausible checks v against the field bounds
func (f Field) Plausible(v float64) bool {
	if !f.Valid() || math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	s := fieldSpecs[f]
	if v > s.max {
		return false
	}
	if s.minInclusive {
		return v >= s.min
	}
	return v > s.min
}

// ParseField resolves a column name into a Field
func ParseField(name string) (Field, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i := Field(0); i < fieldCount; i++ {
		if fieldSpecs[i].name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown field: %q", name)
}

// AllFields lists every field in column order
func AllFields() []Field {
	out := make([]Field, fieldCount)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

// TempUnit is the temperature unit a device or display is configured for
type TempUnit string

const (
	Celsius    TempUnit = "C"
	Fahrenheit TempUnit = "F"
)

// SensorReading is the canonical sample shared by every device model.
// Each field carries its own presence flag; unset fields are never stored.
type SensorReading struct {
	Address   string
	Timestamp time.Time
	Battery   int // -1 when unknown
	Firmware  string
	Uptime    int64 // seconds, -1 when unknown

	values  [fieldCount]float64
	present [fieldCount]bool
}

// NewSensorReading returns an empty reading for the given device address
func NewSensorReading(address string) *SensorReading {
	return &SensorReading{
		Address: address,
		Battery: -1,
		Uptime:  -1,
	}
}

// Set stores v for f when it passes the plausibility bound.
// It returns false (and leaves the field untouched) otherwise.
func (r *SensorReading) Set(f Field, v float64) bool {
	if !f.Plausible(v) {
		return false
	}
	r.values[f] = v
	r.present[f] = true
	return true
}

// Get returns the value of f and whether it is present
func (r *SensorReading) Get(f Field) (float64, bool) {
	if !f.Valid() || !r.present[f] {
		return 0, false
	}
	return r.values[f], true
}

// Value returns the value of f, or 0 when absent
func (r *SensorReading) Value(f Field) float64 {
	v, _ := r.Get(f)
	return v
}

// Has reports whether f is present
func (r *SensorReading) Has(f Field) bool {
	return f.Valid() && r.present[f]
}

// Clear drops f
func (r *SensorReading) Clear(f Field) {
	if f.Valid() {
		r.present[f] = false
		r.values[f] = 0
	}
}

// Fields returns the present fields in column order
func (r *SensorReading) Fields() []Field {
	var out []Field
	for i := Field(0); i < fieldCount; i++ {
		if r.present[i] {
			out = append(out, i)
		}
	}
	return out
}

// Empty reports whether no field is present
func (r *SensorReading) Empty() bool {
	for _, p := range r.present {
		if p {
			return false
		}
	}
	return true
}

// SetBattery accepts a battery percentage in (0, 100]
func (r *SensorReading) SetBattery(pct int) bool {
	if pct <= 0 || pct > 100 {
		return false
	}
	r.Battery = pct
	return true
}

// Reset clears every measurement but keeps the address
func (r *SensorReading) Reset() {
	addr := r.Address
	*r = SensorReading{Address: addr, Battery: -1, Uptime: -1}
}

// IsValid checks the reading can be persisted
func (r *SensorReading) IsValid() bool {
	if r.Address == "" {
		return false
	}
	if r.Timestamp.IsZero() {
		return false
	}
	return !r.Empty()
}

// get the reading as a string
func (r *SensorReading) String() string {
	var parts []string
	for _, f := range r.Fields() {
		parts = append(parts, fmt.Sprintf("%s=%.2f", f, r.values[f]))
	}
	return fmt.Sprintf("Address: %s, Timestamp: %s, Battery: %d, %s",
		r.Address,
		r.Timestamp.Format(time.RFC3339),
		r.Battery,
		strings.Join(parts, " "))
}

// Copy returns a deep copy of the reading
func (r *SensorReading) Copy() *SensorReading {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Values returns the present fields keyed by column name
func (r *SensorReading) Values() map[string]float64 {
	out := make(map[string]float64)
	for _, f := range r.Fields() {
		out[f.String()] = r.values[f]
	}
	return out
}

// HeatIndex computes the apparent temperature from air temperature and
// humidity, returned in the requested unit.
// Below 27°C or 40% humidity the air temperature is returned as is.
func (r *SensorReading) HeatIndex(unit TempUnit) (float64, bool) {
	t, ok := r.Get(FieldTemperature)
	if !ok {
		return 0, false
	}
	h, ok := r.Get(FieldHumidity)
	if !ok {
		return 0, false
	}

	hi := t
	if t >= 27 && h >= 40 {
		tf := CelsiusToFahrenheit(t)
		v := -42.379 +
			2.04901523*tf +
			10.14333127*h -
			0.22475541*tf*h -
			0.00683783*tf*tf -
			0.05481717*h*h +
			0.00122874*tf*tf*h +
			0.00085282*tf*h*h -
			0.00000199*tf*tf*h*h
		hi = FahrenheitToCelsius(v)
	}

	if unit == Fahrenheit {
		return CelsiusToFahrenheit(hi), true
	}
	return hi, true
}

// CelsiusToFahrenheit converts °C to °F
func CelsiusToFahrenheit(c float64) float64 {
	return c*1.8 + 32
}

// FahrenheitToCelsius converts °F to °C
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) / 1.8
}

type readingJSON struct {
	Address   string             `json:"address"`
	Timestamp time.Time          `json:"timestamp"`
	Battery   int                `json:"battery"`
	Firmware  string             `json:"firmware,omitempty"`
	Uptime    int64              `json:"uptime"`
	Values    map[string]float64 `json:"values"`
}

// MarshalJSON encodes only the present fields
func (r *SensorReading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingJSON{
		Address:   r.Address,
		Timestamp: r.Timestamp,
		Battery:   r.Battery,
		Firmware:  r.Firmware,
		Uptime:    r.Uptime,
		Values:    r.Values(),
	})
}

// UnmarshalJSON decodes the format written by MarshalJSON.
// Unknown or implausible values are dropped.
func (r *SensorReading) UnmarshalJSON(data []byte) error {
	var in readingJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*r = SensorReading{
		Address:   in.Address,
		Timestamp: in.Timestamp,
		Battery:   in.Battery,
		Firmware:  in.Firmware,
		Uptime:    in.Uptime,
	}

	for name, v := range in.Values {
		f, err := ParseField(name)
		if err != nil {
			continue
		}
		r.Set(f, v)
	}
	return nil
}
