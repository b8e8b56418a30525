package protocol

import (
	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/codec"
	"github.com/afroash/plantmon/internal/models"
)

// MiBeaconService is the service data uuid Xiaomi devices advertise under
var MiBeaconService = bt16(0xfe95)

// MiBeacon object types carried at byte 12
const (
	miTypeTemperature  = 4
	miTypeHumidity     = 6
	miTypeLux          = 7
	miTypeMoisture     = 8
	miTypeConductivity = 9
	miTypeBattery      = 10
	miTypeTempHumidity = 11
)

// ParseMiBeacon decodes one MiBeacon service data frame into r.
// It reports whether any value was taken from the frame.
func ParseMiBeacon(r *models.SensorReading, data []byte) bool {
	if len(data) < 16 {
		return false
	}

	n := len(data)
	switch data[12] {
	case miTypeTemperature:
		if n >= 17 {
			return r.Set(models.FieldTemperature, codec.Tenths(codec.I16LE(data, 15)))
		}
	case miTypeHumidity:
		if n >= 17 {
			return r.Set(models.FieldHumidity, codec.Tenths(codec.I16LE(data, 15)))
		}
	case miTypeLux:
		if n >= 18 {
			return r.Set(models.FieldLuminosity, float64(codec.U24LE(data, 15)))
		}
	case miTypeMoisture:
		if n >= 17 {
			return r.Set(models.FieldSoilMoisture, float64(codec.I16LE(data, 15)))
		}
	case miTypeConductivity:
		if n >= 17 {
			return r.Set(models.FieldSoilConductivity, float64(codec.I16LE(data, 15)))
		}
	case miTypeBattery:
		return r.SetBattery(int(int8(data[15])))
	case miTypeTempHumidity:
		if n >= 19 {
			t := r.Set(models.FieldTemperature, codec.Tenths(codec.I16LE(data, 15)))
			h := r.Set(models.FieldHumidity, codec.Tenths(codec.I16LE(data, 17)))
			return t || h
		}
	}
	return false
}

// flowerCareDecoder covers devices handled from their broadcasts only
type flowerCareDecoder struct{}

func (flowerCareDecoder) Model() models.Model { return models.ModelFlowerCare }

func (flowerCareDecoder) Supports(models.Action) bool { return false }

func (flowerCareDecoder) SelectServices(*Exchange) []uuid.UUID { return nil }

func (flowerCareDecoder) OnServiceReady(*Exchange, uuid.UUID) ([]Command, error) {
	return nil, nil
}

func (flowerCareDecoder) OnPayload(*Exchange, Payload) Outcome { return Ignored() }

func (flowerCareDecoder) ParseAdvertisement(r *models.SensorReading, data []byte) bool {
	return ParseMiBeacon(r, data)
}
