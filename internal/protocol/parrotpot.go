package protocol

import (
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/codec"
	"github.com/afroash/plantmon/internal/models"
)

// Parrot pot
var (
	ParrotServiceWatering = uuid.MustParse("39e1f900-84a8-11e2-afba-0002a5d5c51b")
	ParrotServiceLive     = uuid.MustParse("39e1fa00-84a8-11e2-afba-0002a5d5c51b")
	ParrotServiceClock    = uuid.MustParse("39e1fd00-84a8-11e2-afba-0002a5d5c51b")

	ParrotCharWaterTrigger = uuid.MustParse("39e1f906-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharWaterLevel   = uuid.MustParse("39e1f907-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharConductivity = uuid.MustParse("39e1fa02-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharSoilTemp     = uuid.MustParse("39e1fa03-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharAirTemp      = uuid.MustParse("39e1fa04-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharLed          = uuid.MustParse("39e1fa07-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharMoisture     = uuid.MustParse("39e1fa09-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharLight        = uuid.MustParse("39e1fa0b-84a8-11e2-afba-0002a5d5c51b")
	ParrotCharClock        = uuid.MustParse("39e1fd01-84a8-11e2-afba-0002a5d5c51b")
)

// ParrotTankCapacity is the water tank volume in litres
const ParrotTankCapacity = 2.2

type parrotPotDecoder struct{}

func (parrotPotDecoder) Model() models.Model { return models.ModelParrotPot }

func (parrotPotDecoder) Supports(a models.Action) bool {
	switch a {
	case models.ActionUpdate, models.ActionUpdateHistory, models.ActionWatering, models.ActionLedBlink:
		return true
	}
	return false
}

func (parrotPotDecoder) SelectServices(x *Exchange) []uuid.UUID {
	var svcs []uuid.UUID
	switch x.Action {
	case models.ActionUpdate:
		if x.Device.FirmwareStale() {
			svcs = append(svcs, ServiceDeviceInfo)
		}
		svcs = append(svcs, ServiceBattery, ParrotServiceWatering)
	case models.ActionWatering:
		svcs = append(svcs, ParrotServiceWatering)
	case models.ActionUpdateHistory:
		// the pot keeps no readable history, only its clock is synced
		return append(svcs, ParrotServiceClock)
	}
	return append(svcs, ParrotServiceLive)
}

func (parrotPotDecoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	switch svc {
	case ServiceDeviceInfo:
		return []Command{Read(ServiceDeviceInfo, CharFirmware)}, nil
	case ServiceBattery:
		return []Command{Read(ServiceBattery, CharBatteryLevel)}, nil
	case ParrotServiceWatering:
		if x.Action == models.ActionWatering {
			return []Command{Write(ParrotServiceWatering, ParrotCharWaterTrigger, []byte{0x08, 0x00})}, nil
		}
		return []Command{Read(ParrotServiceWatering, ParrotCharWaterLevel)}, nil
	case ParrotServiceClock:
		return []Command{Read(ParrotServiceClock, ParrotCharClock)}, nil
	case ParrotServiceLive:
		switch x.Action {
		case models.ActionLedBlink:
			return []Command{Write(ParrotServiceLive, ParrotCharLed, []byte{0x01})}, nil
		case models.ActionUpdate:
			// the light read goes last, it closes the sample
			return []Command{
				Read(ParrotServiceLive, ParrotCharConductivity),
				Read(ParrotServiceLive, ParrotCharSoilTemp),
				Read(ParrotServiceLive, ParrotCharAirTemp),
				Read(ParrotServiceLive, ParrotCharMoisture),
				Read(ParrotServiceLive, ParrotCharLight),
			}, nil
		}
	}
	return nil, nil
}

func (parrotPotDecoder) OnPayload(x *Exchange, p Payload) Outcome {
	if p.Kind == PayloadWritten {
		switch p.Char {
		case ParrotCharWaterTrigger, ParrotCharLed:
			return Complete()
		}
		return Ignored()
	}
	if p.Kind != PayloadRead {
		return Ignored()
	}

	switch p.Char {
	case CharFirmware:
		if fw, ok := parrotFirmware(string(p.Data)); ok {
			x.SetFirmware(fw)
		}
	case CharBatteryLevel:
		if len(p.Data) == 1 {
			x.SetBattery(int(p.Data[0]))
		}
	case ParrotCharWaterLevel:
		if len(p.Data) > 0 {
			x.Reading.Set(models.FieldWaterTank, float64(p.Data[0])*ParrotTankCapacity/100)
		}
	case ParrotCharClock:
		if err := codec.Need(p.Data, 4); err != nil {
			return Failed(err)
		}
		x.SetDeviceTime(int64(codec.U32LE(p.Data, 0)))
		if x.Action == models.ActionUpdateHistory {
			return Complete()
		}
	case ParrotCharConductivity:
		if err := codec.Need(p.Data, 2); err != nil {
			return Failed(err)
		}
		x.Reading.Set(models.FieldSoilConductivity, float64(codec.U16LE(p.Data, 0)))
	case ParrotCharSoilTemp:
		if err := codec.Need(p.Data, 2); err != nil {
			return Failed(err)
		}
		x.Reading.Set(models.FieldSoilTemperature, parrotTemperature(codec.U16LE(p.Data, 0)))
	case ParrotCharAirTemp:
		if err := codec.Need(p.Data, 2); err != nil {
			return Failed(err)
		}
		t := codec.Clamp(parrotTemperature(codec.U16LE(p.Data, 0)), -10.0, 55.0)
		x.Reading.Set(models.FieldTemperature, t)
	case ParrotCharMoisture:
		if err := codec.Need(p.Data, 4); err != nil {
			return Failed(err)
		}
		x.Reading.Set(models.FieldSoilMoisture, math.Round(float64(codec.Float32LE(p.Data, 0))))
	case ParrotCharLight:
		if err := codec.Need(p.Data, 4); err != nil {
			return Failed(err)
		}
		x.Reading.Set(models.FieldLuminosity, math.Round(float64(codec.Float32LE(p.Data, 0)))*11.574*53.93)
		x.Stamp()
		if !parrotPlausible(x.Reading) {
			return Discarded()
		}
		return ReadingReady(true)
	}
	return Ignored()
}

// parrotTemperature converts the raw thermistor value to °C
func parrotTemperature(raw uint16) float64 {
	v := float64(raw)
	return 0.00000003044*v*v*v - 0.00008038*v*v + 0.1149*v - 30.45
}

// parrotPlausible rejects the obviously wrong samples the pot sometimes sends
func parrotPlausible(r *models.SensorReading) bool {
	soil, ok := r.Get(models.FieldSoilTemperature)
	if !ok {
		return false
	}
	air, ok := r.Get(models.FieldTemperature)
	if !ok {
		return false
	}
	return soil > -10 && soil < 100 && air > -10 && air < 100
}

// parrotFirmware extracts "1.1.10" from a device string such as
// "PP_HW-1.1.10": the second '_' field, then its second '-' field
func parrotFirmware(raw string) (string, bool) {
	fields := strings.Split(strings.TrimRight(strings.TrimSpace(raw), "\x00"), "_")
	if len(fields) < 2 {
		return "", false
	}
	parts := strings.Split(fields[1], "-")
	if len(parts) < 2 {
		return "", false
	}
	return parts[1], true
}
