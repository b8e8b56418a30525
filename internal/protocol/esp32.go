package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/models"
)

// ESP32 based DIY sensors share one data service
var (
	ESP32ServiceData = uuid.MustParse("eeee9a32-a000-4cbd-b00b-6b519bf2780f")

	GeigerCharFirmware = uuid.MustParse("00002a24-a002-4cbd-b00b-6b519bf2780f")
	GeigerCharRecap    = uuid.MustParse("eeee9a32-a0c1-4cbd-b00b-6b519bf2780f")
	GeigerCharRealtime = uuid.MustParse("eeee9a32-a0d0-4cbd-b00b-6b519bf2780f")

	HiGrowCharData     = uuid.MustParse("eeee9a32-a0a0-4cbd-b00b-6b519bf2780f")
	AirQualityCharData = uuid.MustParse("eeee9a32-a0b0-4cbd-b00b-6b519bf2780f")
)

func esp32Supports(a models.Action) bool {
	return a == models.ActionUpdate || a == models.ActionUpdateRealtime
}

func esp32Services(x *Exchange, extra ...uuid.UUID) []uuid.UUID {
	svcs := []uuid.UUID{ESP32ServiceData}
	if x.Action == models.ActionUpdate && x.Device.FirmwareStale() {
		svcs = append(svcs, ServiceDeviceInfo)
	}
	return append(svcs, extra...)
}

func esp32Done(x *Exchange) Outcome {
	x.Stamp()
	return ReadingReady(x.Action != models.ActionUpdateRealtime)
}

type geigerDecoder struct{}

func (geigerDecoder) Model() models.Model { return models.ModelGeigerCounter }

func (geigerDecoder) Supports(a models.Action) bool { return esp32Supports(a) }

func (geigerDecoder) SelectServices(x *Exchange) []uuid.UUID {
	return esp32Services(x)
}

func (geigerDecoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	switch svc {
	case ServiceDeviceInfo:
		return []Command{Read(ServiceDeviceInfo, GeigerCharFirmware)}, nil
	case ESP32ServiceData:
		return []Command{
			Read(ESP32ServiceData, GeigerCharRecap),
			Subscribe(ESP32ServiceData, GeigerCharRealtime),
		}, nil
	}
	return nil, nil
}

func (geigerDecoder) OnPayload(x *Exchange, p Payload) Outcome {
	switch {
	case p.Kind == PayloadRead && p.Char == GeigerCharFirmware:
		x.SetFirmware(strings.TrimSpace(string(p.Data)))
	case p.Kind == PayloadRead && p.Char == GeigerCharRecap:
		// a recap value seeds the reading until the first notification
		if v, err := parseASCIIFloat(p.Data); err == nil {
			x.Reading.Set(models.FieldRadioactivity, v)
		}
	case p.Kind == PayloadNotify && p.Char == GeigerCharRealtime:
		v, err := parseASCIIFloat(p.Data)
		if err != nil {
			return Failed(err)
		}
		x.Reading.Set(models.FieldRadioactivity, v)
		return esp32Done(x)
	}
	return Ignored()
}

func parseASCIIFloat(data []byte) (float64, error) {
	s := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal payload %q: %w", s, err)
	}
	return v, nil
}

type higrowDecoder struct{}

type higrowPayload struct {
	Temperature  *float64 `json:"t"`
	Humidity     *float64 `json:"h"`
	Luminosity   *float64 `json:"l"`
	Moisture     *float64 `json:"sh"`
	Conductivity *float64 `json:"sc"`
	Battery      *int     `json:"bt"`
}

func (higrowDecoder) Model() models.Model { return models.ModelHiGrow }

func (higrowDecoder) Supports(a models.Action) bool { return esp32Supports(a) }

func (higrowDecoder) SelectServices(x *Exchange) []uuid.UUID {
	return esp32Services(x, ServiceBattery)
}

func (higrowDecoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	switch svc {
	case ServiceDeviceInfo:
		return []Command{Read(ServiceDeviceInfo, CharFirmware)}, nil
	case ServiceBattery:
		return []Command{Read(ServiceBattery, CharBatteryLevel)}, nil
	case ESP32ServiceData:
		return []Command{Subscribe(ESP32ServiceData, HiGrowCharData)}, nil
	}
	return nil, nil
}

func (higrowDecoder) OnPayload(x *Exchange, p Payload) Outcome {
	switch {
	case p.Kind == PayloadRead && p.Char == CharFirmware:
		x.SetFirmware(strings.TrimSpace(string(p.Data)))
	case p.Kind == PayloadRead && p.Char == CharBatteryLevel:
		if len(p.Data) == 1 {
			x.SetBattery(int(p.Data[0]))
		}
	case p.Kind == PayloadNotify && p.Char == HiGrowCharData:
		var in higrowPayload
		if err := json.Unmarshal(p.Data, &in); err != nil {
			return Failed(fmt.Errorf("invalid json payload: %w", err))
		}
		setOpt(x.Reading, models.FieldTemperature, in.Temperature)
		setOpt(x.Reading, models.FieldHumidity, in.Humidity)
		setOpt(x.Reading, models.FieldLuminosity, in.Luminosity)
		setOpt(x.Reading, models.FieldSoilMoisture, in.Moisture)
		setOpt(x.Reading, models.FieldSoilConductivity, in.Conductivity)
		if in.Battery != nil {
			x.SetBattery(*in.Battery)
		}
		return esp32Done(x)
	}
	return Ignored()
}

type airQualityDecoder struct{}

// keys are the field names the monitor firmware uses
var airQualityKeys = map[string]models.Field{
	"t":    models.FieldTemperature,
	"h":    models.FieldHumidity,
	"p":    models.FieldPressure,
	"voc":  models.FieldVOC,
	"co2":  models.FieldCO2,
	"pm1":  models.FieldPM1,
	"pm25": models.FieldPM25,
	"pm10": models.FieldPM10,
	"o3":   models.FieldO3,
	"co":   models.FieldCO,
	"no2":  models.FieldNO2,
	"so2":  models.FieldSO2,
	"o2":   models.FieldO2,
	"uv":   models.FieldUV,
}

func (airQualityDecoder) Model() models.Model { return models.ModelAirQualityMonitor }

func (airQualityDecoder) Supports(a models.Action) bool { return esp32Supports(a) }

func (airQualityDecoder) SelectServices(x *Exchange) []uuid.UUID {
	return esp32Services(x)
}

func (airQualityDecoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	switch svc {
	case ServiceDeviceInfo:
		return []Command{Read(ServiceDeviceInfo, CharFirmware)}, nil
	case ESP32ServiceData:
		return []Command{Subscribe(ESP32ServiceData, AirQualityCharData)}, nil
	}
	return nil, nil
}

func (airQualityDecoder) OnPayload(x *Exchange, p Payload) Outcome {
	switch {
	case p.Kind == PayloadRead && p.Char == CharFirmware:
		x.SetFirmware(strings.TrimSpace(string(p.Data)))
	case p.Kind == PayloadNotify && p.Char == AirQualityCharData:
		var in map[string]float64
		if err := json.Unmarshal(p.Data, &in); err != nil {
			return Failed(fmt.Errorf("invalid json payload: %w", err))
		}
		for key, v := range in {
			if f, ok := airQualityKeys[key]; ok {
				x.Reading.Set(f, v)
			}
		}
		return esp32Done(x)
	}
	return Ignored()
}

func setOpt(r *models.SensorReading, f models.Field, v *float64) {
	if v != nil {
		r.Set(f, *v)
	}
}
