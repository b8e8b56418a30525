package protocol

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/codec"
	"github.com/afroash/plantmon/internal/models"
)

// Xiaomi LYWSD03MMC square thermometer
var (
	SquareServiceData = uuid.MustParse("ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6")
	SquareCharUnit    = uuid.MustParse("ebe0ccbe-7a0a-4b0c-8a1a-6ff2997da3a6")
	SquareCharData    = uuid.MustParse("ebe0ccc1-7a0a-4b0c-8a1a-6ff2997da3a6")
)

const (
	squareUnitCelsius    = 0xFF
	squareUnitFahrenheit = 0x01
)

type squareDecoder struct{}

func (squareDecoder) Model() models.Model { return models.ModelHygrotempSquare }

func (squareDecoder) Supports(a models.Action) bool {
	return a == models.ActionUpdate || a == models.ActionUpdateRealtime
}

func (squareDecoder) SelectServices(x *Exchange) []uuid.UUID {
	svcs := []uuid.UUID{SquareServiceData}
	if x.Device.FirmwareStale() {
		svcs = append(svcs, ServiceDeviceInfo)
	}
	return svcs
}

func (squareDecoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	switch svc {
	case SquareServiceData:
		return []Command{Read(SquareServiceData, SquareCharUnit)}, nil
	case ServiceDeviceInfo:
		return []Command{Read(ServiceDeviceInfo, CharFirmware)}, nil
	}
	return nil, nil
}

func (squareDecoder) OnPayload(x *Exchange, p Payload) Outcome {
	switch {
	case p.Kind == PayloadRead && p.Char == CharFirmware:
		x.SetFirmware(strings.TrimSpace(string(p.Data)))
		return Ignored()

	case p.Kind == PayloadRead && p.Char == SquareCharUnit:
		if len(p.Data) == 0 {
			return Failed(errors.New("empty unit characteristic"))
		}
		var cmds []Command
		if p.Data[0] == squareUnitCelsius && x.TempUnit == models.Fahrenheit {
			cmds = append(cmds, Write(SquareServiceData, SquareCharUnit, []byte{squareUnitFahrenheit}))
		} else if p.Data[0] == squareUnitFahrenheit && x.TempUnit == models.Celsius {
			cmds = append(cmds, Write(SquareServiceData, SquareCharUnit, []byte{squareUnitCelsius}))
		}
		cmds = append(cmds, Subscribe(SquareServiceData, SquareCharData))
		return NeedMore(cmds...)

	case p.Kind == PayloadNotify && p.Char == SquareCharData:
		if len(p.Data) != 5 {
			return Ignored()
		}
		x.Reading.Set(models.FieldTemperature, codec.Hundredths(codec.I16LE(p.Data, 0)))
		x.Reading.Set(models.FieldHumidity, float64(p.Data[2]))
		voltage := codec.Thousandths(codec.I16LE(p.Data, 3))
		x.SetBattery(codec.Clamp(int((voltage-2.1)*100), 0, 100))
		x.Stamp()
		return ReadingReady(x.Action != models.ActionUpdateRealtime)
	}
	return Ignored()
}
