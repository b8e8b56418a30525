package protocol

import (
	"strings"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/codec"
	"github.com/afroash/plantmon/internal/models"
)

// ClearGrass / Qingping CGG1 e-ink thermometer
var (
	CGG1ServiceData = uuid.MustParse("22210000-554a-4546-5542-46534450464d")
	CGG1CharData    = bt32(0x00000100)
)

type cgg1Decoder struct{}

func (cgg1Decoder) Model() models.Model { return models.ModelHygrotempCGG1 }

func (cgg1Decoder) Supports(a models.Action) bool {
	return a == models.ActionUpdate || a == models.ActionUpdateRealtime
}

func (cgg1Decoder) SelectServices(x *Exchange) []uuid.UUID {
	svcs := []uuid.UUID{CGG1ServiceData}
	if x.Action == models.ActionUpdate {
		if x.Device.FirmwareStale() {
			svcs = append(svcs, ServiceDeviceInfo)
		}
		svcs = append(svcs, ServiceBattery)
	}
	return svcs
}

func (cgg1Decoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	switch svc {
	case ServiceDeviceInfo:
		return []Command{Read(ServiceDeviceInfo, CharFirmware)}, nil
	case ServiceBattery:
		return []Command{Read(ServiceBattery, CharBatteryLevel)}, nil
	case CGG1ServiceData:
		return []Command{Subscribe(CGG1ServiceData, CGG1CharData)}, nil
	}
	return nil, nil
}

func (cgg1Decoder) OnPayload(x *Exchange, p Payload) Outcome {
	switch {
	case p.Kind == PayloadRead && p.Char == CharFirmware:
		x.SetFirmware(strings.TrimSpace(string(p.Data)))
	case p.Kind == PayloadRead && p.Char == CharBatteryLevel:
		if len(p.Data) == 1 {
			x.SetBattery(int(p.Data[0]))
		}
	case p.Kind == PayloadNotify && p.Char == CGG1CharData:
		if len(p.Data) < 6 {
			return Ignored()
		}
		x.Reading.Set(models.FieldTemperature, codec.Tenths(codec.I16LE(p.Data, 2)))
		x.Reading.Set(models.FieldHumidity, codec.Tenths(codec.U16LE(p.Data, 4)))
		x.Stamp()
		return ReadingReady(x.Action != models.ActionUpdateRealtime)
	}
	return Ignored()
}
