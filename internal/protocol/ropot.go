package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/codec"
	"github.com/afroash/plantmon/internal/models"
)

// Xiaomi / VegTrug ropot
var (
	RopotServiceData      = bt16(0x1204)
	RopotServiceHandshake = bt16(0xfe95)
	RopotServiceHistory   = bt16(0x1206)

	RopotCharMode     = bt16(0x1a00)
	RopotCharData     = bt16(0x1a01)
	RopotCharInfo     = bt16(0x1a02)
	RopotCharHistCtrl = bt16(0x1a10)
	RopotCharHistData = bt16(0x1a11)
	RopotCharClock    = bt16(0x1a12)
	RopotCharHSStart  = bt32(0x00000010)
	RopotCharHSKey    = bt32(0x00000001)
)

var (
	ropotProductID   = [2]byte{0x01, 0x5d}
	ropotToken       = []byte{0x01, 0x22, 0x03, 0x04, 0x05, 0x06, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	ropotMagicEnd    = []byte{0x92, 0xab, 0x54, 0xfa}
	ropotStartCmd    = []byte{0x90, 0xca, 0x85, 0xde}
	ropotModeRead    = []byte{0xa0, 0x1f}
	ropotHistoryMode = []byte{0xa0, 0x00, 0x00}
	ropotHistoryWipe = []byte{0xa2, 0x00, 0x00}
)

// ropotEntrySize is the size of one stored hourly history record
const ropotEntrySize = 16

// RopotHandshake derives the challenge and finish keys from the device MAC
func RopotHandshake(mac [6]byte) (*HandshakeContext, error) {
	mix := []byte{
		mac[5], mac[3], mac[0], ropotProductID[1],
		mac[1], mac[5], mac[0], ropotProductID[0],
	}
	challenge, err := codec.RC4Copy(mix, ropotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to derive challenge: %w", err)
	}
	finish, err := codec.RC4Copy(ropotToken, ropotMagicEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to derive finish key: %w", err)
	}
	return NewHandshakeContext(challenge, finish), nil
}

type ropotDecoder struct{}

func (ropotDecoder) Model() models.Model { return models.ModelRopot }

func (ropotDecoder) Supports(a models.Action) bool {
	switch a {
	case models.ActionUpdate, models.ActionUpdateHistory, models.ActionUpdateRealtime, models.ActionClearHistory:
		return true
	}
	return false
}

func (ropotDecoder) SelectServices(x *Exchange) []uuid.UUID {
	var svcs []uuid.UUID
	if x.Action != models.ActionUpdateHistory {
		svcs = append(svcs, RopotServiceData)
	}
	if x.Action == models.ActionUpdateHistory || x.Action == models.ActionUpdateRealtime {
		svcs = append(svcs, RopotServiceHandshake)
	}
	if x.Action == models.ActionUpdateHistory || x.Action == models.ActionClearHistory {
		svcs = append(svcs, RopotServiceHistory)
	}
	return svcs
}

func (ropotDecoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	switch svc {
	case RopotServiceData:
		if x.Action == models.ActionUpdate {
			return []Command{Read(RopotServiceData, RopotCharInfo)}, nil
		}
	case RopotServiceHandshake:
		mac, err := x.Identity.MAC()
		if err != nil {
			return nil, err
		}
		hs, err := RopotHandshake(mac)
		if err != nil {
			return nil, err
		}
		x.Handshake = hs
		return []Command{Write(RopotServiceHandshake, RopotCharHSStart, ropotStartCmd)}, nil
	case RopotServiceHistory:
		if x.Action == models.ActionClearHistory {
			return []Command{Write(RopotServiceHistory, RopotCharHistCtrl, ropotHistoryWipe)}, nil
		}
	}
	return nil, nil
}

func (d ropotDecoder) OnPayload(x *Exchange, p Payload) Outcome {
	switch p.Kind {
	case PayloadWritten:
		return d.onWritten(x, p)
	case PayloadRead:
		return d.onRead(x, p)
	}
	return Ignored()
}

func (ropotDecoder) onWritten(x *Exchange, p Payload) Outcome {
	switch p.Char {
	case RopotCharHSStart:
		if x.Handshake == nil || len(x.Handshake.Challenge) == 0 {
			return Failed(errors.New("handshake started without a challenge"))
		}
		return NeedMore(Write(RopotServiceHandshake, RopotCharHSKey, x.Handshake.Challenge))

	case RopotCharHSKey:
		if key, ok := x.Handshake.TakeFinish(); ok {
			return NeedMore(Write(RopotServiceHandshake, RopotCharHSKey, key))
		}
		// handshake done
		switch x.Action {
		case models.ActionUpdateHistory:
			var cmds []Command
			if x.DeviceTime < 0 {
				cmds = append(cmds, Read(RopotServiceHistory, RopotCharClock))
			}
			cmds = append(cmds, Write(RopotServiceHistory, RopotCharHistCtrl, ropotHistoryMode))
			return NeedMore(cmds...)
		case models.ActionUpdateRealtime:
			return NeedMore(Write(RopotServiceData, RopotCharMode, ropotModeRead))
		}

	case RopotCharMode:
		return NeedMore(Read(RopotServiceData, RopotCharData))

	case RopotCharHistCtrl:
		if x.Action == models.ActionClearHistory {
			return Complete()
		}
		return NeedMore(Read(RopotServiceHistory, RopotCharHistData))
	}
	return Ignored()
}

func (d ropotDecoder) onRead(x *Exchange, p Payload) Outcome {
	switch p.Char {
	case RopotCharInfo:
		if len(p.Data) > 0 {
			x.SetBattery(int(p.Data[0]))
		}
		if len(p.Data) > 2 {
			x.SetFirmware(string(p.Data[2:]))
		}
		return NeedMore(Write(RopotServiceData, RopotCharMode, ropotModeRead))

	case RopotCharClock:
		if err := codec.Need(p.Data, 4); err != nil {
			return Failed(err)
		}
		x.SetDeviceTime(int64(codec.I32LE(p.Data, 0)))
		return Ignored()

	case RopotCharHistData:
		return d.onHistory(x, p.Data)

	case RopotCharData:
		// the first read may return filler until the mode write has landed
		if ropotFiller(p.Data) {
			return NeedMore(Read(RopotServiceData, RopotCharData))
		}
		if err := codec.Need(p.Data, 10); err != nil {
			return Failed(err)
		}
		x.Reading.Set(models.FieldTemperature, codec.Tenths(codec.I16LE(p.Data, 0)))
		x.Reading.Set(models.FieldSoilMoisture, float64(p.Data[7]))
		x.Reading.Set(models.FieldSoilConductivity, float64(codec.U16LE(p.Data, 8)))
		x.Stamp()
		if x.Action == models.ActionUpdateRealtime {
			return ReadingReady(false, Read(RopotServiceData, RopotCharData))
		}
		return ReadingReady(true)
	}
	return Ignored()
}

// ropotFiller reports a stale data frame, whatever its length
func ropotFiller(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xAA && data[1] == 0xBB
}

func (ropotDecoder) onHistory(x *Exchange, data []byte) Outcome {
	if !x.History.Started() {
		if err := codec.Need(data, 2); err != nil {
			return Failed(err)
		}
		count := int(codec.I16LE(data, 0))
		if !x.History.Begin(count, x.Device.LastHistorySync, x.Now()) {
			return Failed(fmt.Errorf("history start index out of range (count %d)", count))
		}
		if x.History.Remaining() == 0 {
			return Complete()
		}
		return NeedMore(ropotEntryRequest(x.History.Index))
	}

	if err := codec.Need(data, ropotEntrySize); err != nil {
		return Failed(err)
	}
	x.Entries = append(x.Entries, ropotEntry(x, data))
	x.History.Advance()
	if x.History.Remaining() <= 0 {
		return Complete()
	}
	return NeedMore(ropotEntryRequest(x.History.Index))
}

func ropotEntryRequest(index int) Command {
	return Write(RopotServiceHistory, RopotCharHistCtrl, []byte{0xa1, byte(index % 256), byte(index / 256)})
}

// ropotEntry decodes one record: timestamp u32, temperature i16/10,
// luminosity u24 at 7, moisture at 11, conductivity u16 at 12
func ropotEntry(x *Exchange, data []byte) *models.SensorReading {
	r := models.NewSensorReading(x.Identity.Address)
	ts := int64(codec.U32LE(data, 0))
	if !x.DeviceWallTime.IsZero() {
		r.Timestamp = x.DeviceWallTime.Add(time.Duration(ts) * time.Second)
	} else {
		r.Timestamp = x.Now()
	}
	r.Set(models.FieldTemperature, codec.Tenths(codec.I16LE(data, 4)))
	r.Set(models.FieldLuminosity, float64(codec.U24LE(data, 7)))
	r.Set(models.FieldSoilMoisture, float64(data[11]))
	r.Set(models.FieldSoilConductivity, float64(codec.U16LE(data, 12)))
	return r
}

// ParseAdvertisement decodes MiBeacon service data
func (ropotDecoder) ParseAdvertisement(r *models.SensorReading, data []byte) bool {
	return ParseMiBeacon(r, data)
}
