package protocol

import (
	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/codec"
	"github.com/afroash/plantmon/internal/models"
)

// WP6003 air box
var (
	WP6003Service = bt16(0xfff0)
	WP6003CharTX  = bt16(0xfff1)
	WP6003CharRX  = bt16(0xfff4)
)

const (
	wp6003FrameStatus  = 0xaa
	wp6003FrameReading = 0x0a
	wp6003FrameLen     = 18

	// voc and hcho read this value while the sensor warms up
	wp6003Warmup = 16383
)

type wp6003Decoder struct{}

func (wp6003Decoder) Model() models.Model { return models.ModelWP6003 }

func (wp6003Decoder) Supports(a models.Action) bool {
	return a == models.ActionUpdate
}

func (wp6003Decoder) SelectServices(*Exchange) []uuid.UUID {
	return []uuid.UUID{WP6003Service}
}

func (wp6003Decoder) OnServiceReady(x *Exchange, svc uuid.UUID) ([]Command, error) {
	if svc != WP6003Service {
		return nil, nil
	}
	now := x.Now()
	setTime := []byte{
		0xaa,
		byte(now.Year() % 100),
		byte(now.Month()),
		byte(now.Day()),
		byte(now.Hour()),
		byte(now.Minute()),
		byte(now.Second()),
	}
	return []Command{
		Subscribe(WP6003Service, WP6003CharRX),
		WriteNoAck(WP6003Service, WP6003CharTX, setTime),
		WriteNoAck(WP6003Service, WP6003CharTX, []byte{0xab}),
	}, nil
}

func (wp6003Decoder) OnPayload(x *Exchange, p Payload) Outcome {
	if p.Kind != PayloadNotify || p.Char != WP6003CharRX || len(p.Data) == 0 {
		return Ignored()
	}

	switch p.Data[0] {
	case wp6003FrameStatus:
		return Ignored()
	case wp6003FrameReading:
		if len(p.Data) < wp6003FrameLen {
			return Ignored()
		}
	default:
		return Ignored()
	}

	voc := codec.U16BE(p.Data, 10)
	hcho := codec.U16BE(p.Data, 12)
	if voc < wp6003Warmup && hcho < wp6003Warmup {
		x.Reading.Set(models.FieldVOC, float64(voc))
		x.Reading.Set(models.FieldHCHO, float64(hcho))
	} else if x.Previous != nil {
		if v, ok := x.Previous.Get(models.FieldVOC); ok {
			x.Reading.Set(models.FieldVOC, v)
		}
		if v, ok := x.Previous.Get(models.FieldHCHO); ok {
			x.Reading.Set(models.FieldHCHO, v)
		}
	}
	x.Reading.Set(models.FieldTemperature, codec.Tenths(codec.I16BE(p.Data, 6)))
	x.Reading.Set(models.FieldCO2, float64(codec.U16BE(p.Data, 16)))
	x.Stamp()
	return ReadingReady(true)
}
