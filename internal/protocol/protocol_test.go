package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/plantmon/internal/models"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const testAddress = "C4:7C:8D:6A:11:22"

func newExchange(model models.Model, action models.Action) *Exchange {
	dev := models.NewDeviceInfo(models.DeviceIdentity{Address: testAddress, Name: model.String(), Model: model})
	return NewExchange(action, dev, nil, models.Celsius, func() time.Time { return testNow })
}

// openAll runs service selection and readiness like a session would
func openAll(t *testing.T, d Decoder, x *Exchange) []Command {
	t.Helper()
	x.Services = d.SelectServices(x)
	var cmds []Command
	for _, svc := range x.Services {
		c, err := d.OnServiceReady(x, svc)
		require.NoError(t, err)
		cmds = append(cmds, c...)
	}
	return cmds
}

func readOf(c Command, data []byte) Payload {
	return Payload{Kind: PayloadRead, Service: c.Service, Char: c.Char, Data: data}
}

func writtenOf(c Command) Payload {
	return Payload{Kind: PayloadWritten, Service: c.Service, Char: c.Char, Data: c.Data}
}

func TestRegistryCoversModels(t *testing.T) {
	for _, m := range []models.Model{
		models.ModelHygrotempSquare, models.ModelHygrotempCGG1, models.ModelRopot,
		models.ModelParrotPot, models.ModelWP6003, models.ModelGeigerCounter,
		models.ModelHiGrow, models.ModelAirQualityMonitor, models.ModelFlowerCare,
	} {
		d, ok := For(m)
		require.True(t, ok, m.String())
		assert.Equal(t, m, d.Model())
	}

	_, ok := For(models.ModelUnknown)
	assert.False(t, ok)
	assert.Len(t, Models(), 9)
}

func TestAdvertisementParsers(t *testing.T) {
	for _, m := range []models.Model{models.ModelRopot, models.ModelFlowerCare} {
		d, _ := For(m)
		_, ok := d.(AdvertisementParser)
		assert.True(t, ok, m.String())
	}
	d, _ := For(models.ModelWP6003)
	_, ok := d.(AdvertisementParser)
	assert.False(t, ok)
}

func TestEntriesToRead(t *testing.T) {
	cases := []struct {
		name     string
		count    int
		lastSync time.Time
		want     int
	}{
		{"five hours since last sync", 100, testNow.Add(-5 * time.Hour), 5},
		{"partial hour rounds down", 100, testNow.Add(-90 * time.Minute), 1},
		{"no last sync", 100, time.Time{}, 100},
		{"last sync older than stored range", 10, testNow.Add(-48 * time.Hour), 10},
		{"last sync in the future", 10, testNow.Add(2 * time.Hour), -2},
		{"empty device", 0, time.Time{}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EntriesToRead(tc.count, tc.lastSync, testNow))
		})
	}
}

func TestHistoryCursor(t *testing.T) {
	c := NewHistoryCursor()
	assert.False(t, c.Started())
	assert.Equal(t, 0, c.Percent())

	require.True(t, c.Begin(100, testNow.Add(-4*time.Hour), testNow))
	assert.Equal(t, 4, c.Index)
	assert.Equal(t, 4, c.Remaining())

	c.Advance()
	assert.Equal(t, 25, c.Percent())
	assert.Equal(t, 3, c.Index)

	assert.False(t, c.Begin(10, testNow.Add(time.Hour), testNow))
}

func TestHandshakeFinishConsumedOnce(t *testing.T) {
	h := NewHandshakeContext([]byte{1, 2}, []byte{3, 4})
	require.True(t, h.FinishPending())

	k, ok := h.TakeFinish()
	require.True(t, ok)
	assert.Equal(t, []byte{3, 4}, k)

	_, ok = h.TakeFinish()
	assert.False(t, ok)
	assert.False(t, h.FinishPending())

	var nilCtx *HandshakeContext
	assert.False(t, nilCtx.FinishPending())
}

func TestFailedWrapsProtocolError(t *testing.T) {
	out := Failed(errors.New("boom"))
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, models.ErrProtocol)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestExchangeFirmware(t *testing.T) {
	x := newExchange(models.ModelRopot, models.ActionUpdate)
	x.SetFirmware("1.1.5")
	assert.Equal(t, "1.1.5", x.Device.Firmware)
	assert.True(t, x.Device.FirmwareCurrent)

	x.SetFirmware("1.1")
	assert.False(t, x.Device.FirmwareCurrent)

	x.SetBattery(0)
	assert.Equal(t, -1, x.Device.Battery)
	x.SetBattery(77)
	assert.Equal(t, 77, x.Device.Battery)
	assert.Equal(t, 77, x.Reading.Battery)
}
