package protocol

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/plantmon/internal/codec"
	"github.com/afroash/plantmon/internal/models"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestRopotHandshakeKeys(t *testing.T) {
	hs, err := RopotHandshake([6]byte{0xC4, 0x7C, 0x8D, 0x6A, 0x11, 0x22})
	require.NoError(t, err)

	assert.Equal(t, mustHex(t, "3d318db9a07d54050dff5a4e"), hs.Challenge)
	finish, ok := hs.TakeFinish()
	require.True(t, ok)
	assert.Equal(t, mustHex(t, "00dafc33"), finish)
}

func TestRopotServiceSelection(t *testing.T) {
	d, _ := For(models.ModelRopot)

	cases := []struct {
		action models.Action
		want   []uuid.UUID
	}{
		{models.ActionUpdate, []uuid.UUID{RopotServiceData}},
		{models.ActionUpdateRealtime, []uuid.UUID{RopotServiceData, RopotServiceHandshake}},
		{models.ActionUpdateHistory, []uuid.UUID{RopotServiceHandshake, RopotServiceHistory}},
		{models.ActionClearHistory, []uuid.UUID{RopotServiceData, RopotServiceHistory}},
	}
	for _, tc := range cases {
		t.Run(tc.action.String(), func(t *testing.T) {
			x := newExchange(models.ModelRopot, tc.action)
			assert.Equal(t, tc.want, d.SelectServices(x))
		})
	}

	assert.False(t, d.Supports(models.ActionLedBlink))
	assert.False(t, d.Supports(models.ActionWatering))
}

func TestRopotUpdateSequence(t *testing.T) {
	d, _ := For(models.ModelRopot)
	x := newExchange(models.ModelRopot, models.ActionUpdate)

	cmds := openAll(t, d, x)
	require.Equal(t, []Command{Read(RopotServiceData, RopotCharInfo)}, cmds)

	// battery 64%, firmware 1.1.5
	out := d.OnPayload(x, readOf(cmds[0], append([]byte{0x40, 0x00}, []byte("1.1.5")...)))
	require.Equal(t, OutcomeNeedMore, out.Kind)
	require.Len(t, out.Commands, 1)
	mode := out.Commands[0]
	assert.Equal(t, RopotCharMode, mode.Char)
	assert.Equal(t, []byte{0xa0, 0x1f}, mode.Data)
	assert.Equal(t, 64, x.Device.Battery)
	assert.Equal(t, "1.1.5", x.Device.Firmware)
	assert.True(t, x.Device.FirmwareCurrent)

	out = d.OnPayload(x, writtenOf(mode))
	require.Equal(t, []Command{Read(RopotServiceData, RopotCharData)}, out.Commands)

	// filler until the mode switch lands: read again
	filler := mustHex(t, "aabbccddeeff99887766554433221100")
	out = d.OnPayload(x, readOf(out.Commands[0], filler))
	require.Equal(t, OutcomeNeedMore, out.Kind)
	assert.Equal(t, []Command{Read(RopotServiceData, RopotCharData)}, out.Commands)
	assert.True(t, x.Reading.Empty())

	// 21.5°C, moisture 33, conductivity 420
	data := []byte{0xD7, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x21, 0xA4, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	out = d.OnPayload(x, Payload{Kind: PayloadRead, Char: RopotCharData, Data: data})
	require.Equal(t, OutcomeReading, out.Kind)
	assert.True(t, out.Disconnect)
	assert.InDelta(t, 21.5, x.Reading.Value(models.FieldTemperature), 1e-9)
	assert.Equal(t, 33.0, x.Reading.Value(models.FieldSoilMoisture))
	assert.Equal(t, 420.0, x.Reading.Value(models.FieldSoilConductivity))
}

func TestRopotFillerFrames(t *testing.T) {
	d, _ := For(models.ModelRopot)

	cases := []struct {
		name string
		data []byte
		want OutcomeKind
	}{
		{"full filler", mustHex(t, "aabbccddeeff99887766554433221100"), OutcomeNeedMore},
		{"ten byte filler", mustHex(t, "aabb0000000000000000"), OutcomeNeedMore},
		{"short filler", mustHex(t, "aabbccdd"), OutcomeNeedMore},
		{"bare marker", []byte{0xAA, 0xBB}, OutcomeNeedMore},
		{"short frame", []byte{0xD7, 0x00, 0x00, 0x00}, OutcomeFailed},
		{"single byte", []byte{0xAA}, OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			x := newExchange(models.ModelRopot, models.ActionUpdate)
			out := d.OnPayload(x, Payload{Kind: PayloadRead, Service: RopotServiceData, Char: RopotCharData, Data: tc.data})
			require.Equal(t, tc.want, out.Kind)
			if tc.want == OutcomeNeedMore {
				assert.Equal(t, []Command{Read(RopotServiceData, RopotCharData)}, out.Commands)
			} else {
				assert.ErrorIs(t, out.Err, codec.ErrShortPayload)
			}
			assert.True(t, x.Reading.Empty())
		})
	}
}

// walkHandshake drives the start/challenge/finish writes and returns the
// outcome of the final acknowledgement
func walkHandshake(t *testing.T, d Decoder, x *Exchange, start Command) Outcome {
	t.Helper()
	require.Equal(t, RopotCharHSStart, start.Char)
	require.Equal(t, []byte{0x90, 0xca, 0x85, 0xde}, start.Data)

	out := d.OnPayload(x, writtenOf(start))
	require.Len(t, out.Commands, 1)
	challenge := out.Commands[0]
	assert.Equal(t, RopotCharHSKey, challenge.Char)
	assert.Len(t, challenge.Data, 12)

	out = d.OnPayload(x, writtenOf(challenge))
	require.Len(t, out.Commands, 1)
	finish := out.Commands[0]
	assert.Equal(t, RopotCharHSKey, finish.Char)
	assert.Len(t, finish.Data, 4)
	assert.False(t, x.Handshake.FinishPending())

	return d.OnPayload(x, writtenOf(finish))
}

func TestRopotRealtime(t *testing.T) {
	d, _ := For(models.ModelRopot)
	x := newExchange(models.ModelRopot, models.ActionUpdateRealtime)

	cmds := openAll(t, d, x)
	require.Len(t, cmds, 1)

	out := walkHandshake(t, d, x, cmds[0])
	require.Equal(t, []Command{Write(RopotServiceData, RopotCharMode, []byte{0xa0, 0x1f})}, out.Commands)

	out = d.OnPayload(x, writtenOf(out.Commands[0]))
	require.Len(t, out.Commands, 1)

	data := []byte{0xD7, 0x00, 0, 0, 0, 0, 0, 0x21, 0xA4, 0x01}
	out = d.OnPayload(x, readOf(out.Commands[0], data))
	require.Equal(t, OutcomeReading, out.Kind)
	assert.False(t, out.Disconnect)
	assert.Equal(t, []Command{Read(RopotServiceData, RopotCharData)}, out.Commands)
}

func ropotHistoryEntry(ts uint32, temp int16, lux uint32, moisture byte, condu uint16) []byte {
	e := make([]byte, 16)
	e[0], e[1], e[2], e[3] = byte(ts), byte(ts>>8), byte(ts>>16), byte(ts>>24)
	e[4], e[5] = byte(temp), byte(temp>>8)
	e[7], e[8], e[9] = byte(lux), byte(lux>>8), byte(lux>>16)
	e[11] = moisture
	e[12], e[13] = byte(condu), byte(condu>>8)
	return e
}

func TestRopotHistorySync(t *testing.T) {
	d, _ := For(models.ModelRopot)
	x := newExchange(models.ModelRopot, models.ActionUpdateHistory)
	x.Device.LastHistorySync = testNow.Add(-3 * time.Hour)

	cmds := openAll(t, d, x)
	require.Len(t, cmds, 1)

	out := walkHandshake(t, d, x, cmds[0])
	require.Len(t, out.Commands, 2)
	assert.Equal(t, Read(RopotServiceHistory, RopotCharClock), out.Commands[0])
	assert.Equal(t, Write(RopotServiceHistory, RopotCharHistCtrl, []byte{0xa0, 0x00, 0x00}), out.Commands[1])

	// device booted 10 days ago
	clock := []byte{0x00, 0x2F, 0x0D, 0x00} // 864000
	out = d.OnPayload(x, readOf(out.Commands[0], clock))
	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.Equal(t, int64(864000), x.DeviceTime)
	assert.Equal(t, testNow.Add(-240*time.Hour), x.DeviceWallTime)

	out = d.OnPayload(x, writtenOf(Write(RopotServiceHistory, RopotCharHistCtrl, []byte{0xa0, 0x00, 0x00})))
	require.Equal(t, []Command{Read(RopotServiceHistory, RopotCharHistData)}, out.Commands)

	// 200 stored entries, last sync 3h ago: read indices 3, 2, 1
	out = d.OnPayload(x, readOf(out.Commands[0], []byte{0xC8, 0x00}))
	require.Equal(t, OutcomeNeedMore, out.Kind)
	assert.Equal(t, []byte{0xa1, 0x03, 0x00}, out.Commands[0].Data)
	assert.Equal(t, 3, x.History.Target)

	for i := 3; i >= 1; i-- {
		out = d.OnPayload(x, writtenOf(out.Commands[0]))
		require.Equal(t, []Command{Read(RopotServiceHistory, RopotCharHistData)}, out.Commands)

		entry := ropotHistoryEntry(uint32(864000-i*3600), 205, 1200, 40, 310)
		out = d.OnPayload(x, readOf(out.Commands[0], entry))
		if i > 1 {
			require.Equal(t, OutcomeNeedMore, out.Kind)
			assert.Equal(t, []byte{0xa1, byte(i - 1), 0x00}, out.Commands[0].Data)
		}
	}

	assert.Equal(t, OutcomeComplete, out.Kind)
	assert.True(t, out.Disconnect)
	require.Len(t, x.Entries, 3)
	assert.Equal(t, 100, x.History.Percent())

	first := x.Entries[0]
	assert.Equal(t, testNow.Add(-3*time.Hour), first.Timestamp)
	assert.InDelta(t, 20.5, first.Value(models.FieldTemperature), 1e-9)
	assert.Equal(t, 1200.0, first.Value(models.FieldLuminosity))
	assert.Equal(t, 40.0, first.Value(models.FieldSoilMoisture))
	assert.Equal(t, 310.0, first.Value(models.FieldSoilConductivity))
}

func TestRopotHistoryNothingToRead(t *testing.T) {
	d, _ := For(models.ModelRopot)
	x := newExchange(models.ModelRopot, models.ActionUpdateHistory)
	x.Device.LastHistorySync = testNow.Add(-10 * time.Minute)

	out := d.OnPayload(x, Payload{Kind: PayloadRead, Char: RopotCharHistData, Data: []byte{0x10, 0x00}})
	assert.Equal(t, OutcomeComplete, out.Kind)
	assert.Empty(t, x.Entries)
}

func TestRopotHistoryAbortsOnBadIndex(t *testing.T) {
	d, _ := For(models.ModelRopot)
	x := newExchange(models.ModelRopot, models.ActionUpdateHistory)
	x.Device.LastHistorySync = testNow.Add(5 * time.Hour)

	out := d.OnPayload(x, Payload{Kind: PayloadRead, Char: RopotCharHistData, Data: []byte{0x10, 0x00}})
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, models.ErrProtocol)
}

func TestRopotClearHistory(t *testing.T) {
	d, _ := For(models.ModelRopot)
	x := newExchange(models.ModelRopot, models.ActionClearHistory)

	cmds := openAll(t, d, x)
	require.Equal(t, []Command{Write(RopotServiceHistory, RopotCharHistCtrl, []byte{0xa2, 0x00, 0x00})}, cmds)

	out := d.OnPayload(x, writtenOf(cmds[0]))
	assert.Equal(t, OutcomeComplete, out.Kind)
}

func TestRopotBadAddress(t *testing.T) {
	d, _ := For(models.ModelRopot)
	x := newExchange(models.ModelRopot, models.ActionUpdateRealtime)
	x.Identity.Address = "nope"

	_, err := d.OnServiceReady(x, RopotServiceHandshake)
	assert.Error(t, err)
}
