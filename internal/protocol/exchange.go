package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/version"
)

// Exchange is the per-attempt arena shared between a session and its
// decoder. It is rebuilt on every accepted action.
type Exchange struct {
	Action   models.Action
	Identity models.DeviceIdentity
	Device   *models.DeviceInfo
	TempUnit models.TempUnit
	Now      func() time.Time

	// Reading is filled by the current attempt, Previous is the last
	// known sample and is only read from
	Reading  *models.SensorReading
	Previous *models.SensorReading

	Services  []uuid.UUID
	Handshake *HandshakeContext
	History   HistoryCursor
	Entries   []*models.SensorReading

	// DeviceTime is the device clock in seconds since boot, -1 if unknown
	DeviceTime     int64
	DeviceWallTime time.Time
}

// NewExchange builds a fresh arena for one attempt
func NewExchange(action models.Action, device *models.DeviceInfo, previous *models.SensorReading, unit models.TempUnit, now func() time.Time) *Exchange {
	if now == nil {
		now = time.Now
	}
	id := models.DeviceIdentity{Address: device.Address, Name: device.Name, Model: device.Model}
	return &Exchange{
		Action:     action,
		Identity:   id,
		Device:     device,
		TempUnit:   unit,
		Now:        now,
		Reading:    models.NewSensorReading(device.Address),
		Previous:   previous,
		History:    NewHistoryCursor(),
		DeviceTime: -1,
	}
}

// SetBattery records a battery level on the reading and the device
func (x *Exchange) SetBattery(pct int) {
	if x.Reading.SetBattery(pct) {
		x.Device.SetBattery(pct)
	}
}

// SetFirmware records the firmware string and its up-to-date flag
func (x *Exchange) SetFirmware(fw string) {
	if fw == "" {
		return
	}
	x.Device.Firmware = fw
	x.Device.FirmwareCurrent = version.UpToDate(x.Device.Model, fw)
	x.Reading.Firmware = fw
}

// Opened reports whether svc was opened for this attempt
func (x *Exchange) Opened(svc uuid.UUID) bool {
	return contains(x.Services, svc)
}

// Stamp sets the reading timestamp to now
func (x *Exchange) Stamp() {
	x.Reading.Timestamp = x.Now()
}

// SetDeviceTime records the device clock and derives its wall clock origin
func (x *Exchange) SetDeviceTime(secs int64) {
	x.DeviceTime = secs
	x.DeviceWallTime = x.Now().Add(-time.Duration(secs) * time.Second)
}

// HandshakeContext holds the keys of a challenge/response handshake.
// The finish key can be taken exactly once.
type HandshakeContext struct {
	Challenge []byte
	finish    []byte
}

// NewHandshakeContext stores the two derived keys
func NewHandshakeContext(challenge, finish []byte) *HandshakeContext {
	return &HandshakeContext{Challenge: challenge, finish: finish}
}

// FinishPending reports whether the finish key has not been sent yet
func (h *HandshakeContext) FinishPending() bool {
	return h != nil && len(h.finish) > 0
}

// TakeFinish returns the finish key and clears it
func (h *HandshakeContext) TakeFinish() ([]byte, bool) {
	if !h.FinishPending() {
		return nil, false
	}
	k := h.finish
	h.finish = nil
	return k, true
}

// HistoryCursor tracks a history download. Fields are -1 until the entry
// count has been read.
type HistoryCursor struct {
	Count  int
	Index  int
	Target int
	Read   int
}

// NewHistoryCursor returns a cursor in its unread state
func NewHistoryCursor() HistoryCursor {
	return HistoryCursor{Count: -1, Index: -1, Target: -1, Read: -1}
}

// Started reports whether the entry count is known
func (c HistoryCursor) Started() bool {
	return c.Count >= 0
}

// EntriesToRead computes how many hourly entries to fetch. Without a valid
// last sync, or when it is older than what the device stores, everything
// is read; otherwise only the hours elapsed since.
func EntriesToRead(count int, lastSync, now time.Time) int {
	n := count
	if !lastSync.IsZero() {
		elapsed := int64(now.Sub(lastSync) / time.Second)
		if elapsed < int64(count)*3600 {
			n = int(elapsed / 3600)
		}
	}
	if n > count {
		n = count
	}
	return n
}

// Begin sets the count and the session target. It returns false when the
// computed start index is out of range and the sync must be aborted.
func (c *HistoryCursor) Begin(count int, lastSync, now time.Time) bool {
	c.Count = count
	n := EntriesToRead(count, lastSync, now)
	if n < 0 {
		return false
	}
	c.Index = n
	c.Target = n
	c.Read = 0
	return true
}

// Advance records one entry read and moves to the next, newer, index
func (c *HistoryCursor) Advance() {
	c.Read++
	c.Index--
}

// Remaining is the number of entries still to read this session
func (c HistoryCursor) Remaining() int {
	if c.Target < 0 {
		return 0
	}
	return c.Target - c.Read
}

// Percent is the download progress of this session
func (c HistoryCursor) Percent() int {
	if c.Target <= 0 {
		return 0
	}
	return c.Read * 100 / c.Target
}
