package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/protocol"
)

const (
	DefaultTimeout       = 16 * time.Second
	DefaultErrorInterval = 10 * time.Minute

	// freshWindow bounds how old data may be and still count as available
	freshWindow = 12 * time.Hour
)

// Config holds the per-device tunables of a session
type Config struct {
	Timeout        time.Duration
	UpdateInterval time.Duration
	ErrorInterval  time.Duration
	TempUnit       models.TempUnit
	Notifications  bool
	Limits         models.PlantLimits
	Now            func() time.Time

	// Post hands events raised outside Handle, such as history commits,
	// to whoever drives the session. Without it they are handled on their
	// own goroutine.
	Post func(Event)
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 60 * time.Minute
	}
	if c.ErrorInterval <= 0 {
		c.ErrorInterval = DefaultErrorInterval
	}
	if c.TempUnit == "" {
		c.TempUnit = models.Celsius
	}
	if c.Limits == (models.PlantLimits{}) {
		c.Limits = models.DefaultPlantLimits()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session drives one device through connect, discovery, protocol
// exchange and teardown. It does no I/O itself: every input is an Event
// and every output an Effect for the caller to execute.
type Session struct {
	mu sync.RWMutex

	id      models.DeviceIdentity
	device  *models.DeviceInfo
	decoder protocol.Decoder
	gateway Gateway
	events  Publisher
	cfg     Config
	logger  zerolog.Logger

	state   models.ConnectionState
	attempt uint64
	x       *protocol.Exchange
	wanted  []uuid.UUID

	pending   []protocol.Command
	inflight  *protocol.Command
	finishing bool
	discard   bool

	last       *models.SensorReading
	lastUpdate time.Time
	lastError  time.Time
	lastErr    error
}

// New creates an offline session for device
func New(device *models.DeviceInfo, cfg Config, gateway Gateway, events Publisher, logger zerolog.Logger) *Session {
	cfg.applyDefaults()
	if events == nil {
		events = nopPublisher{}
	}
	id := models.DeviceIdentity{Address: device.Address, Name: device.Name, Model: device.Model}
	dec, _ := protocol.For(device.Model)

	s := &Session{
		id:      id,
		device:  device,
		decoder: dec,
		gateway: gateway,
		events:  events,
		cfg:     cfg,
		logger: logger.With().
			Str("address", id.Address).
			Str("model", id.Model.String()).
			Logger(),
	}
	if s.cfg.Post == nil {
		s.cfg.Post = func(ev Event) { go s.Handle(ev) }
	}
	return s
}

// Identity returns the device identity
func (s *Session) Identity() models.DeviceIdentity {
	return s.id
}

// Supports reports whether the device can run action a
func (s *Session) Supports(a models.Action) bool {
	return s.decoder != nil && s.decoder.Supports(a)
}

// State returns the connection state
func (s *Session) State() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attempt returns the generation of the current or last attempt
func (s *Session) Attempt() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempt
}

// Device returns a copy of the device info
func (s *Session) Device() *models.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device.Copy()
}

// LastReading returns a copy of the last good reading, or nil
func (s *Session) LastReading() *models.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last.Copy()
}

// LastUpdate returns the time of the last successful update
func (s *Session) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// LastError returns the time and cause of the last failed attempt
func (s *Session) LastError() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError, s.lastErr
}

// Limits returns the plant limits
func (s *Session) Limits() models.PlantLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Limits
}

// SetLimits replaces the plant limits
func (s *Session) SetLimits(l models.PlantLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Limits = l
}

// UpdateInterval returns the periodic update interval
func (s *Session) UpdateInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.UpdateInterval
}

// HistoryProgress returns the history download progress in percent
func (s *Session) HistoryProgress() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.x == nil || s.state != models.StateUpdatingHistory {
		return 0
	}
	return s.x.History.Percent()
}

// IsErrored reports whether the last attempt failed recently
func (s *Session) IsErrored() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.lastError.IsZero() && s.cfg.Now().Sub(s.lastError) < freshWindow
}

// IsDataFresh reports whether the last update is within one update interval
func (s *Session) IsDataFresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.lastUpdate.IsZero() && s.cfg.Now().Sub(s.lastUpdate) < s.cfg.UpdateInterval
}

// IsDataAvailable reports whether there is data younger than 12 hours
func (s *Session) IsDataAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last != nil && !s.lastUpdate.IsZero() && s.cfg.Now().Sub(s.lastUpdate) < freshWindow
}

// Restore seeds the session with a reading loaded from storage
func (s *Session) Restore(r *models.SensorReading) {
	if r == nil || r.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r.Copy()
	s.lastUpdate = r.Timestamp
	if r.Battery > 0 && s.device.Battery < 0 {
		s.device.SetBattery(r.Battery)
	}
}

// MarkQueued flags an idle session as waiting for the radio
func (s *Session) MarkQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateOffline {
		return false
	}
	s.setState(models.StateQueued)
	return true
}

// ClearData forgets the in-memory reading. It fails while busy.
func (s *Session) ClearData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Busy() {
		return false
	}
	s.last = nil
	s.lastUpdate = time.Time{}
	return true
}

// HandleAdvertisement merges measurements broadcast by the device into
// the last reading without opening a link. It reports whether the frame
// carried anything.
func (s *Session) HandleAdvertisement(data []byte) bool {
	parser, ok := s.decoder.(protocol.AdvertisementParser)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := models.NewSensorReading(s.id.Address)
	if !parser.ParseAdvertisement(r, data) {
		return false
	}

	if r.Battery > 0 && r.Battery != s.device.Battery && s.device.SetBattery(r.Battery) {
		s.saveDevice()
	}
	if r.Empty() {
		return true
	}

	merged := models.NewSensorReading(s.id.Address)
	if s.last != nil {
		merged = s.last.Copy()
	}
	for _, f := range r.Fields() {
		merged.Set(f, r.Value(f))
	}
	merged.Timestamp = s.cfg.Now()
	merged.Battery = s.device.Battery
	s.storeReading(merged)
	s.checkWater(merged)

	ev := s.event(models.EventData)
	ev.Reading = merged.Copy()
	s.events.Publish(ev)
	return true
}

// RequestAction starts a new attempt. It returns nil when the request is
// rejected, which leaves any running attempt untouched.
func (s *Session) RequestAction(a models.Action) []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decoder == nil || !s.decoder.Supports(a) {
		s.logger.Warn().Str("action", a.String()).Msg("Action not supported by this device")
		return nil
	}
	if s.state.Busy() {
		s.logger.Debug().
			Str("action", a.String()).
			Str("state", s.state.String()).
			Msg("Device busy, request dropped")
		return nil
	}

	s.attempt++
	s.x = protocol.NewExchange(a, s.device, s.last, s.cfg.TempUnit, s.cfg.Now)
	s.wanted = nil
	s.pending = nil
	s.inflight = nil
	s.finishing = false
	s.discard = false

	s.logger.Info().
		Str("action", a.String()).
		Uint64("attempt", s.attempt).
		Msg("Starting attempt")

	s.setState(models.StateConnecting)
	return []Effect{s.armTimeout(), {Kind: EffectConnect, Attempt: s.attempt}}
}

// Handle feeds one event into the session and returns the resulting effects
func (s *Session) Handle(ev Event) []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == EventHistoryCommitted {
		s.historyCommitted(ev.At, ev.Err)
		return nil
	}

	if ev.Attempt != 0 && ev.Attempt != s.attempt {
		s.logger.Debug().
			Str("event", ev.Kind.String()).
			Uint64("event_attempt", ev.Attempt).
			Uint64("attempt", s.attempt).
			Msg("Event of an earlier attempt ignored")
		if ev.Kind == EventConnected {
			// nobody owns that link any more
			return []Effect{{Kind: EffectDisconnect, Attempt: ev.Attempt}}
		}
		return nil
	}

	switch ev.Kind {
	case EventTimeout:
		if ev.Attempt != s.attempt || !s.state.Busy() {
			return nil
		}
		return s.fail(fmt.Errorf("%w after %s in %s", models.ErrTimeout, s.cfg.Timeout, s.state), true)

	case EventCancel:
		if !s.state.Busy() {
			return nil
		}
		return s.fail(models.ErrCancelled, true)

	case EventLinkError:
		if !s.state.Busy() {
			return nil
		}
		return s.fail(fmt.Errorf("%w: %w", models.ErrLink, errOrUnknown(ev.Err)), true)

	case EventConnected:
		return s.onConnected()

	case EventDisconnected:
		return s.onDisconnected()
	}

	if !s.working() {
		s.logger.Debug().Str("event", ev.Kind.String()).Msg("Event outside of an attempt ignored")
		return nil
	}

	switch ev.Kind {
	case EventServiceDiscovered:
		if contains(s.wanted, ev.Service) && !s.x.Opened(ev.Service) {
			s.x.Services = append(s.x.Services, ev.Service)
		}
		return nil

	case EventDiscoveryFinished:
		if len(s.x.Services) == 0 {
			return s.fail(fmt.Errorf("%w: no usable service", models.ErrProtocol), true)
		}
		effects := make([]Effect, 0, len(s.x.Services))
		for _, svc := range s.x.Services {
			effects = append(effects, Effect{Kind: EffectDiscoverDetails, Service: svc})
		}
		return effects

	case EventServiceDetailsDiscovered:
		cmds, err := s.decoder.OnServiceReady(s.x, ev.Service)
		if err != nil {
			return s.fail(fmt.Errorf("%w: %w", models.ErrProtocol, err), true)
		}
		s.pending = append(s.pending, cmds...)
		return s.pump(nil)

	case EventCharacteristicRead:
		s.inflight = nil
		return s.apply(protocol.Payload{Kind: protocol.PayloadRead, Service: ev.Service, Char: ev.Char, Data: ev.Data})

	case EventCharacteristicWritten:
		s.inflight = nil
		return s.apply(protocol.Payload{Kind: protocol.PayloadWritten, Service: ev.Service, Char: ev.Char, Data: ev.Data})

	case EventDescriptorWritten:
		s.inflight = nil
		return s.apply(protocol.Payload{Kind: protocol.PayloadDescriptorWritten, Service: ev.Service, Char: ev.Char})

	case EventCharacteristicChanged:
		return s.apply(protocol.Payload{Kind: protocol.PayloadNotify, Service: ev.Service, Char: ev.Char, Data: ev.Data})

	case EventOperationFailed:
		return s.fail(fmt.Errorf("%w: %s failed: %w", models.ErrProtocol, ev.Char, errOrUnknown(ev.Err)), true)
	}

	return nil
}

// working reports whether the link is up and an exchange is running
func (s *Session) working() bool {
	return s.x != nil && s.state.Busy() && s.state != models.StateConnecting
}

func (s *Session) onConnected() []Effect {
	if s.state != models.StateConnecting {
		s.logger.Debug().Str("state", s.state.String()).Msg("Stale connection event ignored")
		if s.state.Busy() {
			return nil
		}
		return []Effect{{Kind: EffectDisconnect, Attempt: s.attempt}}
	}

	var effects []Effect
	switch s.x.Action {
	case models.ActionUpdateRealtime, models.ActionUpdateHistory:
		// long running, bounded by the device rather than the timer
		effects = append(effects, Effect{Kind: EffectStopTimeout})
	default:
		effects = append(effects, s.armTimeout())
	}

	s.wanted = s.decoder.SelectServices(s.x)
	s.setState(models.StateForAction(s.x.Action))
	return append(effects, Effect{Kind: EffectDiscoverServices})
}

func (s *Session) onDisconnected() []Effect {
	switch s.state {
	case models.StateOffline, models.StateQueued, models.StateError:
		return nil

	case models.StateConnecting, models.StateUpdating:
		return s.fail(fmt.Errorf("%w: disconnected in %s", models.ErrLink, s.state), false)

	case models.StateUpdatingHistory:
		s.logger.Warn().
			Int("entries", len(s.x.Entries)).
			Int("progress", s.x.History.Percent()).
			Msg("History download interrupted")
		s.persistEntries(false)
		s.saveDevice()
		return s.fail(fmt.Errorf("%w: disconnected during history download", models.ErrLink), false)

	default:
		s.logger.Info().Str("state", s.state.String()).Msg("Disconnected")
		s.x = nil
		s.setState(models.StateOffline)
		return []Effect{
			{Kind: EffectStopTimeout},
			{Kind: EffectScheduleUpdate, Delay: s.cfg.UpdateInterval},
		}
	}
}

func (s *Session) apply(p protocol.Payload) []Effect {
	out := s.decoder.OnPayload(s.x, p)

	switch out.Kind {
	case protocol.OutcomeIgnored:
	case protocol.OutcomeNeedMore:
		s.pending = append(s.pending, out.Commands...)

	case protocol.OutcomeReading:
		if s.x.Action == models.ActionUpdateRealtime && !out.Disconnect {
			s.publishRealtime(out.Discard)
		} else {
			s.finishing = true
			s.discard = out.Discard
		}
		s.pending = append(s.pending, out.Commands...)

	case protocol.OutcomeComplete:
		s.finishing = true
		s.pending = append(s.pending, out.Commands...)

	case protocol.OutcomeFailed:
		return s.fail(out.Err, true)
	}

	if s.x.Action == models.ActionUpdateHistory && s.x.History.Started() && !s.finishing {
		ev := s.event(models.EventHistory)
		ev.Progress = s.x.History.Percent()
		s.events.Publish(ev)
	}
	return s.pump(nil)
}

// pump issues the next queued command, or finalizes once the attempt has
// its result and nothing is in flight
func (s *Session) pump(effects []Effect) []Effect {
	if s.inflight != nil {
		return effects
	}
	if len(s.pending) > 0 {
		cmd := s.pending[0]
		s.pending = s.pending[1:]
		s.inflight = &cmd
		return append(effects, Effect{Kind: EffectIssue, Command: cmd})
	}
	if s.finishing {
		return append(effects, s.succeed()...)
	}
	return effects
}

// publishRealtime handles an intermediate sample of a live session
func (s *Session) publishRealtime(discard bool) {
	r := s.x.Reading.Copy()
	if r.Timestamp.IsZero() {
		r.Timestamp = s.cfg.Now()
	}
	if discard || r.Empty() {
		return
	}
	s.storeReading(r)

	ev := s.event(models.EventRealtime)
	ev.Reading = r.Copy()
	s.events.Publish(ev)

	s.x.Reading = models.NewSensorReading(s.id.Address)
}

func (s *Session) succeed() []Effect {
	x := s.x
	now := s.cfg.Now()

	switch {
	case x.Action == models.ActionUpdateHistory && !x.History.Started() && x.DeviceTime >= 0:
		// devices without stored history only report their clock
		s.logger.Info().Time("device_wall_time", x.DeviceWallTime).Msg("Device clock synced")
		ev := s.event(models.EventHistory)
		ev.Progress = 100
		ev.Message = "device clock synced"
		s.events.Publish(ev)

	case x.Action == models.ActionUpdateHistory:
		n := s.persistEntries(true)
		ev := s.event(models.EventHistory)
		ev.Progress = 100
		ev.Message = fmt.Sprintf("%d entries", n)
		s.events.Publish(ev)

	case x.Action.IsUpdate() && s.discard:
		s.logger.Warn().Msg("Implausible sample discarded")
		ev := s.event(models.EventStatus)
		ev.Error = models.ErrorKind(models.ErrImplausible)
		ev.Message = "sample discarded"
		s.events.Publish(ev)

	case x.Action.IsUpdate():
		r := x.Reading.Copy()
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		if !r.Empty() {
			s.storeReading(r)
			s.checkWater(r)
		}
		ev := s.event(models.EventData)
		ev.Reading = s.last.Copy()
		s.events.Publish(ev)

	default:
		s.logger.Info().Str("action", x.Action.String()).Msg("Action completed")
	}

	s.lastError = time.Time{}
	s.lastErr = nil
	s.saveDevice()

	s.logger.Info().
		Str("action", x.Action.String()).
		Uint64("attempt", s.attempt).
		Msg("Attempt finished")

	s.x = nil
	s.finishing = false
	s.setState(models.StateOffline)

	return []Effect{
		{Kind: EffectStopTimeout},
		{Kind: EffectScheduleUpdate, Delay: s.cfg.UpdateInterval},
		{Kind: EffectDisconnect, Attempt: s.attempt},
	}
}

// fail ends the attempt. With disconnect set the link may still be open
// and is asked to close.
func (s *Session) fail(err error, disconnect bool) []Effect {
	now := s.cfg.Now()
	s.lastError = now
	s.lastErr = err

	level := s.logger.Warn()
	if errors.Is(err, models.ErrCancelled) {
		level = s.logger.Info()
	}
	level.Err(err).Uint64("attempt", s.attempt).Msg("Attempt failed")

	s.x = nil
	s.pending = nil
	s.inflight = nil
	s.finishing = false
	s.setState(models.StateOffline)

	ev := s.event(models.EventError)
	ev.Error = models.ErrorKind(err)
	ev.Message = err.Error()
	s.events.Publish(ev)

	effects := []Effect{{Kind: EffectStopTimeout}}
	if disconnect {
		effects = append(effects, Effect{Kind: EffectDisconnect, Attempt: s.attempt})
	}
	return append(effects, Effect{Kind: EffectScheduleUpdate, Delay: s.cfg.ErrorInterval})
}

// storeReading makes r the last known sample and persists it
func (s *Session) storeReading(r *models.SensorReading) {
	s.last = r
	s.lastUpdate = r.Timestamp
	if s.gateway == nil {
		return
	}
	if err := s.gateway.UpsertReading(r); err != nil {
		s.logger.Error().Err(fmt.Errorf("%w: %w", models.ErrPersistence, err)).Msg("Failed to store reading")
	}
}

// persistEntries queues downloaded history. The sync mark only moves on a
// complete download that returned entries, once they are committed.
func (s *Session) persistEntries(complete bool) int {
	entries := s.x.Entries
	if len(entries) == 0 || s.gateway == nil {
		return len(entries)
	}
	var committed func(error)
	if complete {
		at := s.cfg.Now()
		post := s.cfg.Post
		committed = func(err error) { post(HistoryCommitted(at, err)) }
	}
	if err := s.gateway.InsertHistory(entries, committed); err != nil {
		s.logger.Error().Err(fmt.Errorf("%w: %w", models.ErrPersistence, err)).Msg("Failed to store history")
		return len(entries)
	}
	s.logger.Info().Int("entries", len(entries)).Bool("complete", complete).Msg("History queued")
	return len(entries)
}

// historyCommitted moves the sync mark to at once a download is stored. A
// failed commit keeps the old mark so the next download fetches the
// entries again.
func (s *Session) historyCommitted(at time.Time, err error) {
	if err != nil {
		s.logger.Error().Err(fmt.Errorf("%w: %w", models.ErrPersistence, err)).Msg("History commit failed, sync time kept")
		return
	}
	if !at.After(s.device.LastHistorySync) {
		return
	}
	s.device.LastHistorySync = at
	if s.gateway == nil {
		return
	}
	if err := s.gateway.UpdateLastHistorySync(s.id.Address, at); err != nil {
		s.logger.Error().Err(fmt.Errorf("%w: %w", models.ErrPersistence, err)).Msg("Failed to store history sync time")
	}
}

func (s *Session) saveDevice() {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.SaveDevice(s.device); err != nil {
		s.logger.Error().Err(fmt.Errorf("%w: %w", models.ErrPersistence, err)).Msg("Failed to store device")
	}
}

func (s *Session) checkWater(r *models.SensorReading) {
	if !s.cfg.Notifications || s.id.Class() != models.ClassPlantSensor {
		return
	}
	if !s.cfg.Limits.NeedsWater(r) {
		return
	}
	ev := s.event(models.EventWaterMe)
	ev.Reading = r.Copy()
	ev.Message = fmt.Sprintf("%s needs water (soil moisture %.0f%%)", s.device.Label(), r.Value(models.FieldSoilMoisture))
	s.events.Publish(ev)
}

func (s *Session) armTimeout() Effect {
	return Effect{Kind: EffectArmTimeout, Delay: s.cfg.Timeout, Attempt: s.attempt}
}

func (s *Session) setState(st models.ConnectionState) {
	if s.state == st {
		return
	}
	s.state = st
	ev := s.event(models.EventStatus)
	s.events.Publish(ev)
}

func (s *Session) event(kind models.EventKind) models.DeviceEvent {
	ev := models.NewDeviceEvent(kind, s.id, s.state, s.cfg.Now())
	if s.x != nil {
		ev.Action = s.x.Action.String()
	}
	return ev
}

func errOrUnknown(err error) error {
	if err == nil {
		return errors.New("unknown error")
	}
	return err
}

func contains(list []uuid.UUID, id uuid.UUID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
