package sensor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/protocol"
	"github.com/afroash/plantmon/internal/session"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnsupported   = errors.New("action not supported by device")
	ErrBusy          = errors.New("device busy")
	ErrIdle          = errors.New("device idle")
	ErrStopped       = errors.New("manager stopped")
)

// restoreWindow is how far back the last reading is looked up at start
const restoreWindow = 12 * 60

// Store is the persistence the manager needs on top of what sessions write
type Store interface {
	session.PersistenceGateway
	LoadDevice(address string) (*models.DeviceInfo, error)
	LoadPlantLimits(address string) (*models.PlantLimits, error)
	SavePlantLimits(address string, l models.PlantLimits) error
	DeleteReadings(address string) (int64, error)
}

// Options holds the manager tunables
type Options struct {
	Timeout        time.Duration
	PlantInterval  time.Duration
	ThermoInterval time.Duration
	ErrorInterval  time.Duration
	TempUnit       models.TempUnit
	Notifications  bool
	OrderBy        string
	MaxActive      int // links opened at once by scheduled updates (default: 1)
	Now            func() time.Time
}

// DeviceSpec describes one device to manage
type DeviceSpec struct {
	Identity  models.DeviceIdentity
	PlantName string
	Location  string
	Limits    *models.PlantLimits
}

type device struct {
	session  *session.Session
	timer    *time.Timer
	timerGen uint64
}

type timerFire struct {
	address string
	gen     uint64
	attempt uint64
}

type requestKind int

const (
	requestAction requestKind = iota
	requestQueue
	requestRefreshAll
	requestCancel
	requestClearData
	requestEvent
)

type request struct {
	kind    requestKind
	address string
	action  models.Action
	event   session.Event
	reply   chan error
}

// Manager owns one session per device and drives them from a single
// goroutine. Radio events, timer fires and requests are all serialized
// through Run.
type Manager struct {
	radio  Radio
	store  Store
	events session.Publisher
	opts   Options
	sched  *Scheduler
	logger zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*device
	order   []string
	running bool

	requests chan request
	timers   chan timerFire
	done     chan struct{}

	// loop goroutine only
	backlog []RadioEvent
	queue   []string
}

// NewManager creates a manager with no devices
func NewManager(radio Radio, store Store, events session.Publisher, opts Options, logger zerolog.Logger) *Manager {
	if opts.MaxActive <= 0 {
		opts.MaxActive = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TempUnit == "" {
		opts.TempUnit = models.Celsius
	}
	return &Manager{
		radio:    radio,
		store:    store,
		events:   events,
		opts:     opts,
		sched:    NewScheduler(logger),
		logger:   logger,
		devices:  make(map[string]*device),
		requests: make(chan request, 16),
		timers:   make(chan timerFire, 16),
		done:     make(chan struct{}),
	}
}

// Add registers a device and restores its persisted state. Devices must
// be added before Run.
func (m *Manager) Add(spec DeviceSpec) error {
	id := spec.Identity
	id.Address = strings.ToUpper(id.Address)
	if _, ok := protocol.For(id.Model); !ok {
		return fmt.Errorf("no decoder for %s", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("cannot add %s: manager running", id.Address)
	}
	if _, ok := m.devices[id.Address]; ok {
		return fmt.Errorf("device %s already added", id.Address)
	}

	logger := m.logger.With().Str("device", id.Address).Logger()

	info, err := m.store.LoadDevice(id.Address)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load device state")
	}
	if info == nil {
		info = models.NewDeviceInfo(id)
	}
	info.Name = id.Name
	info.Model = id.Model
	if spec.PlantName != "" {
		info.PlantName = spec.PlantName
	}
	if spec.Location != "" {
		info.Location = spec.Location
	}
	if err := m.store.SaveDevice(info); err != nil {
		logger.Warn().Err(err).Msg("Failed to save device state")
	}

	limits := models.DefaultPlantLimits()
	switch {
	case spec.Limits != nil:
		limits = *spec.Limits
	default:
		stored, err := m.store.LoadPlantLimits(id.Address)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to load plant limits")
		}
		if stored != nil {
			limits = *stored
		}
	}

	s := session.New(info, session.Config{
		Timeout:        m.opts.Timeout,
		UpdateInterval: m.interval(id.Class()),
		ErrorInterval:  m.opts.ErrorInterval,
		TempUnit:       m.opts.TempUnit,
		Notifications:  m.opts.Notifications,
		Limits:         limits,
		Now:            m.opts.Now,
		Post: func(ev session.Event) {
			// may run on the loop itself when the store commits synchronously
			go m.post(request{kind: requestEvent, address: id.Address, event: ev})
		},
	}, m.store, m.events, m.logger)

	recent, err := m.store.QueryRecent(id.Address, restoreWindow)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to restore last reading")
	}
	s.Restore(recent)

	m.devices[id.Address] = &device{session: s}
	m.order = append(m.order, id.Address)

	logger.Info().
		Str("model", id.Model.String()).
		Str("label", info.Label()).
		Bool("restored", recent != nil).
		Msg("Device added")
	return nil
}

func (m *Manager) interval(class models.DeviceClass) time.Duration {
	if class == models.ClassPlantSensor {
		return m.opts.PlantInterval
	}
	return m.opts.ThermoInterval
}

// Run drives every session until ctx is cancelled. A refresh of all
// devices is queued at start.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.sched.Start()
	defer m.sched.Stop()

	m.logger.Info().Int("devices", len(m.order)).Msg("Device manager started")

	m.refreshAll()
	m.drain()

	events := m.radio.Events()
	adverts := m.radio.Advertisements()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				m.shutdown()
				return errors.New("radio closed")
			}
			m.handle(ev)

		case adv, ok := <-adverts:
			if !ok {
				adverts = nil
				continue
			}
			m.advertise(adv)

		case f := <-m.timers:
			m.fire(f)

		case req := <-m.requests:
			err := m.serve(req)
			if req.reply != nil {
				req.reply <- err
			}
		}
		m.drain()
	}
}

// RequestAction starts action on a device right away, bypassing the queue
func (m *Manager) RequestAction(address string, action models.Action) error {
	return m.call(request{kind: requestAction, address: address, action: action})
}

// RefreshAll queues an update of every idle device
func (m *Manager) RefreshAll() error {
	return m.call(request{kind: requestRefreshAll})
}

// Cancel aborts the running action of a device
func (m *Manager) Cancel(address string) error {
	return m.call(request{kind: requestCancel, address: address})
}

// ClearData forgets and deletes the readings of an idle device
func (m *Manager) ClearData(address string) error {
	return m.call(request{kind: requestClearData, address: address})
}

// SetLimits changes and stores the limits of a plant sensor
func (m *Manager) SetLimits(address string, l models.PlantLimits) error {
	d := m.lookup(address)
	if d == nil {
		return ErrUnknownDevice
	}
	d.session.SetLimits(l)
	if err := m.store.SavePlantLimits(d.session.Identity().Address, l); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	return nil
}

// DailyAggregates returns the daily min/avg/max of field over maxDays
func (m *Manager) DailyAggregates(address string, field models.Field, maxDays int) ([]models.DailyAggregate, error) {
	d := m.lookup(address)
	if d == nil {
		return nil, ErrUnknownDevice
	}
	return m.store.QueryAggregateByDay(d.session.Identity().Address, field, maxDays)
}

func (m *Manager) call(req request) error {
	if m.lookup(req.address) == nil && req.kind != requestRefreshAll {
		return ErrUnknownDevice
	}
	req.address = strings.ToUpper(req.address)
	req.reply = make(chan error, 1)

	select {
	case m.requests <- req:
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-m.done:
		return ErrStopped
	}
}

// post hands a request to the loop without waiting for its result
func (m *Manager) post(req request) {
	select {
	case m.requests <- req:
	case <-m.done:
	}
}

func (m *Manager) lookup(address string) *device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[strings.ToUpper(address)]
}

func (m *Manager) serve(req request) error {
	if req.kind == requestRefreshAll {
		m.refreshAll()
		return nil
	}

	d := m.devices[req.address]
	if d == nil {
		return ErrUnknownDevice
	}

	switch req.kind {
	case requestAction:
		if !d.session.Supports(req.action) {
			return ErrUnsupported
		}
		if d.session.State().Busy() {
			return ErrBusy
		}
		m.dequeue(req.address)
		m.execute(req.address, d.session.RequestAction(req.action))

	case requestQueue:
		m.enqueue(req.address)

	case requestEvent:
		m.execute(req.address, d.session.Handle(req.event))

	case requestCancel:
		if !d.session.State().Busy() {
			return ErrIdle
		}
		m.execute(req.address, d.session.Handle(session.Cancel()))

	case requestClearData:
		if !d.session.ClearData() {
			return ErrBusy
		}
		deleted, err := m.store.DeleteReadings(req.address)
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrPersistence, err)
		}
		ev := models.NewDeviceEvent(models.EventData, d.session.Identity(), d.session.State(), m.opts.Now())
		ev.Message = fmt.Sprintf("%d readings deleted", deleted)
		m.publish(ev)
	}
	return nil
}

func (m *Manager) refreshAll() {
	for _, address := range m.order {
		m.enqueue(address)
	}
}

func (m *Manager) enqueue(address string) {
	d := m.devices[address]
	if d == nil || !d.session.Supports(models.ActionUpdate) {
		return
	}
	if d.session.MarkQueued() {
		m.queue = append(m.queue, address)
	}
}

func (m *Manager) dequeue(address string) {
	for i, a := range m.queue {
		if a == address {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// drain feeds synthetic events back into their sessions, then starts
// queued updates while link slots are free
func (m *Manager) drain() {
	for {
		for len(m.backlog) > 0 {
			ev := m.backlog[0]
			m.backlog = m.backlog[1:]
			m.handle(ev)
		}
		if len(m.queue) == 0 || m.active() >= m.opts.MaxActive {
			return
		}

		address := m.queue[0]
		m.queue = m.queue[1:]
		d := m.devices[address]
		if d.session.State() != models.StateQueued {
			continue
		}
		m.execute(address, d.session.RequestAction(models.ActionUpdate))
	}
}

func (m *Manager) active() int {
	n := 0
	for _, d := range m.devices {
		if d.session.State().Busy() {
			n++
		}
	}
	return n
}

func (m *Manager) handle(ev RadioEvent) {
	address := strings.ToUpper(ev.Address)
	d := m.devices[address]
	if d == nil {
		m.logger.Debug().Str("device", ev.Address).Str("event", ev.Event.Kind.String()).Msg("Event for unknown device")
		return
	}
	m.execute(address, d.session.Handle(ev.Event))
}

func (m *Manager) advertise(adv Advertisement) {
	if adv.Service != protocol.MiBeaconService {
		return
	}
	d := m.devices[strings.ToUpper(adv.Address)]
	if d == nil {
		return
	}
	d.session.HandleAdvertisement(adv.Data)
}

func (m *Manager) fire(f timerFire) {
	d := m.devices[f.address]
	if d == nil || f.gen != d.timerGen {
		return
	}
	d.timer = nil
	m.execute(f.address, d.session.Handle(session.Timeout(f.attempt)))
}

// execute runs effects against the radio. Requests the radio refuses
// come back to the session as failure events.
func (m *Manager) execute(address string, effects []session.Effect) {
	d := m.devices[address]
	for _, e := range effects {
		m.logger.Debug().Str("device", address).Str("effect", e.String()).Msg("Effect")

		var failure *session.Event
		switch e.Kind {
		case session.EffectConnect:
			if err := m.radio.Connect(address, e.Attempt); err != nil {
				ev := session.LinkError(err).Of(e.Attempt)
				failure = &ev
			}
		case session.EffectDisconnect:
			if err := m.radio.Disconnect(address, e.Attempt); err != nil {
				m.logger.Debug().Err(err).Str("device", address).Msg("Disconnect failed")
			}
		case session.EffectDiscoverServices:
			if err := m.radio.DiscoverServices(address); err != nil {
				ev := session.LinkError(err)
				failure = &ev
			}
		case session.EffectDiscoverDetails:
			if err := m.radio.DiscoverDetails(address, e.Service); err != nil {
				ev := session.OperationFailed(e.Service, uuid.Nil, err)
				failure = &ev
			}
		case session.EffectIssue:
			if err := m.issue(address, e.Command); err != nil {
				ev := session.OperationFailed(e.Command.Service, e.Command.Char, err)
				failure = &ev
			}
		case session.EffectArmTimeout:
			m.armTimer(address, d, e.Delay, e.Attempt)
		case session.EffectStopTimeout:
			m.stopTimer(d)
		case session.EffectScheduleUpdate:
			m.sched.Schedule(address, e.Delay, func() {
				m.post(request{kind: requestQueue, address: address})
			})
		}

		if failure != nil {
			m.logger.Warn().Str("device", address).Str("effect", e.Kind.String()).Err(failure.Err).Msg("Radio request refused")
			m.backlog = append(m.backlog, RadioEvent{Address: address, Event: *failure})
		}
	}
}

func (m *Manager) issue(address string, cmd protocol.Command) error {
	switch cmd.Kind {
	case protocol.CommandRead:
		return m.radio.Read(address, cmd.Service, cmd.Char)
	case protocol.CommandWrite:
		return m.radio.Write(address, cmd.Service, cmd.Char, cmd.Data, cmd.Ack)
	case protocol.CommandSubscribe:
		return m.radio.Subscribe(address, cmd.Service, cmd.Char)
	default:
		return fmt.Errorf("unknown command %s", cmd.Kind)
	}
}

// armTimer replaces the device timer. Fires of replaced or stopped
// timers carry an old generation and are dropped by fire.
func (m *Manager) armTimer(address string, d *device, delay time.Duration, attempt uint64) {
	m.stopTimer(d)
	gen := d.timerGen
	d.timer = time.AfterFunc(delay, func() {
		select {
		case m.timers <- timerFire{address: address, gen: gen, attempt: attempt}:
		case <-m.done:
		}
	})
}

func (m *Manager) stopTimer(d *device) {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.timerGen++
}

func (m *Manager) publish(ev models.DeviceEvent) {
	if m.events != nil {
		m.events.Publish(ev)
	}
}

func (m *Manager) shutdown() {
	for _, address := range m.order {
		d := m.devices[address]
		if d.session.State().Busy() {
			m.execute(address, d.session.Handle(session.Cancel()))
		}
		m.stopTimer(d)
		m.sched.Cancel(address)
	}
	close(m.done)
	m.logger.Info().Msg("Device manager stopped")
}
