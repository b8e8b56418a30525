//go:build linux

package radio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/afroash/plantmon/internal/sensor"
	"github.com/afroash/plantmon/internal/session"
)

type link struct {
	device   bluetooth.Device
	attempt  uint64
	services map[uuid.UUID]bluetooth.DeviceService
	chars    map[charKey]bluetooth.DeviceCharacteristic
}

type charKey struct {
	svc uuid.UUID
	ch  uuid.UUID
}

// BlueZ implements sensor.Radio over tinygo bluetooth. The adapter calls
// block, so requests run one at a time on a worker goroutine and report
// back through Events.
type BlueZ struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  zerolog.Logger

	events  chan sensor.RadioEvent
	adverts chan sensor.Advertisement
	jobs    chan func()

	mu    sync.Mutex
	links map[string]*link
	watch map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// Open enables the adapter and starts scanning when addresses are watched
func Open(opts Options, logger zerolog.Logger) (sensor.Radio, error) {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}

	adapter := bluetooth.NewAdapter(opts.Adapter)
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable adapter %s: %w", opts.Adapter, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &BlueZ{
		adapter: adapter,
		opts:    opts,
		logger:  logger.With().Str("adapter", opts.Adapter).Logger(),
		events:  make(chan sensor.RadioEvent, 64),
		adverts: make(chan sensor.Advertisement, 64),
		jobs:    make(chan func(), 64),
		links:   make(map[string]*link),
		watch:   make(map[string]bool),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, a := range opts.Watch {
		b.watch[strings.ToUpper(a)] = true
	}

	adapter.SetConnectHandler(b.onConnectChange)

	b.wg.Add(1)
	go b.worker()

	if len(b.watch) > 0 {
		b.wg.Add(1)
		go b.scan(ctx)
	}

	b.logger.Info().Int("watched", len(b.watch)).Msg("Adapter enabled")
	return b, nil
}

func (b *BlueZ) worker() {
	defer b.wg.Done()
	for {
		select {
		case job := <-b.jobs:
			job()
		case <-b.done:
			return
		}
	}
}

func (b *BlueZ) submit(job func()) error {
	select {
	case b.jobs <- job:
		return nil
	case <-b.done:
		return fmt.Errorf("adapter closed")
	default:
		return fmt.Errorf("adapter queue full")
	}
}

func (b *BlueZ) emit(address string, attempt uint64, ev session.Event) {
	select {
	case b.events <- sensor.RadioEvent{Address: address, Event: ev.Of(attempt)}:
	case <-b.done:
	}
}

func (b *BlueZ) link(address string) (*link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.links[address]
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrNotConnected)
	}
	return l, nil
}

func (b *BlueZ) char(address string, svc, ch uuid.UUID) (*link, bluetooth.DeviceCharacteristic, error) {
	l, err := b.link(address)
	if err != nil {
		return nil, bluetooth.DeviceCharacteristic{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := l.chars[charKey{svc, ch}]
	if !ok {
		return nil, bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not discovered", ch)
	}
	return l, c, nil
}

// Connect opens a link to address on behalf of attempt
func (b *BlueZ) Connect(address string, attempt uint64) error {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	return b.submit(func() {
		dev, err := b.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
		if err != nil {
			b.emit(address, attempt, session.LinkError(err))
			return
		}
		b.mu.Lock()
		old := b.links[address]
		b.links[address] = &link{
			device:   dev,
			attempt:  attempt,
			services: make(map[uuid.UUID]bluetooth.DeviceService),
			chars:    make(map[charKey]bluetooth.DeviceCharacteristic),
		}
		b.mu.Unlock()
		if old != nil {
			b.logger.Debug().
				Str("device", address).
				Uint64("attempt", old.attempt).
				Msg("Link of an earlier attempt taken over")
		}
		b.emit(address, attempt, session.Connected())
	})
}

// Disconnect closes the link that attempt opened. The disconnection is
// reported even when no such link was open; a newer link is left alone.
func (b *BlueZ) Disconnect(address string, attempt uint64) error {
	return b.submit(func() {
		b.mu.Lock()
		l, ok := b.links[address]
		if ok && l.attempt == attempt {
			delete(b.links, address)
		} else {
			ok = false
		}
		b.mu.Unlock()

		if ok {
			if err := l.device.Disconnect(); err != nil {
				b.logger.Debug().Err(err).Str("device", address).Msg("Disconnect failed")
			}
		}
		b.emit(address, attempt, session.Disconnected())
	})
}

// DiscoverServices lists every primary service of the device
func (b *BlueZ) DiscoverServices(address string) error {
	l, err := b.link(address)
	if err != nil {
		return err
	}
	return b.submit(func() {
		services, err := l.device.DiscoverServices(nil)
		if err != nil {
			b.emit(address, l.attempt, session.LinkError(fmt.Errorf("service discovery: %w", err)))
			return
		}
		for _, svc := range services {
			id, err := toUUID(svc.UUID())
			if err != nil {
				continue
			}
			b.mu.Lock()
			l.services[id] = svc
			b.mu.Unlock()
			b.emit(address, l.attempt, session.ServiceDiscovered(id))
		}
		b.emit(address, l.attempt, session.DiscoveryFinished())
	})
}

// DiscoverDetails lists the characteristics of one service
func (b *BlueZ) DiscoverDetails(address string, svc uuid.UUID) error {
	l, err := b.link(address)
	if err != nil {
		return err
	}
	b.mu.Lock()
	service, ok := l.services[svc]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("service %s not discovered", svc)
	}

	return b.submit(func() {
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			b.emit(address, l.attempt, session.OperationFailed(svc, uuid.Nil, err))
			return
		}
		b.mu.Lock()
		for _, c := range chars {
			if id, err := toUUID(c.UUID()); err == nil {
				l.chars[charKey{svc, id}] = c
			}
		}
		b.mu.Unlock()
		b.emit(address, l.attempt, session.DetailsDiscovered(svc))
	})
}

// Read reads a characteristic value
func (b *BlueZ) Read(address string, svc, ch uuid.UUID) error {
	l, c, err := b.char(address, svc, ch)
	if err != nil {
		return err
	}
	return b.submit(func() {
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		if err != nil {
			b.emit(address, l.attempt, session.OperationFailed(svc, ch, err))
			return
		}
		b.emit(address, l.attempt, session.CharacteristicRead(svc, ch, buf[:n]))
	})
}

// Write writes a characteristic value, with or without response
func (b *BlueZ) Write(address string, svc, ch uuid.UUID, data []byte, ack bool) error {
	l, c, err := b.char(address, svc, ch)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	return b.submit(func() {
		var err error
		if ack {
			_, err = c.Write(payload)
		} else {
			_, err = c.WriteWithoutResponse(payload)
		}
		if err != nil {
			b.emit(address, l.attempt, session.OperationFailed(svc, ch, err))
			return
		}
		b.emit(address, l.attempt, session.CharacteristicWritten(svc, ch, payload))
	})
}

// Subscribe enables notifications on a characteristic
func (b *BlueZ) Subscribe(address string, svc, ch uuid.UUID) error {
	l, c, err := b.char(address, svc, ch)
	if err != nil {
		return err
	}
	return b.submit(func() {
		err := c.EnableNotifications(func(buf []byte) {
			b.emit(address, l.attempt, session.CharacteristicChanged(svc, ch, append([]byte(nil), buf...)))
		})
		if err != nil {
			b.emit(address, l.attempt, session.OperationFailed(svc, ch, err))
			return
		}
		b.emit(address, l.attempt, session.DescriptorWritten(svc, ch))
	})
}

// Events returns the link results
func (b *BlueZ) Events() <-chan sensor.RadioEvent {
	return b.events
}

// Advertisements returns service data of watched devices
func (b *BlueZ) Advertisements() <-chan sensor.Advertisement {
	return b.adverts
}

// Close stops scanning, drops every link and stops the worker
func (b *BlueZ) Close() error {
	b.once.Do(func() {
		b.cancel()
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		for address, l := range b.links {
			if err := l.device.Disconnect(); err != nil {
				b.logger.Debug().Err(err).Str("device", address).Msg("Disconnect failed")
			}
		}
		b.links = make(map[string]*link)
		b.mu.Unlock()

		b.logger.Info().Msg("Adapter closed")
	})
	return nil
}

// onConnectChange reports links dropped by the device or the stack
func (b *BlueZ) onConnectChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	address := strings.ToUpper(device.Address.String())

	b.mu.Lock()
	l, ok := b.links[address]
	delete(b.links, address)
	b.mu.Unlock()

	if ok {
		b.logger.Info().Str("device", address).Uint64("attempt", l.attempt).Msg("Link dropped")
		b.emit(address, l.attempt, session.Disconnected())
	}
}

func (b *BlueZ) scan(ctx context.Context) {
	defer b.wg.Done()

	go func() {
		<-ctx.Done()
		_ = b.adapter.StopScan()
	}()

	err := b.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		address := strings.ToUpper(r.Address.String())
		if !b.watch[address] {
			return
		}
		for _, sd := range r.ServiceData() {
			id, err := toUUID(sd.UUID)
			if err != nil {
				continue
			}
			adv := sensor.Advertisement{
				Address: address,
				Service: id,
				Data:    append([]byte(nil), sd.Data...),
				RSSI:    r.RSSI,
			}
			select {
			case b.adverts <- adv:
			default:
				b.logger.Debug().Str("device", address).Msg("Advertisement dropped")
			}
		}
	})

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		b.logger.Error().Err(err).Msg("Scan stopped")
	}
}
