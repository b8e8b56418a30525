package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/events"
	"github.com/afroash/plantmon/internal/models"
)

var ErrNotConnected = errors.New("not connected")

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection keeps a WebSocket link to the remote collector. Readings are
// buffered while the link is down and sent in batches once it is back.
type Connection struct {
	URL       string
	AuthToken string

	conn       *websocket.Conn
	state      ConnectionState
	stateMutex sync.RWMutex
	writeMutex sync.Mutex
	logger     zerolog.Logger

	gateway *models.GatewayInfo
	buffer  *ReadingBuffer
	outbox  chan models.DeviceEvent
	actions events.Actioner
	devices func() int

	batchSize                int
	flushInterval            time.Duration
	connectTimeout           time.Duration
	reconnectInterval        time.Duration
	maxReconnectInterval     time.Duration
	currentReconnectInterval time.Duration
	pingInterval             time.Duration
	pongTimeout              time.Duration

	lastPong      time.Time
	lastPongMutex sync.RWMutex
}

// ConnectionConfig holds configuration for the connection
type ConnectionConfig struct {
	URL                  string
	AuthToken            string
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	BatchSize            int
	FlushInterval        time.Duration
}

// NewConnection creates a new connection manager. actions receives the
// requests sent by the collector and may be nil, devices reports the
// number of managed devices in heartbeats.
func NewConnection(config ConnectionConfig, gateway *models.GatewayInfo, buffer *ReadingBuffer, actions events.Actioner, devices func() int, logger zerolog.Logger) *Connection {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if devices == nil {
		devices = func() int { return 0 }
	}

	return &Connection{
		URL:                      config.URL,
		AuthToken:                config.AuthToken,
		state:                    StateDisconnected,
		logger:                   logger.With().Str("component", "uplink").Logger(),
		gateway:                  gateway,
		buffer:                   buffer,
		outbox:                   make(chan models.DeviceEvent, 64),
		actions:                  actions,
		devices:                  devices,
		batchSize:                config.BatchSize,
		flushInterval:            config.FlushInterval,
		connectTimeout:           config.ConnectTimeout,
		reconnectInterval:        config.ReconnectInterval,
		maxReconnectInterval:     config.MaxReconnectInterval,
		currentReconnectInterval: config.ReconnectInterval,
		pingInterval:             config.PingInterval,
		pongTimeout:              config.PongTimeout,
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMutex.Lock()
	c.state = state
	c.stateMutex.Unlock()
	c.logger.Info().Str("state", state.String()).Msg("Connection state updated")
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Publish implements session.Publisher. Readings go to the buffer, other
// events are forwarded only while connected.
func (c *Connection) Publish(ev models.DeviceEvent) {
	if ev.Reading != nil && !ev.Reading.Empty() {
		if !c.buffer.Push(ev.Reading.Copy()) {
			c.logger.Warn().Str("device", ev.Address).Msg("Buffer full, reading dropped")
		}
	}
	if ev.Kind == models.EventData || !c.IsConnected() {
		return
	}
	select {
	case c.outbox <- ev:
	default:
		c.logger.Debug().Str("kind", string(ev.Kind)).Msg("Outbox full, event dropped")
	}
}

// Connect establishes a WebSocket connection to the collector
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Info().Str("url", c.URL).Msg("Connecting to collector...")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.connectTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.AuthToken)

	conn, resp, err := dialer.DialContext(ctx, c.URL, header)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial failed: %w", err)
	}
	resp.Body.Close()

	c.stateMutex.Lock()
	c.conn = conn
	c.stateMutex.Unlock()
	c.setState(StateConnected)
	c.currentReconnectInterval = c.reconnectInterval
	c.logger.Info().Msg("Connected to collector")

	if err := c.sendHeartbeat(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send registration")
		c.disconnect()
		return err
	}
	return nil
}

// Run keeps the connection up until ctx is cancelled
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Connection failed")
			c.waitBeforeReconnect(ctx)
			continue
		}

		c.runMessageLoops(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info().Msg("Connection lost, will reconnect")
		c.waitBeforeReconnect(ctx)
	}
}

// waitBeforeReconnect waits with exponential backoff
func (c *Connection) waitBeforeReconnect(ctx context.Context) {
	c.logger.Info().Dur("delay", c.currentReconnectInterval).Msg("Waiting before reconnect")
	select {
	case <-time.After(c.currentReconnectInterval):
	case <-ctx.Done():
		return
	}
	c.currentReconnectInterval *= 2
	if c.currentReconnectInterval > c.maxReconnectInterval {
		c.currentReconnectInterval = c.maxReconnectInterval
	}
}

// runMessageLoops runs the read, heartbeat and flush loops until one fails
func (c *Connection) runMessageLoops(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){c.readLoop, c.heartbeatLoop, c.flushLoop} {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			defer cancel()
			loop(ctx)
		}(loop)
	}

	// unblock the read loop
	<-ctx.Done()
	c.disconnect()
	wg.Wait()
}

func (c *Connection) disconnect() {
	c.stateMutex.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	c.stateMutex.Unlock()
	if wasConnected {
		c.logger.Info().Msg("Connection disconnected")
	}
}

// SendBatch sends several readings in one message
func (c *Connection) SendBatch(readings []*models.SensorReading) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(readings) == 0 {
		return nil
	}

	msg, err := models.NewMessage(models.MessageTypeBatch, models.BatchMessage{
		Readings: readings,
		Count:    len(readings),
	})
	if err != nil {
		return fmt.Errorf("failed to create batch message: %w", err)
	}
	if err := c.sendMessage(msg); err != nil {
		return err
	}
	c.logger.Debug().Int("count", len(readings)).Msg("Sent batch of readings")
	return nil
}

// SendEvent forwards a device event
func (c *Connection) SendEvent(ev models.DeviceEvent) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	msg, err := models.NewMessage(models.MessageTypeEvent, ev)
	if err != nil {
		return fmt.Errorf("failed to create event message: %w", err)
	}
	return c.sendMessage(msg)
}

func (c *Connection) sendMessage(msg *models.Message) error {
	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

// flushLoop drains the reading buffer and the event outbox
func (c *Connection) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.outbox:
			if err := c.SendEvent(ev); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send event")
				return
			}
		case <-ticker.C:
			if err := c.flush(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send readings")
				return
			}
		}
	}
}

func (c *Connection) flush() error {
	for {
		batch := c.buffer.PopBatch(c.batchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := c.SendBatch(batch); err != nil {
			c.buffer.Requeue(batch)
			return err
		}
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting read loop")
	defer c.logger.Debug().Msg("Read loop stopped")

	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// handleMessage processes a message received from the collector
func (c *Connection) handleMessage(msg *models.Message) {
	switch msg.Type {
	case models.MessageTypeAck:
		c.updateLastPong()
	case models.MessageTypeError:
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err == nil {
			c.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Collector error")
		}
	case models.MessageTypeAction:
		c.handleAction(msg)
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
}

func (c *Connection) handleAction(msg *models.Message) {
	var req models.ActionMessage
	err := msg.UnmarshalPayload(&req)
	if err == nil && c.actions == nil {
		err = errors.New("actions disabled")
	}
	if err == nil {
		var action models.Action
		action, err = models.ParseAction(req.Action)
		if err == nil {
			err = c.actions.RequestAction(req.Address, action)
		}
	}

	var reply *models.Message
	if err != nil {
		c.logger.Warn().Err(err).Str("device", req.Address).Str("action", req.Action).Msg("Action rejected")
		reply, _ = models.NewMessage(models.MessageTypeError, models.ErrorMessage{Code: "action_rejected", Message: err.Error()})
	} else {
		c.logger.Info().Str("device", req.Address).Str("action", req.Action).Msg("Action requested by collector")
		reply, _ = models.NewMessage(models.MessageTypeAck, models.AckMessage{MessageID: req.Address + "/" + req.Action, Status: "ok"})
	}
	if err := c.sendMessage(reply); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to answer action")
	}
}

func (c *Connection) updateLastPong() {
	c.lastPongMutex.Lock()
	defer c.lastPongMutex.Unlock()
	c.lastPong = time.Now()
}

func (c *Connection) timeSinceLastPong() time.Duration {
	c.lastPongMutex.RLock()
	defer c.lastPongMutex.RUnlock()
	return time.Since(c.lastPong)
}

// heartbeatLoop sends periodic heartbeats and watches for acks
func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	c.updateLastPong()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
				return
			}
			if c.timeSinceLastPong() > c.pongTimeout {
				c.logger.Warn().Msg("No ack received, connection appears dead")
				return
			}
		}
	}
}

func (c *Connection) sendHeartbeat() error {
	msg, err := models.NewMessage(models.MessageTypeHeartbeat, models.HeartbeatMessage{
		GatewayID:  c.gateway.ID,
		Uptime:     int64(c.gateway.Uptime().Seconds()),
		BufferSize: c.buffer.Size(),
		Devices:    c.devices(),
	})
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Close sends a close frame and drops the connection
func (c *Connection) Close() error {
	c.logger.Info().Msg("Closing connection")

	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()

	if conn != nil {
		c.writeMutex.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMutex.Unlock()
	}
	c.disconnect()
	return nil
}
