package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/events"
	"github.com/afroash/plantmon/internal/models"
)

const testAddress = "C4:7C:8D:6A:1B:2C"

// MockCollector is a WebSocket server standing in for the collector
type MockCollector struct {
	server         *httptest.Server
	upgrader       websocket.Upgrader
	mu             sync.Mutex
	writeMu        sync.Mutex
	connections    []*websocket.Conn
	receivedMsgs   []models.Message
	shouldAccept   bool
	respondWithAck bool
	closeAfterN    int // close connection after N messages
	msgCount       int
	lastAuthHeader string
}

func NewMockCollector() *MockCollector {
	mock := &MockCollector{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shouldAccept:   true,
		respondWithAck: true,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

func (m *MockCollector) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !m.shouldAccept {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	m.connections = append(m.connections, conn)
	m.lastAuthHeader = authHeader
	m.mu.Unlock()

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		m.mu.Lock()
		m.receivedMsgs = append(m.receivedMsgs, msg)
		m.msgCount++
		closeNow := m.closeAfterN > 0 && m.msgCount >= m.closeAfterN
		m.mu.Unlock()

		if m.respondWithAck && msg.Type != models.MessageTypeAck && msg.Type != models.MessageTypeError {
			ack, _ := models.NewMessage(models.MessageTypeAck, models.AckMessage{Status: "ok"})
			m.writeMu.Lock()
			conn.WriteJSON(ack)
			m.writeMu.Unlock()
		}
		if closeNow {
			return
		}
	}
}

// Push sends msg to the most recent connection
func (m *MockCollector) Push(msg *models.Message) error {
	m.mu.Lock()
	if len(m.connections) == 0 {
		m.mu.Unlock()
		return errors.New("no connection")
	}
	conn := m.connections[len(m.connections)-1]
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (m *MockCollector) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *MockCollector) Close() {
	m.mu.Lock()
	for _, conn := range m.connections {
		conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func (m *MockCollector) ReceivedMessages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.receivedMsgs...)
}

func (m *MockCollector) ofType(t models.MessageType) []models.Message {
	var out []models.Message
	for _, msg := range m.ReceivedMessages() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

type fakeActions struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeActions) RequestAction(address string, action models.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, address+" "+action.String())
	return f.err
}

func (f *fakeActions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func createTestConnection(serverURL string, actions *fakeActions) *Connection {
	config := ConnectionConfig{
		URL:                  serverURL,
		AuthToken:            "test-token-123",
		ReconnectInterval:    100 * time.Millisecond,
		MaxReconnectInterval: 1 * time.Second,
		PingInterval:         200 * time.Millisecond,
		PongTimeout:          1 * time.Second,
		BatchSize:            2,
		FlushInterval:        50 * time.Millisecond,
	}

	gateway := models.NewGatewayInfo("test-gateway", "Greenhouse", "hci0", "v1.0.0")
	var a events.Actioner
	if actions != nil {
		a = actions
	}
	return NewConnection(config, gateway, NewReadingBuffer(100, true), a, func() int { return 3 }, zerolog.Nop())
}

func dataEvent(v float64) models.DeviceEvent {
	id := models.DeviceIdentity{Address: testAddress, Name: "Flower care", Model: models.ModelFlowerCare}
	ev := models.NewDeviceEvent(models.EventData, id, models.StateOffline, time.Now())
	ev.Reading = lux(v)
	return ev
}

func TestConnection_Connect_Success(t *testing.T) {
	server := NewMockCollector()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil)
	if conn.State() != StateDisconnected {
		t.Errorf("Initial state = %v, want %v", conn.State(), StateDisconnected)
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if !conn.IsConnected() {
		t.Error("Should be connected after successful Connect()")
	}

	if !waitFor(t, time.Second, func() bool { return len(server.ReceivedMessages()) > 0 }) {
		t.Fatal("No messages received, expected registration")
	}
	first := server.ReceivedMessages()[0]
	if first.Type != models.MessageTypeHeartbeat {
		t.Fatalf("First message type = %v, want %v", first.Type, models.MessageTypeHeartbeat)
	}

	var hb models.HeartbeatMessage
	if err := first.UnmarshalPayload(&hb); err != nil {
		t.Fatalf("Failed to unmarshal heartbeat: %v", err)
	}
	if hb.GatewayID != "test-gateway" {
		t.Errorf("GatewayID = %v, want test-gateway", hb.GatewayID)
	}
	if hb.Devices != 3 {
		t.Errorf("Devices = %d, want 3", hb.Devices)
	}

	server.mu.Lock()
	auth := server.lastAuthHeader
	server.mu.Unlock()
	if auth != "Bearer test-token-123" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestConnection_Connect_Failure(t *testing.T) {
	server := NewMockCollector()
	server.shouldAccept = false
	defer server.Close()

	conn := createTestConnection(server.URL(), nil)
	if err := conn.Connect(context.Background()); err == nil {
		t.Error("Connect should fail when collector refuses")
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", conn.State())
	}

	conn = createTestConnection("ws://127.0.0.1:1/ws", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err == nil {
		t.Error("Connect should fail with nothing listening")
	}
}

func TestConnection_SendWhenDisconnected(t *testing.T) {
	conn := createTestConnection("ws://127.0.0.1:1/ws", nil)

	if err := conn.SendBatch([]*models.SensorReading{lux(1)}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendBatch error = %v, want ErrNotConnected", err)
	}
	if err := conn.SendEvent(dataEvent(1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendEvent error = %v, want ErrNotConnected", err)
	}
	if err := conn.SendBatch(nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendBatch(nil) error = %v, want ErrNotConnected", err)
	}
}

func TestConnection_BuffersWhileOffline(t *testing.T) {
	server := NewMockCollector()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil)

	// published before the link is up
	for i := 0; i < 5; i++ {
		conn.Publish(dataEvent(float64(i)))
	}
	status := dataEvent(0)
	status.Kind = models.EventStatus
	status.Reading = nil
	conn.Publish(status)

	if conn.buffer.Size() != 5 {
		t.Fatalf("Buffer size = %d, want 5", conn.buffer.Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	ok := waitFor(t, 2*time.Second, func() bool {
		n := 0
		for _, msg := range server.ofType(models.MessageTypeBatch) {
			var batch models.BatchMessage
			if err := msg.UnmarshalPayload(&batch); err == nil {
				n += batch.Count
			}
		}
		return n == 5
	})
	if !ok {
		t.Error("Collector did not receive the 5 buffered readings")
	}
	if len(server.ofType(models.MessageTypeBatch)) != 3 {
		t.Errorf("Got %d batches, want 3 with batch size 2", len(server.ofType(models.MessageTypeBatch)))
	}
	if len(server.ofType(models.MessageTypeEvent)) != 0 {
		t.Error("Events published while offline must not be sent")
	}

	// online: non data events are forwarded as they happen
	conn.Publish(status)
	if !waitFor(t, time.Second, func() bool { return len(server.ofType(models.MessageTypeEvent)) == 1 }) {
		t.Error("Status event was not forwarded")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConnection_Actions(t *testing.T) {
	server := NewMockCollector()
	defer server.Close()

	actions := &fakeActions{}
	conn := createTestConnection(server.URL(), actions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	if !waitFor(t, time.Second, conn.IsConnected) {
		t.Fatal("Should be connected")
	}

	msg, _ := models.NewMessage(models.MessageTypeAction, models.ActionMessage{Address: testAddress, Action: "led_blink"})
	if err := server.Push(msg); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return len(server.ofType(models.MessageTypeAck)) == 1 }) {
		t.Fatal("Action was not acknowledged")
	}
	if actions.count() != 1 || actions.calls[0] != testAddress+" led_blink" {
		t.Errorf("Calls = %v", actions.calls)
	}

	bad, _ := models.NewMessage(models.MessageTypeAction, models.ActionMessage{Address: testAddress, Action: "dance"})
	server.Push(bad)
	if !waitFor(t, time.Second, func() bool { return len(server.ofType(models.MessageTypeError)) == 1 }) {
		t.Error("Unknown action should be answered with an error")
	}
	if actions.count() != 1 {
		t.Errorf("Unknown action reached the manager")
	}
}

func TestConnection_Reconnect_AfterDisconnect(t *testing.T) {
	server := NewMockCollector()
	server.closeAfterN = 2 // registration + one heartbeat
	defer server.Close()

	conn := createTestConnection(server.URL(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go conn.Run(ctx)

	ok := waitFor(t, 2*time.Second, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.connections) >= 2
	})
	if !ok {
		t.Error("Should have reconnected after the collector dropped the link")
	}
}

func TestConnection_ExponentialBackoff(t *testing.T) {
	conn := createTestConnection("ws://127.0.0.1:1/ws", nil)
	conn.reconnectInterval = 50 * time.Millisecond
	conn.currentReconnectInterval = 50 * time.Millisecond
	conn.maxReconnectInterval = 120 * time.Millisecond

	ctx := context.Background()
	conn.waitBeforeReconnect(ctx)
	if conn.currentReconnectInterval != 100*time.Millisecond {
		t.Errorf("Interval = %v, want 100ms", conn.currentReconnectInterval)
	}
	conn.waitBeforeReconnect(ctx)
	if conn.currentReconnectInterval != 120*time.Millisecond {
		t.Errorf("Interval = %v, want capped 120ms", conn.currentReconnectInterval)
	}
}

func TestConnection_CloseGracefully(t *testing.T) {
	server := NewMockCollector()
	defer server.Close()

	conn := createTestConnection(server.URL(), nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if conn.IsConnected() {
		t.Error("Should not be connected after Close()")
	}
	if err := conn.SendBatch([]*models.SensorReading{lux(1)}); err == nil {
		t.Error("SendBatch should fail after Close()")
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{ConnectionState(9), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}
