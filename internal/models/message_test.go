package models

import (
	"encoding/json"
	"testing"
	"time"
)

func testReading() *SensorReading {
	r := NewSensorReading("AA:BB:CC:DD:EE:FF")
	r.Timestamp = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.Set(FieldTemperature, 22.5)
	r.Set(FieldHumidity, 45.0)
	return r
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MessageTypeReading, NewReadingMessage(testReading(), ModelHygrotempSquare))
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != MessageTypeReading {
		t.Errorf("Type = %v, want %v", msg.Type, MessageTypeReading)
	}

	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	if len(msg.Payload) == 0 {
		t.Error("Payload should not be empty")
	}
}

func TestMessage_UnmarshalPayload(t *testing.T) {
	original := NewReadingMessage(testReading(), ModelHygrotempSquare)

	msg, err := NewMessage(MessageTypeReading, original)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var decoded ReadingMessage
	err = msg.UnmarshalPayload(&decoded)
	if err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}

	if decoded.Address != original.Address {
		t.Errorf("Address mismatch")
	}
	if decoded.Model != "hygrotemp_square" {
		t.Errorf("Model = %v, want hygrotemp_square", decoded.Model)
	}
	if decoded.Values["temperature"] != 22.5 {
		t.Errorf("Temperature mismatch")
	}
	if _, ok := decoded.Values["soil_moisture"]; ok {
		t.Error("absent fields should not be sent")
	}
}

func TestBatchMessage(t *testing.T) {
	readings := []*SensorReading{testReading(), testReading()}

	batch := BatchMessage{
		Readings: readings,
		Count:    len(readings),
	}

	msg, err := NewMessage(MessageTypeBatch, batch)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var decoded BatchMessage
	err = msg.UnmarshalPayload(&decoded)
	if err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}

	if decoded.Count != 2 {
		t.Errorf("Count = %d, want 2", decoded.Count)
	}
	if len(decoded.Readings) != 2 {
		t.Fatalf("len(Readings) = %d, want 2", len(decoded.Readings))
	}
	if decoded.Readings[1].Value(FieldHumidity) != 45.0 {
		t.Errorf("Humidity = %v, want 45", decoded.Readings[1].Value(FieldHumidity))
	}
}

func TestActionMessage(t *testing.T) {
	data := []byte(`{"type":"action","payload":{"address":"AA:BB:CC:DD:EE:FF","action":"watering"},"timestamp":"2024-01-01T12:00:00Z"}`)

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != MessageTypeAction {
		t.Fatalf("Type = %v, want %v", msg.Type, MessageTypeAction)
	}

	var am ActionMessage
	if err := msg.UnmarshalPayload(&am); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	action, err := ParseAction(am.Action)
	if err != nil {
		t.Fatalf("ParseAction failed: %v", err)
	}
	if action != ActionWatering {
		t.Errorf("Action = %v, want %v", action, ActionWatering)
	}
}

func TestGatewayInfo_Uptime(t *testing.T) {
	info := NewGatewayInfo("gw-01", "Greenhouse", "hci0", "v1.0.0")
	if info.ID != "gw-01" {
		t.Errorf("ID = %v, want gw-01", info.ID)
	}

	info.StartTime = time.Now().Add(-5 * time.Second)
	uptime := info.Uptime()
	if uptime < 5*time.Second || uptime > 6*time.Second {
		t.Errorf("Uptime = %v, want ~5s", uptime)
	}
}
