package models

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeReading   MessageType = "reading"
	MessageTypeBatch     MessageType = "batch"
	MessageTypeEvent     MessageType = "event"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
	MessageTypeAction    MessageType = "action"
)

// Message is the envelope for all WebSocket communications
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// ReadingMessage is the payload for MessageTypeReading
type ReadingMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Address   string             `json:"address"`
	Model     string             `json:"model"`
	Battery   int                `json:"battery"`
	Values    map[string]float64 `json:"values"`
}

// NewReadingMessage flattens a reading for the wire
func NewReadingMessage(r *SensorReading, model Model) ReadingMessage {
	return ReadingMessage{
		Timestamp: r.Timestamp,
		Address:   r.Address,
		Model:     model.String(),
		Battery:   r.Battery,
		Values:    r.Values(),
	}
}

// BatchMessage is the payload for MessageTypeBatch
type BatchMessage struct {
	Readings []*SensorReading `json:"readings"`
	Count    int              `json:"count"`
}

// HeartbeatMessage is the payload for MessageTypeHeartbeat
type HeartbeatMessage struct {
	GatewayID  string `json:"gateway_id"`
	Uptime     int64  `json:"uptime"`
	BufferSize int    `json:"buffer_size"`
	Devices    int    `json:"devices"`
}

// AckMessage is the payload for MessageTypeAck
type AckMessage struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ActionMessage is the payload for MessageTypeAction, sent by the collector
// to request an action on one device
type ActionMessage struct {
	Address string `json:"address"`
	Action  string `json:"action"`
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	err := json.Unmarshal(m.Payload, v)
	if err != nil {
		return err
	}
	return nil
}
