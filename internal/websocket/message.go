package websocket

import (
	"encoding/json"
	"time"

	"roadwatch-sync-server/internal/domain"
)

type MessageType string

const (
	TypeEvent MessageType = "event"
	TypePing  MessageType = "ping"
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message is the frame exchanged with dashboards. Event is set on TypeEvent
// frames and names the sync event carried in Payload.
type Message struct {
	Type      MessageType     `json:"type"`
	Event     domain.LogEvent `json:"event,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func NewEventMessage(event domain.LogEvent, payload interface{}) (*Message, error) {
	msg, err := NewMessage(TypeEvent, payload)
	if err != nil {
		return nil, err
	}
	msg.Event = event
	return msg, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
