package models

import (
	"encoding/json"
	"time"
)

// Event names carried in the Envelope of every relay frame.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventChatMessage = "chat-message"
	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
)

// Limits applied when validating inbound payloads.
const (
	MaxRoomNameLength = 128
	MaxTextLength     = 4096
)

// Envelope is the JSON frame exchanged over a relay connection.
// Data holds the event-specific payload and is decoded lazily.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps payload under the given event name.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// Encode returns the wire form of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ChatMessage is a single text message addressed to a room.
type ChatMessage struct {
	// ID is a sortable identifier (ULID) assigned by the relay.
	ID string `json:"id,omitempty"`
	// Text is the message body.
	Text string `json:"text" validate:"required,max=4096"`
	// SenderID is the opaque user identifier of the author.
	SenderID string `json:"sender_id"`
	// Room is the name of the target room.
	Room string `json:"room" validate:"required,max=128"`
	// CreatedAt orders messages for display; the relay fills it when zero.
	CreatedAt time.Time `json:"created_at"`
	// FileURL optionally links an attachment.
	FileURL string `json:"file_url,omitempty" validate:"omitempty,url,max=2048"`
}

// RoomRequest is the object form of a join-room/leave-room payload.
type RoomRequest struct {
	Room string `json:"room" validate:"required,max=128"`
}

// PresenceEvent is the payload of user-joined and user-left events.
type PresenceEvent struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	Room         string `json:"room"`
}
