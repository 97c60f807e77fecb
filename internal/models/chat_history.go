package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ChatHistory represents a saved chat message in the history database.
// Rows are append-only and read back per room in creation order.
type ChatHistory struct {
	// ID is the ULID of the message, shared with the live ChatMessage.
	ID string `gorm:"primaryKey;size:26" json:"id"`
	// Room is the name of the room the message was sent to.
	Room string `gorm:"type:text;not null;index:idx_room_created,priority:1" json:"room"`
	// SenderID is the opaque user identifier of the author.
	SenderID string `gorm:"type:text;not null" json:"sender_id"`
	// Text is the message body.
	Text string `gorm:"type:text;not null" json:"text"`
	// FileURL links an optional attachment.
	FileURL string `gorm:"type:text" json:"file_url,omitempty"`
	// CreatedAt is the display timestamp of the message.
	CreatedAt time.Time `gorm:"not null;index:idx_room_created,priority:2" json:"created_at"`
}

// BeforeCreate is a GORM hook that assigns a ULID and a timestamp
// when the caller did not provide them. CreatedAt is stored at the
// precision every supported database keeps.
func (h *ChatHistory) BeforeCreate(tx *gorm.DB) (err error) {
	if h.ID == "" {
		h.ID = ulid.Make().String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	h.CreatedAt = NormalizeTime(h.CreatedAt)
	return
}

// NormalizeTime truncates t to microseconds in UTC, matching a Postgres
// timestamptz round trip.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NewChatHistory converts a live message into its stored form.
func NewChatHistory(msg ChatMessage) ChatHistory {
	return ChatHistory{
		ID:        msg.ID,
		Room:      msg.Room,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		FileURL:   msg.FileURL,
		CreatedAt: msg.CreatedAt,
	}
}

// ToMessage converts a stored row back into a ChatMessage.
func (h ChatHistory) ToMessage() ChatMessage {
	return ChatMessage{
		ID:        h.ID,
		Room:      h.Room,
		SenderID:  h.SenderID,
		Text:      h.Text,
		FileURL:   h.FileURL,
		CreatedAt: h.CreatedAt,
	}
}
