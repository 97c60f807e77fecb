package chathub

import (
	"bytes"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	// StateConnected is the initial state; rooms can be joined, left and
	// messaged freely.
	StateConnected State = iota
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrMalformedEvent reports a frame or payload that could not be used.
	ErrMalformedEvent = errors.New("chathub: malformed event")
	// ErrUnknownEvent reports an event name outside the inbound vocabulary.
	ErrUnknownEvent = errors.New("chathub: unknown event")
	// ErrDisconnected is returned by a Session after Disconnect.
	ErrDisconnected = errors.New("chathub: session disconnected")
)

var validate = validator.New()

// Session drives one registered connection through the relay protocol.
type Session struct {
	id     ConnectionID
	userID string
	hub    *ManagerService
	state  atomic.Int32
	log    zerolog.Logger
}

// Connect registers client and returns the session that handles its
// inbound events.
func (m *ManagerService) Connect(client Client) (*Session, error) {
	id, err := m.Register(client)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:     id,
		userID: client.GetUserID(),
		hub:    m,
		log:    m.log.With().Str("conn_id", string(id)).Str("user_id", client.GetUserID()).Logger(),
	}, nil
}

// ID returns the connection identifier assigned at registration.
func (s *Session) ID() ConnectionID { return s.id }

// UserID returns the identity the connection was accepted with.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// HandleFrame decodes one inbound frame and applies it. Errors wrap
// ErrMalformedEvent, ErrUnknownEvent or ErrDisconnected; none of them
// should end the connection.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) error {
	if s.State() == StateDisconnected {
		return ErrDisconnected
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.EventsReceived.WithLabelValues("invalid", "malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var err error
	switch env.Event {
	case models.EventJoinRoom:
		var room string
		if room, err = decodeRoom(env.Data); err == nil {
			s.JoinRoom(room)
		}
	case models.EventLeaveRoom:
		var room string
		if room, err = decodeRoom(env.Data); err == nil {
			s.LeaveRoom(room)
		}
	case models.EventChatMessage:
		var msg *models.ChatMessage
		if msg, err = decodeChat(env.Data); err == nil {
			_, err = s.SendChat(ctx, msg)
		}
	default:
		metrics.EventsReceived.WithLabelValues("unknown", "rejected").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	outcome := "ok"
	if err != nil {
		outcome = "malformed"
	}
	metrics.EventsReceived.WithLabelValues(env.Event, outcome).Inc()
	return err
}

// JoinRoom adds the connection to room. Joining twice is a no-op.
func (s *Session) JoinRoom(room string) bool {
	if s.State() == StateDisconnected {
		return false
	}
	return s.hub.Join(s.id, room)
}

// LeaveRoom removes the connection from room. Leaving a room that was
// never joined is a no-op.
func (s *Session) LeaveRoom(room string) bool {
	if s.State() == StateDisconnected {
		return false
	}
	return s.hub.Leave(s.id, room)
}

// SendChat publishes msg to its room on behalf of this connection.
// Membership of the room is not required. The authenticated user id
// replaces any sender the client claimed.
func (s *Session) SendChat(ctx context.Context, msg *models.ChatMessage) (int, error) {
	if s.State() == StateDisconnected {
		return 0, ErrDisconnected
	}
	if s.userID != "" {
		msg.SenderID = s.userID
	}
	if strings.TrimSpace(msg.Text) == "" {
		return 0, fmt.Errorf("%w: empty text", ErrMalformedEvent)
	}
	if err := validate.Struct(msg); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return s.hub.Publish(ctx, msg, s.id), nil
}

// Disconnect moves the session to its terminal state and unregisters the
// connection, leaving every room. Only the first call has an effect.
func (s *Session) Disconnect() {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return
	}
	s.hub.Unregister(s.id)
	s.log.Debug().Msg("session disconnected")
}

// Publish stamps msg, records it in the history store when one is
// configured and then broadcasts it to msg.Room. A failed append is logged
// and the message is still delivered. sender is excluded from the fan-out
// unless the relay echoes to senders. It returns the number of recipients.
func (m *ManagerService) Publish(ctx context.Context, msg *models.ChatMessage, sender ConnectionID) int {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = models.NormalizeTime(msg.CreatedAt)

	if m.history != nil {
		pctx, cancel := context.WithTimeout(ctx, m.persistTimeout)
		if err := m.history.Append(pctx, msg); err != nil {
			m.log.Warn().
				Err(err).
				Str("room", msg.Room).
				Str("msg_id", msg.ID).
				Msg("failed to persist message; relaying anyway")
		}
		cancel()
	}

	env, err := models.NewEnvelope(models.EventChatMessage, msg)
	if err != nil {
		m.log.Error().Err(err).Str("room", msg.Room).Msg("failed to build chat envelope")
		return 0
	}

	exclude := sender
	if m.echoSender {
		exclude = ""
	}
	return m.Broadcast(msg.Room, env, exclude)
}

// decodeRoom accepts either a bare JSON string or {"room": "..."}.
func decodeRoom(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing room", ErrMalformedEvent)
	}

	var req models.RoomRequest
	if data[0] == '"' {
		if err := json.Unmarshal(data, &req.Room); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	} else if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	req.Room = strings.TrimSpace(req.Room)
	if err := validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return req.Room, nil
}

// inboundChat also accepts the user_id field older clients send.
type inboundChat struct {
	models.ChatMessage
	UserID string `json:"user_id"`
}

func decodeChat(data json.RawMessage) (*models.ChatMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: missing message", ErrMalformedEvent)
	}

	var in inboundChat
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	msg := in.ChatMessage
	if msg.SenderID == "" {
		msg.SenderID = in.UserID
	}
	msg.Room = strings.TrimSpace(msg.Room)
	// The relay assigns message ids.
	msg.ID = ""
	return &msg, nil
}
