package chathub_test

import (
	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/models"
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeClient records delivered frames in a buffered channel.
type fakeClient struct {
	userID string
	frames chan []byte
	closed atomic.Bool
}

func newFakeClient(userID string) *fakeClient {
	return &fakeClient{userID: userID, frames: make(chan []byte, 64)}
}

func (c *fakeClient) GetUserID() string { return c.userID }

func (c *fakeClient) Deliver(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

func (c *fakeClient) Run() {}

func (c *fakeClient) Close() { c.closed.Store(true) }

// drain returns every frame delivered so far, decoded.
func (c *fakeClient) drain(t *testing.T) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	for {
		select {
		case frame := <-c.frames:
			var env models.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func (c *fakeClient) events(t *testing.T, event string) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	for _, env := range c.drain(t) {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func decodePresence(t *testing.T, env models.Envelope) models.PresenceEvent {
	t.Helper()
	var p models.PresenceEvent
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func decodeChat(t *testing.T, env models.Envelope) models.ChatMessage {
	t.Helper()
	var m models.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	return data
}

// MockHistory is a testify mock of the history appender.
type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) Append(ctx context.Context, msg *models.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func newTestManager(echo bool) *chathub.ManagerService {
	return chathub.NewManagerService(chathub.Options{Logger: zerolog.Nop(), EchoSender: echo})
}

func connect(t *testing.T, m *chathub.ManagerService, userID string) (*chathub.Session, *fakeClient) {
	t.Helper()
	c := newFakeClient(userID)
	s, err := m.Connect(c)
	require.NoError(t, err)
	return s, c
}
