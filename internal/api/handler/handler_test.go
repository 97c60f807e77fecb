package handler_test

import (
	"chatrelay/backend/internal/api"
	"chatrelay/backend/internal/api/handler"
	"chatrelay/backend/internal/auth"
	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/models"
	"chatrelay/backend/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	hub     *chathub.ManagerService
	store   *storage.Service
	tokens  *auth.Issuer
	router  *gin.Engine
	handler *handler.Handler
}

func setupTestEnv(t *testing.T, opts handler.Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, storage.Migrate(db))

	store := storage.NewStorageService(db, nil, 50, 0, zerolog.Nop())
	t.Cleanup(func() { _ = store.Close() })

	hub := chathub.NewManagerService(chathub.Options{Logger: zerolog.Nop(), History: store, EchoSender: true})
	tokens := auth.NewIssuer("test-secret", time.Hour)
	h := handler.NewHandler(hub, store, tokens, opts, zerolog.Nop())

	return &testEnv{hub: hub, store: store, tokens: tokens, router: api.NewRouter(zerolog.Nop(), h), handler: h}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// recordingClient collects frames relayed to it.
type recordingClient struct {
	userID string
	frames chan []byte
}

func (c *recordingClient) GetUserID() string { return c.userID }
func (c *recordingClient) Deliver(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}
func (c *recordingClient) Run()   {}
func (c *recordingClient) Close() {}

func TestGetAnonID(t *testing.T) {
	env := setupTestEnv(t, handler.Options{})

	w := env.do(t, http.MethodGet, "/anonid", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AnonID)

	parsed, err := env.tokens.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.AnonID, parsed)
}

func TestPostAndGetRoomMessages(t *testing.T) {
	env := setupTestEnv(t, handler.Options{})
	token, err := env.tokens.Issue("user_A")
	require.NoError(t, err)

	listener := &recordingClient{userID: "user_B", frames: make(chan []byte, 4)}
	id, err := env.hub.Register(listener)
	require.NoError(t, err)
	env.hub.Join(id, "General")

	w := env.do(t, http.MethodPost, "/rooms/General/messages", `{"text":"hello"}`, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var posted struct {
		Message   models.ChatMessage `json:"message"`
		Delivered int                `json:"delivered"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &posted))
	assert.Equal(t, 1, posted.Delivered)
	assert.Equal(t, "user_A", posted.Message.SenderID)
	assert.NotEmpty(t, posted.Message.ID)

	select {
	case frame := <-listener.frames:
		var got models.Envelope
		require.NoError(t, json.Unmarshal(frame, &got))
		assert.Equal(t, models.EventChatMessage, got.Event)
	default:
		t.Fatal("live member did not receive the posted message")
	}

	w = env.do(t, http.MethodGet, "/rooms/General/messages?limit=10", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Room     string               `json:"room"`
		Messages []models.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "hello", history.Messages[0].Text)
	assert.Equal(t, posted.Message.ID, history.Messages[0].ID)
}

func TestPostRoomMessage_Rejections(t *testing.T) {
	env := setupTestEnv(t, handler.Options{})
	token, err := env.tokens.Issue("user_A")
	require.NoError(t, err)

	tests := []struct {
		name  string
		body  string
		token string
		want  int
	}{
		{"no token", `{"text":"hi"}`, "", http.StatusUnauthorized},
		{"bad token", `{"text":"hi"}`, "garbage", http.StatusUnauthorized},
		{"empty text", `{"text":"   "}`, token, http.StatusBadRequest},
		{"bad json", `{`, token, http.StatusBadRequest},
		{"bad file url", `{"text":"hi","file_url":"nope"}`, token, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/rooms/General/messages", tt.body, tt.token)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetRoomMessages_InvalidLimit(t *testing.T) {
	env := setupTestEnv(t, handler.Options{})

	for _, q := range []string{"0", "-1", "abc", "100000"} {
		w := env.do(t, http.MethodGet, "/rooms/General/messages?limit="+q, "", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	w := env.do(t, http.MethodGet, "/rooms/Empty/messages", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"messages":[]`)
}

func TestGetRoomMessages_RoomNameLengthCountsCharacters(t *testing.T) {
	env := setupTestEnv(t, handler.Options{})

	tests := []struct {
		name string
		room string
		want int
	}{
		{"multibyte within limit", strings.Repeat("ї", 100), http.StatusOK},
		{"multibyte at limit", strings.Repeat("ї", models.MaxRoomNameLength), http.StatusOK},
		{"multibyte over limit", strings.Repeat("ї", models.MaxRoomNameLength+1), http.StatusBadRequest},
		{"ascii over limit", strings.Repeat("a", models.MaxRoomNameLength+1), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/rooms/"+url.PathEscape(tt.room)+"/messages", "", "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestListRooms(t *testing.T) {
	env := setupTestEnv(t, handler.Options{})
	id1, _ := env.hub.Register(&recordingClient{userID: "a", frames: make(chan []byte, 4)})
	id2, _ := env.hub.Register(&recordingClient{userID: "b", frames: make(chan []byte, 4)})
	env.hub.Join(id1, "General")
	env.hub.Join(id2, "General")
	env.hub.Join(id2, "Random")

	w := env.do(t, http.MethodGet, "/rooms", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Rooms []handler.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []handler.RoomInfo{{Name: "General", Members: 2}, {Name: "Random", Members: 1}}, resp.Rooms)

	env.hub.Leave(id1, "General")
	env.hub.Leave(id2, "General")
	w = env.do(t, http.MethodGet, "/rooms", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []handler.RoomInfo{{Name: "Random", Members: 1}}, resp.Rooms)
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, handler.Options{Checks: map[string]handler.PingFunc{
		"database": func(ctx context.Context) error { return nil },
	}})
	w := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	degraded := setupTestEnv(t, handler.Options{Checks: map[string]handler.PingFunc{
		"redis": func(ctx context.Context) error { return errors.New("down") },
	}})
	w = degraded.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestEnv(t, handler.Options{})
	env.do(t, http.MethodGet, "/rooms", "", "")

	w := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatrelay_http_requests_total")
}

func TestServeWebSocket(t *testing.T) {
	env := setupTestEnv(t, handler.Options{AllowedOrigins: []string{"http://localhost:5173"}})
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	token, err := env.tokens.Issue("user_A")
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("accepted", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://LOCALHOST:5173"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, header)
		require.NoError(t, err)
		defer conn.Close()

		assert.Eventually(t, func() bool { return env.hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestServeWebSocket_Anonymous(t *testing.T) {
	env := setupTestEnv(t, handler.Options{AllowAnonymous: true})
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return env.hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
