package chathub

import (
	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/metrics"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClientOptions tune a WebSocketClient.
type ClientOptions struct {
	SendBuffer     int
	MaxMessageSize int64
	// RatePerSecond and RateBurst bound inbound events; a zero rate
	// disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// WebSocketClient implements Client over a gorilla/websocket connection.
type WebSocketClient struct {
	Conn *websocket.Conn

	userID  string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	maxSize int64
	log     zerolog.Logger
	session *Session
}

// NewWebSocketClient wraps conn. Bind must be called before Run.
func NewWebSocketClient(conn *websocket.Conn, userID string, opts ClientOptions, log zerolog.Logger) *WebSocketClient {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	c := &WebSocketClient{
		Conn:    conn,
		userID:  userID,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		maxSize: opts.MaxMessageSize,
		log:     log.With().Str("user_id", userID).Logger(),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c
}

// Bind attaches the protocol session the read pump feeds.
func (c *WebSocketClient) Bind(s *Session) {
	c.session = s
}

func (c *WebSocketClient) GetUserID() string { return c.userID }

// Deliver never blocks: a closed client or a full buffer drops the frame.
func (c *WebSocketClient) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
		return false
	}
}

func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close stops the write pump; queued frames are abandoned. The send
// channel is never closed so a racing Deliver cannot panic.
func (c *WebSocketClient) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *WebSocketClient) readPump() {
	defer func() {
		if c.session != nil {
			c.session.Disconnect()
		}
		c.Close()
		c.Conn.Close()
	}()

	if c.maxSize > 0 {
		c.Conn.SetReadLimit(c.maxSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	log := c.log
	if c.session != nil {
		log = log.With().Str("conn_id", string(c.session.ID())).Logger()
	}

	ctx := context.Background()
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			metrics.RateLimited.Inc()
			log.Debug().Msg("rate limited, dropping event")
			continue
		}
		if c.session == nil {
			continue
		}

		if err := c.session.HandleFrame(ctx, message); err != nil {
			if errors.Is(err, ErrDisconnected) {
				return
			}
			log.Debug().Err(err).Msg("dropped inbound event")
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			// One frame per websocket message keeps every message valid JSON.
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
