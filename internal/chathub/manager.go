package chathub

import (
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrManagerClosed is returned by Register once Shutdown has started.
var ErrManagerClosed = errors.New("chathub: manager is shut down")

// HistoryAppender is the part of the history store the relay's callers use
// to record a message before it is broadcast.
type HistoryAppender interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
}

// Options configure a ManagerService.
type Options struct {
	Logger zerolog.Logger
	// EchoSender delivers a chat message back to the connection that sent it.
	EchoSender bool
	// History is optional; without it messages are relayed only.
	History HistoryAppender
	// PersistTimeout bounds a single history append.
	PersistTimeout time.Duration
}

// ManagerService owns the live connections and the room index.
// One lock guards both maps so a connection's room set and every room's
// member set change together.
type ManagerService struct {
	mu     sync.RWMutex
	conns  map[ConnectionID]*connection
	rooms  map[string]map[ConnectionID]struct{}
	closed bool

	log            zerolog.Logger
	echoSender     bool
	history        HistoryAppender
	persistTimeout time.Duration
}

// connection is the registry record of one live client.
type connection struct {
	id     ConnectionID
	client Client
	rooms  map[string]struct{}
}

// NewManagerService creates an empty relay.
func NewManagerService(opts Options) *ManagerService {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 2 * time.Second
	}
	return &ManagerService{
		conns:          make(map[ConnectionID]*connection),
		rooms:          make(map[string]map[ConnectionID]struct{}),
		log:            opts.Logger.With().Str("component", "chathub").Logger(),
		echoSender:     opts.EchoSender,
		history:        opts.History,
		persistTimeout: opts.PersistTimeout,
	}
}

// Run blocks until ctx is done and then drains every connection.
func (m *ManagerService) Run(ctx context.Context) error {
	m.log.Info().Msg("relay started")
	<-ctx.Done()
	n := m.Shutdown()
	m.log.Info().Int("connections", n).Msg("relay stopped")
	return nil
}

// Shutdown refuses new registrations and unregisters every live
// connection. It returns the number of connections drained.
func (m *ManagerService) Shutdown() int {
	m.mu.Lock()
	m.closed = true
	ids := make([]ConnectionID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unregister(id)
	}
	return len(ids)
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Stats returns the current connection and room counts.
func (m *ManagerService) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Connections: len(m.conns), Rooms: len(m.rooms)}
}

// updateGauges must be called with m.mu held.
func (m *ManagerService) updateGauges() {
	metrics.ConnectionsActive.Set(float64(len(m.conns)))
	metrics.RoomsActive.Set(float64(len(m.rooms)))
}
