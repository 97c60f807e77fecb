package handler

import (
	"chatrelay/backend/internal/auth"
	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/models"
	"context"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HistoryReader serves room history to the HTTP API.
type HistoryReader interface {
	Query(ctx context.Context, room string, limit int) ([]models.ChatMessage, error)
}

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

// Options configure a Handler.
type Options struct {
	AllowedOrigins []string
	AllowAnonymous bool
	Client         chathub.ClientOptions
	// Checks are run by the health endpoint, keyed by dependency name.
	Checks map[string]PingFunc
}

// Handler holds the dependencies of the HTTP endpoints.
type Handler struct {
	Hub     *chathub.ManagerService
	History HistoryReader
	Tokens  *auth.Issuer

	opts     Options
	origins  originPolicy
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(hub *chathub.ManagerService, history HistoryReader, tokens *auth.Issuer, opts Options, log zerolog.Logger) *Handler {
	h := &Handler{
		Hub:     hub,
		History: history,
		Tokens:  tokens,
		opts:    opts,
		log:     log.With().Str("component", "http").Logger(),
	}
	h.origins = newOriginPolicy(opts.AllowedOrigins, h.log)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}
