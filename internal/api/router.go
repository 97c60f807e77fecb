// Package api wires the HTTP surface of the relay.
package api

import (
	"chatrelay/backend/internal/api/handler"
	"chatrelay/backend/internal/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handler.Handler) *gin.Engine {
	r := gin.New()

	// Metrics first so every request is counted.
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger))
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", h.Health)

	r.GET("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)

	r.GET("/rooms", h.ListRooms)
	r.GET("/rooms/:room/messages", h.GetRoomMessages)

	authed := r.Group("/", middleware.RequireAuth(h.Tokens))
	authed.POST("/rooms/:room/messages", h.PostRoomMessage)

	return r
}
