package handler

import (
	"chatrelay/backend/internal/api/middleware"
	"chatrelay/backend/internal/auth"
	"chatrelay/backend/internal/chathub"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServeWebSocket authenticates the request and upgrades it to a relay
// connection. Browsers pass the token as ?token= since they cannot set
// headers on a websocket handshake.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	userID, ok := h.wsIdentity(c)
	if !ok {
		return
	}
	if !h.checkOrigin(c.Request) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(conn, userID, h.opts.Client, h.log)
	session, err := h.Hub.Connect(client)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("rejected websocket connection")
		conn.Close()
		return
	}
	client.Bind(session)
	client.Run()
}

func (h *Handler) wsIdentity(c *gin.Context) (string, bool) {
	token := middleware.BearerToken(c)
	if token == "" {
		if h.opts.AllowAnonymous {
			return auth.NewAnonID(), true
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token missing"})
		return "", false
	}

	userID, err := h.Tokens.Parse(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return "", false
	}
	return userID, true
}
