package handler

import (
	"chatrelay/backend/internal/auth"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetAnonID issues a new anonymous identity and its token.
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := auth.NewAnonID()

	token, err := h.Tokens.Issue(anonID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}
