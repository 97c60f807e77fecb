package handler

import (
	"chatrelay/backend/internal/api/middleware"
	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/models"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// RoomInfo describes one active room.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// ListRooms returns the rooms that currently have members.
func (h *Handler) ListRooms(c *gin.Context) {
	sizes := h.Hub.RoomSizes()
	names := lo.Keys(sizes)
	sort.Strings(names)
	rooms := lo.Map(names, func(name string, _ int) RoomInfo {
		return RoomInfo{Name: name, Members: sizes[name]}
	})
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetRoomMessages returns the most recent messages of a room, oldest first.
func (h *Handler) GetRoomMessages(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > config.MaxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(config.MaxHistoryLimit)})
			return
		}
		limit = n
	}

	msgs, err := h.History.Query(c.Request.Context(), room, limit)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "messages": msgs})
}

type postMessageRequest struct {
	Text    string `json:"text" binding:"required,max=4096"`
	FileURL string `json:"file_url" binding:"omitempty,url,max=2048"`
}

// PostRoomMessage stores a message and relays it to the room's live
// members. The sender is the authenticated user.
func (h *Handler) PostRoomMessage(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	msg := &models.ChatMessage{
		Text:     req.Text,
		FileURL:  req.FileURL,
		Room:     room,
		SenderID: c.GetString(middleware.UserIDKey),
	}
	delivered := h.Hub.Publish(c.Request.Context(), msg, "")

	c.JSON(http.StatusCreated, gin.H{"message": msg, "delivered": delivered})
}

func roomParam(c *gin.Context) (string, bool) {
	room := strings.TrimSpace(c.Param("room"))
	if room == "" || utf8.RuneCountInString(room) > models.MaxRoomNameLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return "", false
	}
	return room, true
}
