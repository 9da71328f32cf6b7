package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"devconnect-chat/internal/engine"
)

// ChatHandler exposes the chat engine over HTTP.
type ChatHandler struct {
	engine *engine.ChatEngine
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatEngine *engine.ChatEngine) *ChatHandler {
	return &ChatHandler{engine: chatEngine}
}

// CreateChat creates or reuses a direct chat, or creates a group.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req struct {
		ParticipantIDs []int  `json:"participant_ids" binding:"required"`
		Name           string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	chat, err := h.engine.CreateChat(c.Request.Context(), userID, req.ParticipantIDs, req.Name)
	if err != nil {
		writeEngineError(c, err, "could not create chat")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// ListChats returns the caller's chat list with unread counts.
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetInt("userID")
	summaries, err := h.engine.ListChats(c.Request.Context(), userID)
	if err != nil {
		writeEngineError(c, err, "failed to load chats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": summaries})
}

// GetUnreadCounts returns the caller's per-chat and total unread
// counters.
func (h *ChatHandler) GetUnreadCounts(c *gin.Context) {
	userID := c.GetInt("userID")
	counts, err := h.engine.GetUnreadCounts(c.Request.Context(), userID)
	if err != nil {
		writeEngineError(c, err, "failed to load unread counts")
		return
	}
	c.JSON(http.StatusOK, counts)
}

// GetMessages returns one ascending page of chat messages.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	userID := c.GetInt("userID")
	msgs, err := h.engine.GetMessages(c.Request.Context(), chatID, userID, page, limit)
	if err != nil {
		writeEngineError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage stores a message and fans it out.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	msg, err := h.engine.SendMessage(c.Request.Context(), chatID, userID, req.Content)
	if err != nil {
		writeEngineError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EditMessage updates message content (sender only).
func (h *ChatHandler) EditMessage(c *gin.Context) {
	_, messageID, ok := pathIDs(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	msg, err := h.engine.EditMessage(c.Request.Context(), messageID, userID, req.Content)
	if err != nil {
		writeEngineError(c, err, "failed to edit message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessageForMe hides a message for the caller only.
func (h *ChatHandler) DeleteMessageForMe(c *gin.Context) {
	_, messageID, ok := pathIDs(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	if err := h.engine.DeleteMessage(c.Request.Context(), messageID, userID, false); err != nil {
		writeEngineError(c, err, "could not delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteMessageForAll tombstones a message for everyone (sender only).
func (h *ChatHandler) DeleteMessageForAll(c *gin.Context) {
	_, messageID, ok := pathIDs(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	if err := h.engine.DeleteMessage(c.Request.Context(), messageID, userID, true); err != nil {
		writeEngineError(c, err, "could not delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead marks every message in the chat as read by the caller and
// resets the unread counter.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	if err := h.engine.MarkRead(c.Request.Context(), chatID, userID); err != nil {
		writeEngineError(c, err, "could not mark chat read")
		return
	}
	c.Status(http.StatusNoContent)
}

// AddParticipant adds a member to a group chat.
func (h *ChatHandler) AddParticipant(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}

	var req struct {
		UserID int `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actorID := c.GetInt("userID")
	if err := h.engine.AddParticipant(c.Request.Context(), chatID, actorID, req.UserID); err != nil {
		writeEngineError(c, err, "could not add participant")
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveParticipant removes a member from a group chat.
func (h *ChatHandler) RemoveParticipant(c *gin.Context) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return
	}
	targetID, err := strconv.Atoi(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	actorID := c.GetInt("userID")
	if err := h.engine.RemoveParticipant(c.Request.Context(), chatID, actorID, targetID); err != nil {
		writeEngineError(c, err, "could not remove participant")
		return
	}
	c.Status(http.StatusNoContent)
}

func writeEngineError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func pathIDs(c *gin.Context) (int, int, bool) {
	chatID, ok := pathID(c, "chat_id")
	if !ok {
		return 0, 0, false
	}
	msgID, err := strconv.Atoi(c.Param("message_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return 0, 0, false
	}
	return chatID, msgID, true
}
