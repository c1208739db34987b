package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"realtime-chat/internal/service"
)

// ChatHandler mantiene dependencias para endpoints de conversaciones y mensajes.
type ChatHandler struct {
	logger        *zap.Logger
	conversations *service.ConversationService
	messages      *service.MessageService
}

func NewChatHandler(
	logger *zap.Logger,
	conversations *service.ConversationService,
	messages *service.MessageService,
) *ChatHandler {
	return &ChatHandler{
		logger:        logger,
		conversations: conversations,
		messages:      messages,
	}
}

// CreateConversation maneja POST /rpc/create_conversation.
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req struct {
		PeerID string `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid create conversation request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	id, err := h.conversations.CreateOrGet(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSelfConversation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrProfileNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		default:
			h.logger.Error("create conversation failed", zap.Error(err), zap.String("user_id", userID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

// ListConversations maneja GET /conversations.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	summaries, err := h.conversations.ListSummaries(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list conversations failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// ListMessages maneja GET /conversations/:id/messages.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	convID := c.Param("id")
	msgs, err := h.messages.List(c.Request.Context(), convID, userID)
	if err != nil {
		h.writeMessageError(c, err, "list messages failed", convID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage maneja POST /messages. La respuesta lleva la fila guardada con su client_id.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req struct {
		ConversationID string    `json:"conversation_id" binding:"required"`
		Content        string    `json:"content" binding:"required"`
		ClientID       string    `json:"client_id"`
		CreatedAt      time.Time `json:"created_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid post message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), service.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       userID,
		Content:        req.Content,
		ClientID:       req.ClientID,
		CreatedAt:      req.CreatedAt,
	})
	if err != nil {
		h.writeMessageError(c, err, "post message failed", req.ConversationID)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *ChatHandler) writeMessageError(c *gin.Context, err error, logMsg, convID string) {
	switch {
	case errors.Is(err, service.ErrMessageInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
	case errors.Is(err, service.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		h.logger.Error(logMsg, zap.Error(err), zap.String("conversation_id", convID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not process message"})
	}
}
