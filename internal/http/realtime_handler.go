package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-chat/internal/domain"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/service"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4 * 1024
)

// RealtimeHandler entrega el feed de cambios por websocket.
type RealtimeHandler struct {
	logger        *zap.Logger
	feed          realtime.Feed
	conversations *service.ConversationService
	upgrader      websocket.Upgrader
}

func NewRealtimeHandler(logger *zap.Logger, feed realtime.Feed, conversations *service.ConversationService) *RealtimeHandler {
	return &RealtimeHandler{
		logger:        logger,
		feed:          feed,
		conversations: conversations,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Subscribe maneja GET /realtime?table=&conversation_id=.
func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	table := c.Query("table")
	convID := c.Query("conversation_id")
	topic, err := realtime.TopicFor(table, convID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if table == domain.TableMessage {
		if err := h.conversations.EnsureParticipant(c.Request.Context(), convID, userID); err != nil {
			if errors.Is(err, service.ErrNotParticipant) {
				c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
				return
			}
			h.logger.Error("realtime membership check failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not subscribe"})
			return
		}
	}

	// Suscribirse antes del upgrade para no perder eventos entre el 101 y el primer read.
	sub, err := h.feed.Subscribe(c.Request.Context(), topic)
	if err != nil {
		h.logger.Error("feed subscribe failed", zap.Error(err), zap.String("topic", topic))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime unavailable"})
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("realtime subscribed", zap.String("user_id", userID), zap.String("topic", topic))
	done := make(chan struct{})
	go readLoop(conn, done)
	h.writeLoop(conn, sub, done)
	h.logger.Info("realtime unsubscribed", zap.String("user_id", userID), zap.String("topic", topic))
}

// readLoop solo procesa control frames; el canal es unidireccional.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *RealtimeHandler) writeLoop(conn *websocket.Conn, sub realtime.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
