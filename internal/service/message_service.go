package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-chat/internal/domain"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/repository"
)

// MessageService persiste mensajes y los publica en el feed de la conversacion.
type MessageService struct {
	repo          repository.MessageRepository
	conversations *ConversationService
	events        EventPublisher
	logger        *zap.Logger
	now           func() time.Time
}

var (
	ErrMessageServiceNotConfigured = errors.New("message service not configured")
	ErrMessageInvalidInput         = errors.New("message invalid input")
	ErrConversationNotFound        = errors.New("conversation not found")
)

const (
	// MaxContentLength mantiene el evento por debajo del limite de payload de NOTIFY.
	MaxContentLength = 4000
	maxClockSkew     = time.Minute
)

func NewMessageService(repo repository.MessageRepository, conversations *ConversationService, events EventPublisher, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		repo:          repo,
		conversations: conversations,
		events:        events,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	ClientID       string
	CreatedAt      time.Time
}

// Send valida y guarda el mensaje. Reintentos con el mismo ClientID devuelven la fila original
// sin volver a publicarla.
func (s *MessageService) Send(ctx context.Context, input SendInput) (domain.Message, error) {
	if s == nil || s.repo == nil || s.conversations == nil {
		return domain.Message{}, ErrMessageServiceNotConfigured
	}

	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: strings.TrimSpace(input.ConversationID),
		SenderID:       strings.TrimSpace(input.SenderID),
		Content:        strings.TrimSpace(input.Content),
		ClientID:       strings.TrimSpace(input.ClientID),
		CreatedAt:      input.CreatedAt.UTC(),
	}
	if msg.ConversationID == "" || msg.SenderID == "" || msg.Content == "" {
		return domain.Message{}, ErrMessageInvalidInput
	}
	if utf8.RuneCountInString(msg.Content) > MaxContentLength {
		return domain.Message{}, ErrMessageInvalidInput
	}
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	now := s.now()
	if msg.CreatedAt.IsZero() || msg.CreatedAt.After(now.Add(maxClockSkew)) {
		msg.CreatedAt = now
	}

	if err := s.conversations.EnsureParticipant(ctx, msg.ConversationID, msg.SenderID); err != nil {
		return domain.Message{}, err
	}

	stored, inserted, err := s.repo.Create(ctx, msg)
	if err != nil {
		if errors.Is(err, repository.ErrUnknownReference) {
			return domain.Message{}, ErrConversationNotFound
		}
		return domain.Message{}, err
	}
	if !inserted && (stored.ConversationID != msg.ConversationID || stored.Content != msg.Content) {
		// client_id reutilizado para otro mensaje: no es un reintento.
		return domain.Message{}, ErrMessageInvalidInput
	}
	if inserted {
		s.publish(ctx, stored)
	}
	return stored, nil
}

// List devuelve el historial ordenado por created_at ascendente.
func (s *MessageService) List(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	if s == nil || s.repo == nil || s.conversations == nil {
		return nil, ErrMessageServiceNotConfigured
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return []domain.Message{}, nil
	}
	if err := s.conversations.EnsureParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListByConversationID(ctx, conversationID)
}

func (s *MessageService) publish(ctx context.Context, msg domain.Message) {
	if s.events == nil {
		return
	}
	ev, err := domain.NewInsertEvent(domain.TableMessage, msg)
	if err != nil {
		s.logger.Warn("encode message event failed", zap.Error(err))
		return
	}
	if err := s.events.Publish(ctx, realtime.MessageTopic(msg.ConversationID), ev); err != nil {
		s.logger.Warn("publish message event failed",
			zap.Error(err),
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
		)
	}
}
