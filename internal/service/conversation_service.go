package service

import (
	"context"
	"errors"
	"strings"

	"realtime-chat/internal/domain"
	"realtime-chat/internal/repository"
)

// ConversationService resuelve conversaciones de dos participantes.
type ConversationService struct {
	repo repository.ConversationRepository
}

var (
	ErrConversationServiceNotConfigured = errors.New("conversation service not configured")
	ErrSelfConversation                 = errors.New("cannot start a conversation with yourself")
	ErrNotParticipant                   = errors.New("not a participant")
)

func NewConversationService(repo repository.ConversationRepository) *ConversationService {
	return &ConversationService{repo: repo}
}

// CreateOrGet es idempotente: cualquier orden de (selfID, peerID) devuelve el mismo id.
func (s *ConversationService) CreateOrGet(ctx context.Context, selfID, peerID string) (string, error) {
	if s == nil || s.repo == nil {
		return "", ErrConversationServiceNotConfigured
	}
	selfID = strings.TrimSpace(selfID)
	peerID = strings.TrimSpace(peerID)
	if selfID == "" || peerID == "" {
		return "", ErrProfileNotFound
	}
	if selfID == peerID {
		return "", ErrSelfConversation
	}

	id, err := s.repo.CreateOrGet(ctx, selfID, peerID)
	if err != nil {
		if errors.Is(err, repository.ErrUnknownReference) {
			return "", ErrProfileNotFound
		}
		return "", err
	}
	return id, nil
}

func (s *ConversationService) ListSummaries(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	if s == nil || s.repo == nil {
		return nil, ErrConversationServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []domain.ConversationSummary{}, nil
	}
	return s.repo.ListSummaries(ctx, userID)
}

// EnsureParticipant devuelve ErrNotParticipant si userID no pertenece a la conversacion.
func (s *ConversationService) EnsureParticipant(ctx context.Context, conversationID, userID string) error {
	if s == nil || s.repo == nil {
		return ErrConversationServiceNotConfigured
	}
	ok, err := s.repo.IsParticipant(ctx, strings.TrimSpace(conversationID), strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}
