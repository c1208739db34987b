package chat

import (
	"context"
	"sync"

	"realtime-chat/internal/backend"
	"realtime-chat/internal/domain"
)

// ConversationList es la lista de conversaciones del usuario con la vista previa del
// ultimo mensaje.
type ConversationList struct {
	client backend.Client

	mu    sync.Mutex
	items []domain.ConversationSummary
}

func NewConversationList(client backend.Client) *ConversationList {
	return &ConversationList{client: client, items: []domain.ConversationSummary{}}
}

func (l *ConversationList) Load(ctx context.Context) error {
	items, err := l.client.ListConversations(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	return nil
}

func (l *ConversationList) Items() []domain.ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ConversationSummary(nil), l.items...)
}

func (l *ConversationList) Find(conversationID string) (domain.ConversationSummary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.items {
		if item.ConversationID == conversationID {
			return item, true
		}
	}
	return domain.ConversationSummary{}, false
}
