package domain

import (
	"sort"
	"time"
)

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ClientID       string    `json:"client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsFrom indica si el mensaje fue enviado por userID.
func (m Message) IsFrom(userID string) bool {
	return m.SenderID == userID
}

// Before define el orden total: created_at ascendente, id como desempate.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SortMessages ordena in-place segun Before.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
