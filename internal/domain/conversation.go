package domain

import "time"

// Conversation es un hilo directo entre exactamente dos perfiles.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ConversationSummary es una fila de la lista de conversaciones del usuario actual.
type ConversationSummary struct {
	ConversationID string  `json:"conversation_id"`
	Peer           Profile `json:"peer"`
	LastMessage    *string `json:"last_message"`
}

// PairKey ordena el par para que (a, b) y (b, a) compartan clave.
func PairKey(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}
