package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"realtime-chat/internal/domain"
)

type MessageRepository interface {
	// Create inserta el mensaje; si (sender_id, client_id) ya existe devuelve la fila
	// existente con inserted=false.
	Create(ctx context.Context, message domain.Message) (stored domain.Message, inserted bool, err error)
	ListByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

func (r *PgMessageRepository) Create(ctx context.Context, message domain.Message) (domain.Message, bool, error) {
	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, content, client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sender_id, client_id) DO UPDATE SET client_id = EXCLUDED.client_id
		RETURNING id, conversation_id, sender_id, content, client_id, created_at, (xmax = 0)
	`

	var stored domain.Message
	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Content,
		message.ClientID,
		message.CreatedAt,
	).Scan(
		&stored.ID,
		&stored.ConversationID,
		&stored.SenderID,
		&stored.Content,
		&stored.ClientID,
		&stored.CreatedAt,
		&inserted,
	)
	if err != nil {
		return domain.Message{}, false, translatePgError(err)
	}
	return stored, inserted, nil
}

func (r *PgMessageRepository) ListByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, content, client_id, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		err = rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.Content,
			&msg.ClientID,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}
