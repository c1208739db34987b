package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"realtime-chat/internal/domain"
)

// ConversationRepository define la persistencia de conversaciones de dos participantes.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, userA, userB string) (string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListSummaries(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
}

type PgConversationRepository struct {
	pool *pgxpool.Pool
}

func NewPgConversationRepository(pool *pgxpool.Pool) *PgConversationRepository {
	return &PgConversationRepository{pool: pool}
}

// CreateOrGet devuelve la conversacion del par no ordenado (userA, userB), creandola si no existe.
// El upsert sobre (user_low, user_high) serializa llamadas concurrentes para el mismo par.
func (r *PgConversationRepository) CreateOrGet(ctx context.Context, userA, userB string) (string, error) {
	const upsertConversation = `
		INSERT INTO conversations (id, user_low, user_high, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_low, user_high) DO UPDATE SET user_low = EXCLUDED.user_low
		RETURNING id
	`
	const insertParticipants = `
		INSERT INTO conversation_participants (conversation_id, user_id)
		VALUES ($1, $2), ($1, $3)
		ON CONFLICT DO NOTHING
	`

	low, high := domain.PairKey(userA, userB)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var conversationID string
	err = tx.QueryRow(ctx, upsertConversation,
		uuid.NewString(),
		low,
		high,
		time.Now().UTC(),
	).Scan(&conversationID)
	if err != nil {
		return "", translatePgError(err)
	}

	if _, err := tx.Exec(ctx, insertParticipants, conversationID, low, high); err != nil {
		return "", translatePgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return conversationID, nil
}

func (r *PgConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`
	var ok bool
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&ok)
	return ok, err
}

// ListSummaries devuelve una fila por conversacion de userID con el perfil del otro
// participante y el contenido del mensaje mas reciente (nil si no hay mensajes).
func (r *PgConversationRepository) ListSummaries(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	const query = `
		SELECT peer.conversation_id, p.id, p.email, p.display_name, p.created_at, last.content
		FROM conversation_participants self
		JOIN conversation_participants peer
		  ON peer.conversation_id = self.conversation_id AND peer.user_id <> self.user_id
		JOIN profiles p ON p.id = peer.user_id
		JOIN conversations c ON c.id = self.conversation_id
		LEFT JOIN LATERAL (
			SELECT m.content
			FROM messages m
			WHERE m.conversation_id = self.conversation_id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) last ON true
		WHERE self.user_id = $1
		ORDER BY c.created_at DESC, c.id ASC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []domain.ConversationSummary{}
	for rows.Next() {
		var s domain.ConversationSummary
		if err := rows.Scan(
			&s.ConversationID,
			&s.Peer.ID,
			&s.Peer.Email,
			&s.Peer.DisplayName,
			&s.Peer.CreatedAt,
			&s.LastMessage,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}
