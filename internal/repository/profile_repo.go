package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"realtime-chat/internal/domain"
)

// ProfileRepository define el acceso de lectura al directorio de perfiles.
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (domain.Profile, error)
	ListExcluding(ctx context.Context, excludeID string) ([]domain.Profile, error)
}

type PgProfileRepository struct {
	pool *pgxpool.Pool
}

func NewPgProfileRepository(pool *pgxpool.Pool) *PgProfileRepository {
	return &PgProfileRepository{pool: pool}
}

func (r *PgProfileRepository) GetByID(ctx context.Context, id string) (domain.Profile, error) {
	const query = `
		SELECT id, email, display_name, created_at
		FROM profiles
		WHERE id = $1
	`
	var p domain.Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Email, &p.DisplayName, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Profile{}, err
	}
	return p, err
}

// ListExcluding devuelve todos los perfiles salvo excludeID, ordenados por nombre.
func (r *PgProfileRepository) ListExcluding(ctx context.Context, excludeID string) ([]domain.Profile, error) {
	const query = `
		SELECT id, email, display_name, created_at
		FROM profiles
		WHERE id <> $1
		ORDER BY display_name ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []domain.Profile{}
	for rows.Next() {
		var p domain.Profile
		if err := rows.Scan(&p.ID, &p.Email, &p.DisplayName, &p.CreatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return profiles, nil
}
