package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"realtime-chat/internal/domain"
	"realtime-chat/internal/repository"
)

// ProfileService expone el directorio de usuarios.
type ProfileService struct {
	repo repository.ProfileRepository
}

var (
	ErrProfileServiceNotConfigured = errors.New("profile service not configured")
	ErrProfileNotFound             = errors.New("profile not found")
)

func NewProfileService(repo repository.ProfileRepository) *ProfileService {
	return &ProfileService{repo: repo}
}

func (s *ProfileService) Get(ctx context.Context, id string) (domain.Profile, error) {
	if s == nil || s.repo == nil {
		return domain.Profile{}, ErrProfileServiceNotConfigured
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Profile{}, ErrProfileNotFound
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Profile{}, ErrProfileNotFound
		}
		return domain.Profile{}, err
	}
	return p, nil
}

// ListOthers devuelve todos los perfiles excepto excludeID, ordenados por nombre visible.
func (s *ProfileService) ListOthers(ctx context.Context, excludeID string) ([]domain.Profile, error) {
	if s == nil || s.repo == nil {
		return nil, ErrProfileServiceNotConfigured
	}
	return s.repo.ListExcluding(ctx, strings.TrimSpace(excludeID))
}
