// Package backend es el lado cliente del contrato con el servicio de chat: directorio,
// conversaciones, mensajes y el feed de cambios en tiempo real.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"realtime-chat/internal/domain"
)

// Client es el contrato que consumen las vistas y la sesion de conversacion.
// Se construye una vez por proceso y se pasa explicitamente.
type Client interface {
	GetProfile(ctx context.Context, id string) (domain.Profile, error)
	ListProfiles(ctx context.Context, excludeID string) ([]domain.Profile, error)
	CreateOrGetConversation(ctx context.Context, peerID string) (string, error)
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, msg NewMessage) (domain.Message, error)
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) (*Identity, error)
}

// Subscription entrega filas nuevas hasta Close. Si la conexion se cae el canal se cierra
// sin que nadie haya llamado Close.
type Subscription interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

// Identity es el usuario autenticado.
type Identity struct {
	ID          string `json:"id" yaml:"id"`
	Email       string `json:"email" yaml:"email"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

type NewMessage struct {
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	ClientID       string    `json:"client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Filter selecciona los eventos INSERT de una tabla.
type Filter struct {
	Table          string
	ConversationID string
}

func MessageFilter(conversationID string) Filter {
	return Filter{Table: domain.TableMessage, ConversationID: conversationID}
}

func ProfileFilter() Filter {
	return Filter{Table: domain.TableProfile}
}

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalid      = errors.New("invalid request")
)

// APIError es una respuesta de error sin sentinel propio.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error: status=%d", e.Status)
	}
	return fmt.Sprintf("backend error: status=%d: %s", e.Status, e.Message)
}

func errorForStatus(status int, message string) error {
	var sentinel error
	switch status {
	case http.StatusUnauthorized:
		sentinel = ErrAuthRequired
	case http.StatusForbidden:
		sentinel = ErrForbidden
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusBadRequest:
		sentinel = ErrInvalid
	default:
		return &APIError{Status: status, Message: message}
	}
	if message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
