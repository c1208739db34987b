// Package realtime implementa el feed de cambios: filas recien insertadas publicadas
// por topico y entregadas a los suscriptores conectados.
package realtime

import (
	"context"
	"errors"

	"realtime-chat/internal/domain"
)

// Feed publica eventos INSERT y permite suscribirse por topico.
type Feed interface {
	Publish(ctx context.Context, topic string, event domain.ChangeEvent) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription entrega eventos hasta que se llama Close o el feed la descarta.
// El canal de Events se cierra en ambos casos.
type Subscription interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

var ErrFeedClosed = errors.New("feed closed")

// ProfileTopic recibe cada perfil nuevo.
const ProfileTopic = domain.TableProfile

// MessageTopic recibe los mensajes nuevos de una conversacion.
func MessageTopic(conversationID string) string {
	return domain.TableMessage + ":" + conversationID
}

// TopicFor resuelve el topico de una tabla y filtro opcional de conversacion.
func TopicFor(table, conversationID string) (string, error) {
	switch table {
	case domain.TableMessage:
		if conversationID == "" {
			return "", errors.New("message subscriptions require a conversation id")
		}
		return MessageTopic(conversationID), nil
	case domain.TableProfile:
		return ProfileTopic, nil
	}
	return "", errors.New("unknown table")
}
