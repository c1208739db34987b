package chat

import (
	"errors"

	"realtime-chat/internal/backend"
)

// MaxMessageLength coincide con el limite del servidor, en runas.
const MaxMessageLength = 4000

var (
	// ErrAuthRequired indica que no hay sesion; el llamador debe volver a autenticarse.
	ErrAuthRequired = backend.ErrAuthRequired

	ErrAcquisitionFailed   = errors.New("conversation acquisition failed")
	ErrHistoryLoadFailed   = errors.New("history load failed")
	ErrSendFailed          = errors.New("send failed")
	ErrSubscriptionDropped = errors.New("realtime subscription dropped")

	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrNoConversation = errors.New("no active conversation")
	ErrSendInFlight   = errors.New("a send is already in flight")
	ErrNotLive        = errors.New("conversation is not live")
)
