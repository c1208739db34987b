// Package email entrega los codigos de verificacion del registro.
package email

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sender envia el codigo de verificacion de cuenta tras el registro.
type Sender interface {
	SendVerificationCode(ctx context.Context, toEmail string, code string, expiresAt time.Time) error
}

var ErrSenderDisabled = errors.New("email sender disabled")

type disabledSender struct {
	reason string
}

// NewDisabledSender falla siempre; el registro sigue y el usuario puede pedir reenvio.
func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) SendVerificationCode(context.Context, string, string, time.Time) error {
	if s.reason == "" {
		return ErrSenderDisabled
	}
	return errors.Join(ErrSenderDisabled, errors.New(s.reason))
}

// LogSender escribe el codigo en el log en vez de enviarlo. Solo para desarrollo local.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendVerificationCode(_ context.Context, toEmail, code string, expiresAt time.Time) error {
	s.logger.Info("verification code",
		zap.String("email", toEmail),
		zap.String("code", code),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}
