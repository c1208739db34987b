// Package chat contiene el nucleo cliente: directorio, lista de conversaciones,
// adquisicion de conversacion y la sesion que reconcilia envios optimistas con el
// historial y el feed realtime.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-chat/internal/backend"
	"realtime-chat/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Snapshot es una copia inmutable del estado observable de la sesion.
type Snapshot struct {
	State          State
	ConversationID string
	Messages       []domain.Message
	Sending        bool
	Err            error
}

// errStaleActivation se devuelve cuando otra activacion reemplazo a la actual.
var errStaleActivation = errors.New("activation superseded")

// Session mantiene la lista de mensajes de una conversacion activa.
// Todo resultado asincrono compara la epoca de activacion antes de mutar el estado.
type Session struct {
	client  backend.Client
	selfID  string
	logger  *zap.Logger
	backoff backoff
	now     func() time.Time
	newID   func() string

	mu        sync.Mutex
	state     State
	convID    string
	epoch     uint64
	list      *messageList
	buffered  []domain.Message
	sending   bool
	err       error
	cancel    context.CancelFunc
	sub       backend.Subscription
	listeners map[int]func(Snapshot)
	nextLID   int
}

func NewSession(client backend.Client, selfID string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		client:    client,
		selfID:    selfID,
		logger:    logger,
		backoff:   defaultBackoff(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		list:      newMessageList(),
		listeners: make(map[int]func(Snapshot)),
	}
}

func (s *Session) SelfID() string {
	return s.selfID
}

// OnChange registra fn; se invoca fuera del lock despues de cada mutacion.
// Devuelve una funcion para desregistrarla.
func (s *Session) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:          s.state,
		ConversationID: s.convID,
		Messages:       s.list.snapshot(),
		Sending:        s.sending,
		Err:            s.err,
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Activate liga la sesion a conversationID: abre la suscripcion, carga el historial y
// queda Live. Bloquea hasta que el historial resuelve. Los eventos que llegan durante
// Loading se guardan y se aplican despues del historial.
func (s *Session) Activate(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	s.Deactivate()
	if conversationID == "" {
		return ErrNoConversation
	}

	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	epoch := s.begin(conversationID, cancel)
	s.notify()

	// hctx termina con la activacion o con el ctx del llamador; solo acota la apertura de
	// la suscripcion y la carga del historial.
	hctx, hcancel := context.WithCancel(actx)
	defer hcancel()
	stop := context.AfterFunc(ctx, hcancel)
	defer stop()

	// La suscripcion se abre antes del historial para no perder filas escritas entre ambos.
	sub, err := s.client.Subscribe(hctx, backend.MessageFilter(conversationID))
	if err != nil {
		return s.failActivation(epoch, fmt.Errorf("%w: %w", ErrSubscriptionDropped, err))
	}
	if !s.attach(epoch, sub) {
		_ = sub.Close()
		return errStaleActivation
	}
	go s.pump(actx, epoch, conversationID, sub)

	history, err := s.client.ListMessages(hctx, conversationID)
	if err != nil {
		return s.failActivation(epoch, fmt.Errorf("%w: %w", ErrHistoryLoadFailed, err))
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return errStaleActivation
	}
	s.list.mergeAll(s.forConversation(history))
	s.list.mergeAll(s.buffered)
	s.buffered = nil
	s.state = StateLive
	s.mu.Unlock()
	s.notify()
	return nil
}

// begin abre una nueva epoca para conversationID. Si una activacion concurrente dejo
// suscripcion o cancel instalados, se liberan aqui.
func (s *Session) begin(conversationID string, cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	prevCancel, prevSub := s.cancel, s.sub
	s.cancel = cancel
	s.sub = nil
	s.state = StateLoading
	s.convID = conversationID
	s.list = newMessageList()
	s.buffered = nil
	s.sending = false
	s.err = nil
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevSub != nil {
		_ = prevSub.Close()
	}
	return epoch
}

func (s *Session) attach(epoch uint64, sub backend.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.sub = sub
	return true
}

// failActivation deja la sesion en Failed y libera la suscripcion.
func (s *Session) failActivation(epoch uint64, err error) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return errStaleActivation
	}
	sub := s.sub
	s.sub = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.state = StateFailed
	s.err = err
	s.buffered = nil
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	s.logger.Warn("conversation activation failed", zap.Error(err))
	s.notify()
	return err
}

// Deactivate cierra la suscripcion y despues descarta el estado local.
func (s *Session) Deactivate() {
	s.mu.Lock()
	if s.state == StateIdle && s.sub == nil && s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.epoch++
	epoch := s.epoch
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}

	s.mu.Lock()
	if epoch == s.epoch {
		s.state = StateIdle
		s.convID = ""
		s.list = newMessageList()
		s.buffered = nil
		s.sending = false
		s.err = nil
	}
	s.mu.Unlock()
	s.notify()
}

// Send publica content de forma optimista. Solo un envio en vuelo por sesion.
func (s *Session) Send(ctx context.Context, content string) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}

	s.mu.Lock()
	switch {
	case s.convID == "":
		s.mu.Unlock()
		return ErrNoConversation
	case s.state != StateLive:
		s.mu.Unlock()
		return ErrNotLive
	case s.sending:
		s.mu.Unlock()
		return ErrSendInFlight
	}
	clientID := s.newID()
	placeholder := domain.Message{
		ID:             PlaceholderPrefix + clientID,
		ConversationID: s.convID,
		SenderID:       s.selfID,
		Content:        text,
		ClientID:       clientID,
		CreatedAt:      s.now(),
	}
	s.list.addPlaceholder(placeholder)
	s.sending = true
	epoch := s.epoch
	s.mu.Unlock()
	s.notify()

	stored, err := s.client.InsertMessage(ctx, backend.NewMessage{
		ConversationID: placeholder.ConversationID,
		Content:        text,
		ClientID:       clientID,
		CreatedAt:      placeholder.CreatedAt,
	})
	if err == nil && stored.ConversationID != placeholder.ConversationID {
		err = fmt.Errorf("write confirmed for conversation %q", stored.ConversationID)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		// La sesion cambio de conversacion; el placeholder ya se descarto con su estado.
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return nil
	}
	s.sending = false
	if err != nil {
		s.list.remove(placeholder.ID)
		s.err = fmt.Errorf("%w: %w", ErrSendFailed, err)
		sendErr := s.err
		s.mu.Unlock()
		s.logger.Warn("send message failed", zap.Error(err), zap.String("conversation_id", placeholder.ConversationID))
		s.notify()
		return sendErr
	}
	s.list.confirm(placeholder.ID, stored)
	if errors.Is(s.err, ErrSendFailed) {
		s.err = nil
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// pump consume la suscripcion de una activacion y se reconecta si se cae.
func (s *Session) pump(ctx context.Context, epoch uint64, convID string, sub backend.Subscription) {
	for {
		for ev := range sub.Events() {
			s.handleEvent(epoch, ev)
		}
		if ctx.Err() != nil {
			return
		}

		_ = sub.Close()
		s.logger.Warn("realtime subscription dropped", zap.String("conversation_id", convID))
		if !s.markDropped(epoch) {
			return
		}
		next, ok := s.reconnect(ctx, epoch, convID)
		if !ok {
			return
		}
		sub = next
	}
}

func (s *Session) markDropped(epoch uint64) bool {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	s.sub = nil
	s.err = ErrSubscriptionDropped
	s.mu.Unlock()
	s.notify()
	return true
}

// reconnect vuelve a suscribirse y rellena el historial; la fusion es idempotente.
func (s *Session) reconnect(ctx context.Context, epoch uint64, convID string) (backend.Subscription, bool) {
	var sub backend.Subscription
	err := s.backoff.retry(ctx, func(ctx context.Context) error {
		next, err := s.client.Subscribe(ctx, backend.MessageFilter(convID))
		if err != nil {
			s.logger.Debug("resubscribe failed", zap.Error(err))
			return err
		}
		history, err := s.client.ListMessages(ctx, convID)
		if err != nil {
			_ = next.Close()
			s.logger.Debug("backfill failed", zap.Error(err))
			return err
		}

		s.mu.Lock()
		if epoch != s.epoch {
			s.mu.Unlock()
			_ = next.Close()
			return context.Canceled
		}
		history = s.forConversation(history)
		if s.state == StateLoading {
			s.buffered = append(s.buffered, history...)
		} else {
			s.list.mergeAll(history)
		}
		s.sub = next
		if errors.Is(s.err, ErrSubscriptionDropped) {
			s.err = nil
		}
		s.mu.Unlock()
		sub = next
		return nil
	})
	if err != nil || sub == nil {
		return nil, false
	}
	s.logger.Info("realtime subscription restored", zap.String("conversation_id", convID))
	s.notify()
	return sub, true
}

func (s *Session) handleEvent(epoch uint64, ev domain.ChangeEvent) {
	if ev.Table != domain.TableMessage || ev.Type != domain.EventInsert {
		s.logger.Debug("ignoring realtime event", zap.String("table", ev.Table), zap.String("type", ev.Type))
		return
	}
	msg, err := ev.Message()
	if err != nil || msg.ID == "" {
		s.logger.Debug("dropping malformed message event", zap.Error(err))
		return
	}

	s.mu.Lock()
	if epoch != s.epoch || msg.ConversationID != s.convID {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateLoading:
		s.buffered = append(s.buffered, msg)
	case StateLive:
		s.list.merge(msg)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify()
}

// forConversation descarta filas de otra conversacion. Requiere s.mu.
func (s *Session) forConversation(msgs []domain.Message) []domain.Message {
	out := msgs[:0:0]
	for _, msg := range msgs {
		if msg.ConversationID == s.convID {
			out = append(out, msg)
		}
	}
	return out
}
