package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"realtime-chat/internal/domain"
)

const defaultSubscriberBuffer = 64

// Hub es un feed en memoria. Tambien es la capa de fan-out local de los drivers
// redis y postgres.
type Hub struct {
	logger *zap.Logger
	buffer int

	mu     sync.Mutex
	subs   map[string]map[*hubSubscription]struct{}
	closed bool
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		buffer: defaultSubscriberBuffer,
		subs:   make(map[string]map[*hubSubscription]struct{}),
	}
}

// Publish entrega event a los suscriptores de topic sin bloquear. Un suscriptor con
// el buffer lleno se descarta.
func (h *Hub) Publish(_ context.Context, topic string, event domain.ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrFeedClosed
	}
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("dropping slow subscriber", zap.String("topic", topic))
			h.removeLocked(sub)
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, topic string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrFeedClosed
	}
	sub := &hubSubscription{
		hub:   h,
		topic: topic,
		ch:    make(chan domain.ChangeEvent, h.buffer),
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*hubSubscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Close cierra todas las suscripciones abiertas.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
	return nil
}

// Reset cierra las suscripciones abiertas sin cerrar el hub. Los drivers lo llaman al
// recuperar el listener: los clientes ven el cierre, se resuscriben y recargan historial.
func (h *Hub) Reset() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subs {
		for sub := range subs {
			h.removeLocked(sub)
			n++
		}
	}
	return n
}

func (h *Hub) subscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

func (h *Hub) removeLocked(sub *hubSubscription) {
	subs, ok := h.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.topic)
	}
	close(sub.ch)
}

type hubSubscription struct {
	hub   *Hub
	topic string
	ch    chan domain.ChangeEvent
}

func (s *hubSubscription) Events() <-chan domain.ChangeEvent {
	return s.ch
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
	return nil
}
