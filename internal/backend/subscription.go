package backend

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-chat/internal/domain"
)

const subscriptionBuffer = 64

type wsSubscription struct {
	conn   *websocket.Conn
	logger *zap.Logger
	events chan domain.ChangeEvent
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newWSSubscription(conn *websocket.Conn, logger *zap.Logger) *wsSubscription {
	s := &wsSubscription{
		conn:   conn,
		logger: logger,
		events: make(chan domain.ChangeEvent, subscriptionBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSubscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

// Close es idempotente y espera a que termine el lector.
func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *wsSubscription) readLoop() {
	defer close(s.done)
	defer close(s.events)
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Debug("realtime connection ended", zap.Error(err))
			}
			return
		}
		var ev domain.ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Table == "" {
			s.logger.Debug("dropping malformed realtime frame", zap.Error(err))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}
