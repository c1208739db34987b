package realtime

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"realtime-chat/internal/domain"
)

const (
	pgNotifyChannel  = "realtime_events"
	pgListenRetryMin = 500 * time.Millisecond
	pgListenRetryMax = 30 * time.Second
)

// PostgresFeed usa LISTEN/NOTIFY; una conexion dedicada escucha y redistribuye via Hub.
type PostgresFeed struct {
	pool   *pgxpool.Pool
	hub    *Hub
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	// listened queda en true tras el primer LISTEN; solo lo toca la goroutine de listen.
	listened bool
}

func NewPostgresFeed(pool *pgxpool.Pool, logger *zap.Logger) *PostgresFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &PostgresFeed{
		pool:   pool,
		hub:    NewHub(logger),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.listen(ctx)
	return f
}

// Publish envia el evento con pg_notify. El payload de NOTIFY esta limitado a 8000 bytes.
func (f *PostgresFeed) Publish(ctx context.Context, topic string, event domain.ChangeEvent) error {
	payload, err := encodeEnvelope(topic, event)
	if err != nil {
		return err
	}
	_, err = f.pool.Exec(ctx, "SELECT pg_notify($1, $2)", pgNotifyChannel, payload)
	return err
}

func (f *PostgresFeed) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	return f.hub.Subscribe(ctx, topic)
}

func (f *PostgresFeed) Close() error {
	f.cancel()
	<-f.done
	return f.hub.Close()
}

func (f *PostgresFeed) listen(ctx context.Context) {
	defer close(f.done)
	wait := pgListenRetryMin
	for {
		err := f.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("realtime listener stopped, retrying", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > pgListenRetryMax {
			wait = pgListenRetryMax
		}
	}
}

func (f *PostgresFeed) listenOnce(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgNotifyChannel); err != nil {
		return err
	}
	f.onListening()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		env, err := decodeEnvelope(n.Payload)
		if err != nil {
			f.logger.Debug("malformed realtime payload", zap.Error(err))
			continue
		}
		_ = f.hub.Publish(ctx, env.Topic, env.Event)
	}
}

// onListening marca el listener como activo. En una reconexion las notificaciones del
// hueco se perdieron, asi que se cierran las suscripciones locales.
func (f *PostgresFeed) onListening() {
	if !f.listened {
		f.listened = true
		f.logger.Info("realtime listener ready", zap.String("channel", pgNotifyChannel))
		return
	}
	n := f.hub.Reset()
	f.logger.Warn("realtime listener recovered, closing subscriptions", zap.Int("subscriptions", n))
}
