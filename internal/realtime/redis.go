package realtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realtime-chat/internal/domain"
)

const (
	redisChannelPrefix = "realtime:"
	redisRetryWait     = 250 * time.Millisecond
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// redisReceiver es la parte de *redis.PubSub que consume run.
type redisReceiver interface {
	Receive(ctx context.Context) (interface{}, error)
}

// RedisFeed publica en canales redis y redistribuye lo recibido via un Hub local,
// de modo que varias instancias de la API comparten el feed.
type RedisFeed struct {
	client redisPublisher
	prefix string
	hub    *Hub
	logger *zap.Logger
	pubsub *redis.PubSub
	done   chan struct{}
	retry  time.Duration
	closed atomic.Bool
}

// NewRedisFeed abre una suscripcion por patron y empieza a despachar mensajes.
func NewRedisFeed(ctx context.Context, client *redis.Client, logger *zap.Logger) (*RedisFeed, error) {
	f := newRedisFeed(client, logger)
	pubsub := client.PSubscribe(ctx, f.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	f.pubsub = pubsub
	go f.run(pubsub)
	return f, nil
}

func newRedisFeed(client redisPublisher, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{
		client: client,
		prefix: redisChannelPrefix,
		hub:    NewHub(logger),
		logger: logger,
		done:   make(chan struct{}),
		retry:  redisRetryWait,
	}
}

func (f *RedisFeed) Publish(ctx context.Context, topic string, event domain.ChangeEvent) error {
	payload, err := encodeEnvelope(topic, event)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.prefix+topic, payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	return f.hub.Subscribe(ctx, topic)
}

func (f *RedisFeed) Close() error {
	var err error
	f.closed.Store(true)
	if f.pubsub != nil {
		err = f.pubsub.Close()
		<-f.done
	}
	_ = f.hub.Close()
	return err
}

// run consume la suscripcion por patron. go-redis reconecta solo y vuelve a confirmar
// el PSUBSCRIBE; esa confirmacion marca un hueco en el que se pudieron perder mensajes,
// asi que se cierran las suscripciones locales.
func (f *RedisFeed) run(rx redisReceiver) {
	defer close(f.done)
	ctx := context.Background()
	for {
		msg, err := rx.Receive(ctx)
		if err != nil {
			if f.closed.Load() || errors.Is(err, redis.ErrClosed) {
				return
			}
			f.logger.Warn("realtime pubsub receive failed", zap.Error(err))
			time.Sleep(f.retry)
			continue
		}
		switch m := msg.(type) {
		case *redis.Message:
			f.dispatch(m.Channel, m.Payload)
		case *redis.Subscription:
			if m.Kind == "psubscribe" {
				n := f.hub.Reset()
				f.logger.Warn("realtime pubsub resubscribed, closing subscriptions", zap.Int("subscriptions", n))
			}
		}
	}
}

func (f *RedisFeed) dispatch(channel, payload string) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		f.logger.Debug("malformed realtime payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	if env.Topic != strings.TrimPrefix(channel, f.prefix) {
		f.logger.Debug("realtime topic mismatch", zap.String("channel", channel), zap.String("topic", env.Topic))
		return
	}
	_ = f.hub.Publish(context.Background(), env.Topic, env.Event)
}
