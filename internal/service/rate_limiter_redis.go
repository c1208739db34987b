package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript guarda cada intento en un sorted set puntuado en milisegundos.
// Devuelve 1 si el intento entra en la ventana y 0 si se rechaza; los rechazos no cuentan.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`

const rateLimitTimeout = 500 * time.Millisecond

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// redisRateLimiter aplica la misma ventana deslizante que memoryRateLimiter, compartida
// entre replicas de la API.
type redisRateLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
	now    func() time.Time
}

// NewRedisRateLimiter devuelve nil sin cliente. Si redis falla, Allow deja pasar.
func NewRedisRateLimiter(client *redis.Client, prefix string, window time.Duration, max int) RateLimiter {
	if client == nil {
		return nil
	}
	return newRedisRateLimiter(client, prefix, window, max)
}

func newRedisRateLimiter(client redisEvaler, prefix string, window time.Duration, max int) *redisRateLimiter {
	if window < time.Millisecond {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	if prefix == "" {
		prefix = "chat:rl:"
	}
	return &redisRateLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: prefix,
		now:    time.Now,
	}
}

func (l *redisRateLimiter) Allow(key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), rateLimitTimeout)
	defer cancel()

	args := []interface{}{
		strconv.FormatInt(l.now().UnixMilli(), 10),
		strconv.FormatInt(l.window.Milliseconds(), 10),
		strconv.Itoa(l.max),
		uuid.NewString(),
	}
	allowed, err := l.client.Eval(ctx, slidingWindowScript, []string{l.prefix + key}, args...).Int()
	if err != nil {
		return true
	}
	return allowed == 1
}
