package chat

import (
	"context"
	"time"
)

const (
	defaultReconnectInitial = 250 * time.Millisecond
	defaultReconnectMax     = 10 * time.Second
)

// backoff es exponencial con tope.
type backoff struct {
	initial time.Duration
	max     time.Duration
}

func defaultBackoff() backoff {
	return backoff{initial: defaultReconnectInitial, max: defaultReconnectMax}
}

// retry ejecuta fn hasta que devuelva nil o ctx termine.
func (b backoff) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := b.initial
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > b.max {
			delay = b.max
		}
	}
}
