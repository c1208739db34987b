package chat

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"realtime-chat/internal/backend"
	"realtime-chat/internal/domain"
)

// FilterProfiles devuelve los perfiles cuyo nombre o email contienen query, sin
// distinguir mayusculas. Con query vacia o en blanco devuelve todos; si no, query se
// compara tal cual, espacios incluidos. Nunca devuelve nil.
func FilterProfiles(query string, profiles []domain.Profile) []domain.Profile {
	out := make([]domain.Profile, 0, len(profiles))
	if strings.TrimSpace(query) == "" {
		return append(out, profiles...)
	}
	fold := cases.Fold()
	needle := fold.String(query)
	for _, p := range profiles {
		if strings.Contains(fold.String(p.DisplayName), needle) || strings.Contains(fold.String(p.Email), needle) {
			out = append(out, p)
		}
	}
	return out
}

// Directory lista los demas usuarios y se mantiene al dia con los perfiles nuevos.
type Directory struct {
	client  backend.Client
	selfID  string
	logger  *zap.Logger
	backoff backoff

	mu       sync.Mutex
	profiles []domain.Profile
	query    string
	cancel   context.CancelFunc
	sub      backend.Subscription
	onChange func()
}

func NewDirectory(client backend.Client, selfID string, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		client:   client,
		selfID:   selfID,
		logger:   logger,
		backoff:  defaultBackoff(),
		profiles: []domain.Profile{},
	}
}

// ListOtherUsers consulta el backend, ordenado por nombre visible.
func (d *Directory) ListOtherUsers(ctx context.Context, excludeID string) ([]domain.Profile, error) {
	return d.client.ListProfiles(ctx, excludeID)
}

func (d *Directory) Load(ctx context.Context) error {
	profiles, err := d.ListOtherUsers(ctx, d.selfID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.profiles = profiles
	d.mu.Unlock()
	d.changed()
	return nil
}

func (d *Directory) SetQuery(query string) {
	d.mu.Lock()
	d.query = query
	d.mu.Unlock()
	d.changed()
}

// Visible aplica la consulta actual.
func (d *Directory) Visible() []domain.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return FilterProfiles(d.query, d.profiles)
}

func (d *Directory) Profiles() []domain.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Profile(nil), d.profiles...)
}

func (d *Directory) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

func (d *Directory) changed() {
	d.mu.Lock()
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Watch se suscribe a los INSERT de Profile y agrega los perfiles nuevos.
func (d *Directory) Watch(ctx context.Context) error {
	sub, err := d.client.Subscribe(ctx, backend.ProfileFilter())
	if err != nil {
		return err
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.mu.Lock()
	prevCancel, prevSub := d.cancel, d.sub
	d.cancel, d.sub = cancel, sub
	d.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	if prevSub != nil {
		_ = prevSub.Close()
	}

	go d.watch(wctx, sub)
	return nil
}

func (d *Directory) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	sub := d.sub
	d.cancel, d.sub = nil, nil
	d.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

func (d *Directory) watch(ctx context.Context, sub backend.Subscription) {
	for {
		for ev := range sub.Events() {
			if ev.Table != domain.TableProfile || ev.Type != domain.EventInsert {
				continue
			}
			p, err := ev.Profile()
			if err != nil || p.ID == "" {
				d.logger.Debug("dropping malformed profile event", zap.Error(err))
				continue
			}
			if d.add(p) {
				d.changed()
			}
		}
		if ctx.Err() != nil {
			return
		}
		_ = sub.Close()

		d.logger.Warn("directory subscription dropped")
		err := d.backoff.retry(ctx, func(ctx context.Context) error {
			next, err := d.client.Subscribe(ctx, backend.ProfileFilter())
			if err != nil {
				return err
			}
			if err := d.Load(ctx); err != nil {
				_ = next.Close()
				return err
			}
			d.mu.Lock()
			if ctx.Err() != nil {
				d.mu.Unlock()
				_ = next.Close()
				return ctx.Err()
			}
			d.sub = next
			d.mu.Unlock()
			sub = next
			return nil
		})
		if err != nil {
			return
		}
	}
}

// add inserta p respetando el orden por nombre; ignora al propio usuario y duplicados.
func (d *Directory) add(p domain.Profile) bool {
	if p.ID == d.selfID {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.profiles {
		if existing.ID == p.ID {
			return false
		}
	}
	i := sort.Search(len(d.profiles), func(i int) bool {
		q := d.profiles[i]
		if q.DisplayName != p.DisplayName {
			return q.DisplayName > p.DisplayName
		}
		return q.ID > p.ID
	})
	d.profiles = append(d.profiles, domain.Profile{})
	copy(d.profiles[i+1:], d.profiles[i:])
	d.profiles[i] = p
	return true
}
