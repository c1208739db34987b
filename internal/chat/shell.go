package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"realtime-chat/internal/backend"
	"realtime-chat/internal/domain"
)

// View es lo que muestra el panel principal.
type View int

const (
	ViewEmpty View = iota
	// ViewSettingUp se muestra mientras se obtiene el id de la conversacion; no acepta envios.
	ViewSettingUp
	ViewChat
)

func (v View) String() string {
	switch v {
	case ViewEmpty:
		return "empty"
	case ViewSettingUp:
		return "setting_up"
	case ViewChat:
		return "chat"
	}
	return fmt.Sprintf("view(%d)", int(v))
}

type ShellState struct {
	View View
	Peer *domain.Profile
	Err  error
}

// Shell compone directorio, lista de conversaciones y la sesion activa.
type Shell struct {
	Self          backend.Identity
	Directory     *Directory
	Conversations *ConversationList
	Session       *Session

	client backend.Client
	logger *zap.Logger
	group  singleflight.Group

	mu       sync.Mutex
	view     View
	peer     *domain.Profile
	err      error
	gen      uint64
	onChange func()
}

func NewShell(client backend.Client, self backend.Identity, logger *zap.Logger) *Shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	sh := &Shell{
		Self:          self,
		Directory:     NewDirectory(client, self.ID, logger),
		Conversations: NewConversationList(client),
		Session:       NewSession(client, self.ID, logger),
		client:        client,
		logger:        logger,
	}
	sh.Session.OnChange(func(Snapshot) { sh.changed() })
	sh.Directory.OnChange(sh.changed)
	return sh
}

// Start carga directorio y conversaciones y empieza a observar perfiles nuevos.
func (s *Shell) Start(ctx context.Context) error {
	if err := s.Directory.Load(ctx); err != nil {
		return err
	}
	if err := s.Conversations.Load(ctx); err != nil {
		return err
	}
	if err := s.Directory.Watch(ctx); err != nil {
		s.logger.Warn("directory watch failed", zap.Error(err))
	}
	return nil
}

func (s *Shell) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Shell) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Shell) State() ShellState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ShellState{View: s.view, Err: s.err}
	if s.peer != nil {
		p := *s.peer
		st.Peer = &p
	}
	return st
}

// SelectPeer obtiene (o crea) la conversacion con peer y la activa. Selecciones repetidas
// del mismo peer mientras la primera esta en vuelo comparten una sola llamada.
func (s *Shell) SelectPeer(ctx context.Context, peer domain.Profile) (string, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.view = ViewSettingUp
	s.peer = &peer
	s.err = nil
	s.mu.Unlock()
	s.Session.Deactivate()
	s.changed()

	v, err, shared := s.group.Do(peer.ID, func() (any, error) {
		return s.client.CreateOrGetConversation(ctx, peer.ID)
	})
	if shared {
		s.logger.Debug("conversation acquisition shared", zap.String("peer_id", peer.ID))
	}
	if err != nil {
		acqErr := fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
		s.mu.Lock()
		if gen == s.gen {
			s.view = ViewEmpty
			s.peer = nil
			s.err = acqErr
		}
		s.mu.Unlock()
		s.logger.Warn("conversation acquisition failed", zap.Error(err), zap.String("peer_id", peer.ID))
		s.changed()
		return "", acqErr
	}
	convID := v.(string)

	if !s.current(gen) {
		return convID, nil
	}
	s.mu.Lock()
	s.view = ViewChat
	s.mu.Unlock()

	err = s.Session.Activate(ctx, convID)
	s.finishActivation(gen, err)
	if err := s.Conversations.Load(ctx); err != nil {
		s.logger.Warn("reload conversations failed", zap.Error(err))
	}
	s.changed()
	if errors.Is(err, errStaleActivation) {
		return convID, nil
	}
	return convID, err
}

// SelectConversation activa una conversacion existente sin pasar por la adquisicion.
func (s *Shell) SelectConversation(ctx context.Context, summary domain.ConversationSummary) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	peer := summary.Peer
	s.view = ViewChat
	s.peer = &peer
	s.err = nil
	s.mu.Unlock()

	err := s.Session.Activate(ctx, summary.ConversationID)
	s.finishActivation(gen, err)
	s.changed()
	if errors.Is(err, errStaleActivation) {
		return nil
	}
	return err
}

func (s *Shell) finishActivation(gen uint64, err error) {
	if err == nil || errors.Is(err, errStaleActivation) {
		return
	}
	s.mu.Lock()
	if gen == s.gen {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Shell) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// SignOut cierra la sesion activa antes de revocar credenciales.
func (s *Shell) SignOut(ctx context.Context) error {
	s.Close()
	return s.client.SignOut(ctx)
}

func (s *Shell) Close() {
	s.mu.Lock()
	s.gen++
	s.view = ViewEmpty
	s.peer = nil
	s.mu.Unlock()
	s.Session.Deactivate()
	s.Directory.Stop()
}
