package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/backend"
	"realtime-chat/internal/domain"
)

var errBackendDown = errors.New("backend down")

type fakeSub struct {
	filter backend.Filter
	events chan domain.ChangeEvent

	mu     sync.Mutex
	closed bool
	local  bool
}

func newFakeSub(filter backend.Filter) *fakeSub {
	return &fakeSub{filter: filter, events: make(chan domain.ChangeEvent, 64)}
}

func (s *fakeSub) Events() <-chan domain.ChangeEvent { return s.events }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = true
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// drop simula una caida del transporte: el canal se cierra sin Close.
func (s *fakeSub) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *fakeSub) send(ev domain.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) matches(table, conversationID string) bool {
	if s.filter.Table != table {
		return false
	}
	return s.filter.ConversationID == "" || s.filter.ConversationID == conversationID
}

// fakeBackend implementa backend.Client en memoria. Los gates permiten congelar una
// llamada hasta que el test la libere.
type fakeBackend struct {
	t    *testing.T
	self domain.Profile

	mu       sync.Mutex
	profiles []domain.Profile
	convs    map[string]string
	messages map[string][]domain.Message
	subs     []*fakeSub

	historyGate  chan struct{}
	historyErr   error
	historyCalls int

	insertGate  chan struct{}
	insertErr   error
	afterInsert func(domain.Message)
	// insertResult reescribe la fila que devuelve InsertMessage.
	insertResult func(domain.Message) domain.Message

	subscribeErr   error
	subscribeCalls int

	createGate  chan struct{}
	createErr   error
	createCalls int

	listConvCalls int
	signedOut     bool
}

func newFakeBackend(t *testing.T, self domain.Profile, others ...domain.Profile) *fakeBackend {
	t.Helper()
	return &fakeBackend{
		t:        t,
		self:     self,
		profiles: append([]domain.Profile{self}, others...),
		convs:    make(map[string]string),
		messages: make(map[string][]domain.Message),
	}
}

func (f *fakeBackend) GetProfile(_ context.Context, id string) (domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Profile{}, backend.ErrNotFound
}

func (f *fakeBackend) ListProfiles(_ context.Context, excludeID string) ([]domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Profile{}
	for _, p := range f.profiles {
		if p.ID != excludeID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateOrGetConversation(ctx context.Context, peerID string) (string, error) {
	f.mu.Lock()
	f.createCalls++
	gate, err := f.createGate, f.createErr
	f.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return "", err
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.convs[peerID]
	if !ok {
		id = uuid.NewString()
		f.convs[peerID] = id
	}
	return id, nil
}

func (f *fakeBackend) ListConversations(context.Context) ([]domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listConvCalls++
	out := []domain.ConversationSummary{}
	for peerID, convID := range f.convs {
		summary := domain.ConversationSummary{ConversationID: convID, Peer: domain.Profile{ID: peerID}}
		if msgs := f.messages[convID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1].Content
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}
	return out, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	f.mu.Lock()
	f.historyCalls++
	gate, err := f.historyGate, f.historyErr
	f.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Message{}, f.messages[conversationID]...)
	domain.SortMessages(out)
	return out, nil
}

func (f *fakeBackend) InsertMessage(ctx context.Context, in backend.NewMessage) (domain.Message, error) {
	f.mu.Lock()
	gate, err, hook, rewrite := f.insertGate, f.insertErr, f.afterInsert, f.insertResult
	f.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return domain.Message{}, err
	}
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       f.self.ID,
		Content:        in.Content,
		ClientID:       in.ClientID,
		CreatedAt:      in.CreatedAt,
	}
	f.store(msg)
	if hook != nil {
		hook(msg)
	}
	if rewrite != nil {
		msg = rewrite(msg)
	}
	return msg, nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, filter backend.Filter) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := newFakeSub(filter)
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeBackend) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedOut = true
	return nil
}

func (f *fakeBackend) CurrentUser(context.Context) (*backend.Identity, error) {
	return &backend.Identity{ID: f.self.ID, Email: f.self.Email, DisplayName: f.self.DisplayName}, nil
}

// store guarda msg sin publicarlo.
func (f *fakeBackend) store(msg domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
}

// publish entrega msg a las suscripciones abiertas de su conversacion.
func (f *fakeBackend) publish(msg domain.Message) {
	f.t.Helper()
	ev, err := domain.NewInsertEvent(domain.TableMessage, msg)
	require.NoError(f.t, err)
	for _, sub := range f.openSubs() {
		if sub.matches(domain.TableMessage, msg.ConversationID) {
			sub.send(ev)
		}
	}
}

func (f *fakeBackend) publishProfile(p domain.Profile) {
	f.t.Helper()
	ev, err := domain.NewInsertEvent(domain.TableProfile, p)
	require.NoError(f.t, err)
	f.mu.Lock()
	f.profiles = append(f.profiles, p)
	f.mu.Unlock()
	for _, sub := range f.openSubs() {
		if sub.matches(domain.TableProfile, "") {
			sub.send(ev)
		}
	}
}

func (f *fakeBackend) openSubs() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*fakeSub{}
	for _, sub := range f.subs {
		if !sub.isClosed() {
			out = append(out, sub)
		}
	}
	return out
}

func (f *fakeBackend) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeBackend) counts() (subscribe, history, create int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls, f.historyCalls, f.createCalls
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func fastBackoff() backoff {
	return backoff{initial: time.Millisecond, max: 5 * time.Millisecond}
}

func message(id, convID, sender, content string, at time.Time) domain.Message {
	return domain.Message{ID: id, ConversationID: convID, SenderID: sender, Content: content, CreatedAt: at}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
