package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"realtime-chat/internal/domain"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/repository"
	"realtime-chat/internal/service"
)

type mockUserRepo struct {
	mu           sync.Mutex
	usersByID    map[string]domain.User
	usersByEmail map[string]string
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{
		usersByID:    make(map[string]domain.User),
		usersByEmail: make(map[string]string),
	}
}

func (m *mockUserRepo) Create(_ context.Context, user domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usersByEmail[user.Email]; ok {
		return repository.ErrDuplicate
	}
	m.usersByID[user.ID] = user
	m.usersByEmail[user.Email] = user.ID
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.usersByID[id]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (m *mockUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	id, ok := m.usersByEmail[email]
	m.mu.Unlock()
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return m.GetByID(ctx, id)
}

func (m *mockUserRepo) UpdateOTP(_ context.Context, id, otpHash string, otpExpiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.usersByID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	user.OtpCodeHash = otpHash
	user.OtpExpiresAt = &otpExpiresAt
	m.usersByID[id] = user
	return nil
}

func (m *mockUserRepo) VerifyEmail(_ context.Context, id string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.usersByID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	user.EmailVerifiedAt = &verifiedAt
	user.OtpCodeHash = ""
	user.OtpExpiresAt = nil
	m.usersByID[id] = user
	return nil
}

func (m *mockUserRepo) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.usersByID[id]
	return ok
}

// mockProfileRepo lee los perfiles de los usuarios registrados.
type mockProfileRepo struct {
	users *mockUserRepo
}

func (m *mockProfileRepo) GetByID(ctx context.Context, id string) (domain.Profile, error) {
	user, err := m.users.GetByID(ctx, id)
	if err != nil {
		return domain.Profile{}, err
	}
	return user.Profile(), nil
}

func (m *mockProfileRepo) ListExcluding(_ context.Context, excludeID string) ([]domain.Profile, error) {
	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	out := []domain.Profile{}
	for id, user := range m.users.usersByID {
		if id != excludeID {
			out = append(out, user.Profile())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

type mockConversationRepo struct {
	mu           sync.Mutex
	users        *mockUserRepo
	pairs        map[[2]string]string
	participants map[string][2]string
	messages     *mockMessageRepo
}

func (m *mockConversationRepo) CreateOrGet(_ context.Context, a, b string) (string, error) {
	if !m.users.has(a) || !m.users.has(b) {
		return "", repository.ErrUnknownReference
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	low, high := domain.PairKey(a, b)
	key := [2]string{low, high}
	if id, ok := m.pairs[key]; ok {
		return id, nil
	}
	id := "conv-" + low + "-" + high
	m.pairs[key] = id
	m.participants[id] = key
	return id, nil
}

func (m *mockConversationRepo) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.participants[conversationID]
	return ok && (pair[0] == userID || pair[1] == userID), nil
}

func (m *mockConversationRepo) ListSummaries(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.ConversationSummary{}
	for id, pair := range m.participants {
		peerID := pair[0]
		if peerID == userID {
			peerID = pair[1]
		} else if pair[1] != userID {
			continue
		}
		peer, _ := m.users.GetByID(ctx, peerID)
		summary := domain.ConversationSummary{ConversationID: id, Peer: peer.Profile()}
		if msgs, _ := m.messages.ListByConversationID(ctx, id); len(msgs) > 0 {
			last := msgs[len(msgs)-1].Content
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}
	return out, nil
}

type mockMessageRepo struct {
	mu       sync.Mutex
	messages []domain.Message
	byClient map[string]domain.Message
}

func (m *mockMessageRepo) Create(_ context.Context, msg domain.Message) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msg.SenderID + "|" + msg.ClientID
	if existing, ok := m.byClient[key]; ok {
		return existing, false, nil
	}
	m.byClient[key] = msg
	m.messages = append(m.messages, msg)
	return msg, true, nil
}

func (m *mockMessageRepo) ListByConversationID(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Message{}
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	domain.SortMessages(out)
	return out, nil
}

type mockEmailSender struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
	err      error
}

func (m *mockEmailSender) SendVerificationCode(_ context.Context, toEmail string, code string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTo = toEmail
	m.lastCode = code
	return m.err
}

func (m *mockEmailSender) code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCode
}

type mockLimiter struct {
	allow bool
}

func (m *mockLimiter) Allow(_ string) bool {
	return m.allow
}

type testAPI struct {
	router *gin.Engine
	users  *mockUserRepo
	sender *mockEmailSender
	feed   *realtime.Hub
	jwt    *service.JWTService
}

func newTestAPI(t *testing.T, limiter service.RateLimiter) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	users := newMockUserRepo()
	messages := &mockMessageRepo{byClient: make(map[string]domain.Message)}
	convRepo := &mockConversationRepo{
		users:        users,
		pairs:        make(map[[2]string]string),
		participants: make(map[string][2]string),
		messages:     messages,
	}
	sender := &mockEmailSender{}
	feed := realtime.NewHub(logger)
	t.Cleanup(func() { _ = feed.Close() })
	if limiter == nil {
		limiter = service.NewRateLimiter(time.Minute, 100)
	}

	jwtSvc := service.NewJWTServiceWithStore("test-secret", 15*time.Minute, time.Hour, service.NewMemoryRefreshTokenStore())
	userSvc := service.NewUserService(logger, users, sender, limiter, feed)
	convSvc := service.NewConversationService(convRepo)
	msgSvc := service.NewMessageService(messages, convSvc, feed, logger)

	router := NewRouter(
		logger,
		JWTAuthMiddleware(jwtSvc),
		NewUserHandler(logger, userSvc, jwtSvc),
		NewProfileHandler(logger, service.NewProfileService(&mockProfileRepo{users: users})),
		NewChatHandler(logger, convSvc, msgSvc),
		NewRealtimeHandler(logger, feed, convSvc),
		nil,
	)
	return &testAPI{router: router, users: users, sender: sender, feed: feed, jwt: jwtSvc}
}

// addUser registra un usuario verificado y devuelve su access token.
func (a *testAPI) addUser(t *testing.T, id, email, name string) string {
	t.Helper()
	now := time.Now().UTC()
	user := domain.User{ID: id, Email: email, DisplayName: name, EmailVerifiedAt: &now, CreatedAt: now}
	if err := a.users.Create(context.Background(), user); err != nil {
		t.Fatalf("add user: %v", err)
	}
	pair, err := a.jwt.GeneratePair(context.Background(), user)
	if err != nil {
		t.Fatalf("generate pair: %v", err)
	}
	return pair.AccessToken
}

func performRequest(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	return performAuthRequest(r, method, path, "", body)
}

func performAuthRequest(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}
