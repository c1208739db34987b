package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/domain"
)

// fakeAPI imita las rutas del servicio que usa el cliente.
type fakeAPI struct {
	mu           sync.Mutex
	access       string
	refresh      string
	refreshes    int
	inserted     []NewMessage
	conns        chan *websocket.Conn
	upgrader     websocket.Upgrader
	refreshDelay time.Duration
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{access: "access-1", refresh: "refresh-1", conns: make(chan *websocket.Conn, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", f.login)
	mux.HandleFunc("POST /auth/refresh", f.refreshTokens)
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /auth/me", f.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user": Identity{ID: "u1", Email: "ann@example.com", DisplayName: "Ann"}})
	}))
	mux.HandleFunc("GET /profiles", f.authed(func(w http.ResponseWriter, r *http.Request) {
		all := []domain.Profile{{ID: "u1", DisplayName: "Ann"}, {ID: "u2", DisplayName: "Bob"}}
		out := []domain.Profile{}
		for _, p := range all {
			if p.ID != r.URL.Query().Get("exclude") {
				out = append(out, p)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
	}))
	mux.HandleFunc("GET /profiles/{id}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "u2" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"profile": domain.Profile{ID: "u2", DisplayName: "Bob"}})
	}))
	mux.HandleFunc("POST /rpc/create_conversation", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PeerID string `json:"peer_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]string{"conversation_id": "conv-" + req.PeerID})
	}))
	mux.HandleFunc("GET /conversations", f.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"conversations": nil})
	}))
	mux.HandleFunc("GET /conversations/{id}/messages", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "secret" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "not a participant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": []domain.Message{{ID: "m1", ConversationID: r.PathValue("id"), Content: "hi"}}})
	}))
	mux.HandleFunc("POST /messages", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var req NewMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Content == "boom" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not process message"})
			return
		}
		f.mu.Lock()
		f.inserted = append(f.inserted, req)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"message": domain.Message{
			ID: "m2", ConversationID: req.ConversationID, SenderID: "u1", Content: req.Content, ClientID: req.ClientID, CreatedAt: req.CreatedAt,
		}})
	}))
	mux.HandleFunc("GET /realtime", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("table") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown table"})
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		want := "Bearer " + f.access
		f.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next(w, r)
	}
}

func (f *fakeAPI) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Password != "12345678" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   Identity{ID: "u1", Email: req.Email, DisplayName: "Ann"},
		"tokens": Tokens{AccessToken: f.access, RefreshToken: f.refresh},
	})
}

func (f *fakeAPI) refreshTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	delay := f.refreshDelay
	f.mu.Unlock()
	time.Sleep(delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.RefreshToken != f.refresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	f.refreshes++
	f.access = "access-rotated"
	f.refresh = "refresh-rotated"
	writeJSON(w, http.StatusOK, map[string]any{"tokens": Tokens{AccessToken: f.access, RefreshToken: f.refresh}})
}

// expireAccess simula la expiracion del access token en el servidor.
func (f *fakeAPI) expireAccess() {
	f.mu.Lock()
	f.access = "access-2"
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func loggedInClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	c := NewHTTPClient(srv.URL, srv.Client(), nil)
	_, err := c.Login(context.Background(), "ann@example.com", "12345678")
	require.NoError(t, err)
	return c
}

func TestHTTPClientLoginAndCurrentUser(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := NewHTTPClient(srv.URL, srv.Client(), nil)

	me, err := c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Nil(t, me, "no session yet")

	_, err = c.Login(context.Background(), "ann@example.com", "wrong")
	require.ErrorIs(t, err, ErrAuthRequired)

	session, err := c.Login(context.Background(), "ann@example.com", "12345678")
	require.NoError(t, err)
	assert.Equal(t, "u1", session.User.ID)
	assert.Equal(t, "access-1", c.Tokens().AccessToken)

	me, err = c.CurrentUser(context.Background())
	require.NoError(t, err)
	require.NotNil(t, me)
	assert.Equal(t, "Ann", me.DisplayName)

	require.NoError(t, c.SignOut(context.Background()))
	assert.Empty(t, c.Tokens().AccessToken)
	me, err = c.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Nil(t, me)
}

func TestHTTPClientContract(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedInClient(t, srv)
	ctx := context.Background()

	profiles, err := c.ListProfiles(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "u2", profiles[0].ID)

	p, err := c.GetProfile(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Bob", p.DisplayName)
	_, err = c.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	convID, err := c.CreateOrGetConversation(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "conv-u2", convID)

	convs, err := c.ListConversations(ctx)
	require.NoError(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)

	msgs, err := c.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	_, err = c.ListMessages(ctx, "secret")
	assert.ErrorIs(t, err, ErrForbidden)

	sent, err := c.InsertMessage(ctx, NewMessage{ConversationID: convID, Content: "yo", ClientID: "cid-1", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, "cid-1", sent.ClientID)
	api.mu.Lock()
	assert.Len(t, api.inserted, 1)
	api.mu.Unlock()

	_, err = c.InsertMessage(ctx, NewMessage{ConversationID: convID, Content: "boom"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "could not process message", apiErr.Message)
}

func TestHTTPClientRefreshesExpiredAccessToken(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedInClient(t, srv)

	var persisted Tokens
	c.OnTokenRefresh(func(tok Tokens) { persisted = tok })
	api.expireAccess()

	profiles, err := c.ListProfiles(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
	assert.Equal(t, "access-rotated", c.Tokens().AccessToken)
	assert.Equal(t, "refresh-rotated", persisted.RefreshToken)
	assert.Equal(t, 1, api.refreshes)
}

func TestHTTPClientConcurrentExpiryRefreshesOnce(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedInClient(t, srv)
	api.mu.Lock()
	api.refreshDelay = 100 * time.Millisecond
	api.mu.Unlock()
	api.expireAccess()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ListProfiles(context.Background(), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.refreshes)
	assert.Equal(t, "access-rotated", c.Tokens().AccessToken)
}

func TestHTTPClientRequiresAuth(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := NewHTTPClient(srv.URL, srv.Client(), nil)

	_, err := c.ListProfiles(context.Background(), "")
	assert.ErrorIs(t, err, ErrAuthRequired)
	_, err = c.Subscribe(context.Background(), ProfileFilter())
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestHTTPClientSubscribe(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedInClient(t, srv)

	sub, err := c.Subscribe(context.Background(), MessageFilter("conv-1"))
	require.NoError(t, err)

	var server *websocket.Conn
	select {
	case server = <-api.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the websocket")
	}
	defer server.Close()

	ev, err := domain.NewInsertEvent(domain.TableMessage, domain.Message{ID: "m9", ConversationID: "conv-1", Content: "live"})
	require.NoError(t, err)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, server.WriteJSON(ev))

	select {
	case got := <-sub.Events():
		msg, err := got.Message()
		require.NoError(t, err)
		assert.Equal(t, "m9", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	assert.False(t, open, "events channel closes after Close")
	assert.NoError(t, sub.Close(), "close is idempotent")
}

func TestHTTPClientSubscriptionDrop(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := loggedInClient(t, srv)

	sub, err := c.Subscribe(context.Background(), ProfileFilter())
	require.NoError(t, err)
	defer sub.Close()

	server := <-api.conns
	require.NoError(t, server.Close())

	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel should close when the server drops the connection")
	}
}

func TestHTTPClientSubscribeBadFilter(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := loggedInClient(t, srv)

	_, err := c.Subscribe(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrInvalid)
}
