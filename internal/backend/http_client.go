package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"realtime-chat/internal/domain"
)

// Tokens es el par emitido por el proveedor de identidad.
type Tokens struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
}

// Session es el resultado de login o verificacion.
type Session struct {
	User   Identity `yaml:"user"`
	Tokens Tokens   `yaml:"tokens"`
}

var _ Client = (*HTTPClient)(nil)

// HTTPClient implementa Client contra la API HTTP y el endpoint websocket /realtime.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu        sync.RWMutex
	tokens    Tokens
	onRefresh func(Tokens)

	// refreshes agrupa rotaciones concurrentes del mismo refresh token.
	refreshes singleflight.Group
}

func NewHTTPClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (c *HTTPClient) SetTokens(t Tokens) {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
}

func (c *HTTPClient) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// OnTokenRefresh registra fn para persistir tokens rotados.
func (c *HTTPClient) OnTokenRefresh(fn func(Tokens)) {
	c.mu.Lock()
	c.onRefresh = fn
	c.mu.Unlock()
}

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// SignUp crea la cuenta; el servidor envia el codigo de verificacion por email.
func (c *HTTPClient) SignUp(ctx context.Context, req SignUpRequest) (Identity, error) {
	var out struct {
		User Identity `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/signup", req, &out, false); err != nil {
		return Identity{}, err
	}
	return out.User, nil
}

func (c *HTTPClient) ResendVerification(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/verify/resend", map[string]string{"email": email}, nil, false)
}

func (c *HTTPClient) Verify(ctx context.Context, email, code string) (Session, error) {
	return c.startSession(ctx, "/auth/verify", map[string]string{"email": email, "code": code})
}

func (c *HTTPClient) Login(ctx context.Context, email, password string) (Session, error) {
	return c.startSession(ctx, "/auth/login", map[string]string{"email": email, "password": password})
}

func (c *HTTPClient) startSession(ctx context.Context, path string, body any) (Session, error) {
	var out struct {
		User   Identity `json:"user"`
		Tokens Tokens   `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &out, false); err != nil {
		return Session{}, err
	}
	c.SetTokens(out.Tokens)
	return Session{User: out.User, Tokens: out.Tokens}, nil
}

// SignOut revoca el refresh token y olvida la sesion local aunque el servidor falle.
func (c *HTTPClient) SignOut(ctx context.Context) error {
	tokens := c.Tokens()
	c.SetTokens(Tokens{})
	if tokens.RefreshToken == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": tokens.RefreshToken}, nil, false)
}

// CurrentUser devuelve nil si no hay sesion valida.
func (c *HTTPClient) CurrentUser(ctx context.Context) (*Identity, error) {
	if c.Tokens().AccessToken == "" {
		return nil, nil
	}
	var out struct {
		User Identity `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &out, true); err != nil {
		if errors.Is(err, ErrAuthRequired) {
			return nil, nil
		}
		return nil, err
	}
	return &out.User, nil
}

func (c *HTTPClient) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	var out struct {
		Profile domain.Profile `json:"profile"`
	}
	if err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(id), nil, &out, true); err != nil {
		return domain.Profile{}, err
	}
	return out.Profile, nil
}

func (c *HTTPClient) ListProfiles(ctx context.Context, excludeID string) ([]domain.Profile, error) {
	var out struct {
		Profiles []domain.Profile `json:"profiles"`
	}
	path := "/profiles?" + url.Values{"exclude": {excludeID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	if out.Profiles == nil {
		out.Profiles = []domain.Profile{}
	}
	return out.Profiles, nil
}

func (c *HTTPClient) CreateOrGetConversation(ctx context.Context, peerID string) (string, error) {
	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/rpc/create_conversation", map[string]string{"peer_id": peerID}, &out, true); err != nil {
		return "", err
	}
	if out.ConversationID == "" {
		return "", errors.New("backend returned empty conversation id")
	}
	return out.ConversationID, nil
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out struct {
		Conversations []domain.ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out, true); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = []domain.ConversationSummary{}
	}
	return out.Conversations, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &out, true); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		out.Messages = []domain.Message{}
	}
	return out.Messages, nil
}

func (c *HTTPClient) InsertMessage(ctx context.Context, msg NewMessage) (domain.Message, error) {
	var out struct {
		Message domain.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &out, true); err != nil {
		return domain.Message{}, err
	}
	return out.Message, nil
}

// Subscribe abre un websocket dedicado al filtro sobre el dialer compartido.
func (c *HTTPClient) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	used := c.Tokens().AccessToken
	sub, err := c.dial(ctx, filter)
	if errors.Is(err, ErrAuthRequired) && c.refresh(ctx, used) == nil {
		sub, err = c.dial(ctx, filter)
	}
	return sub, err
}

func (c *HTTPClient) dial(ctx context.Context, filter Filter) (Subscription, error) {
	u, err := url.Parse(c.baseURL + "/realtime")
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{"table": {filter.Table}}
	if filter.ConversationID != "" {
		q.Set("conversation_id", filter.ConversationID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token := c.Tokens().AccessToken; token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.decodeError(resp)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return newWSSubscription(conn, c.logger), nil
}

// do envia la peticion; si authed y el access token expiro, rota tokens y reintenta una vez.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	used := c.Tokens().AccessToken
	err := c.doOnce(ctx, method, path, body, out, authed)
	if authed && errors.Is(err, ErrAuthRequired) && c.refresh(ctx, used) == nil {
		err = c.doOnce(ctx, method, path, body, out, authed)
	}
	return err
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := c.Tokens().AccessToken
		if token == "" {
			return ErrAuthRequired
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *HTTPClient) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &apiErr)
	c.logger.Debug("backend error", zap.Int("status", resp.StatusCode), zap.String("error", apiErr.Error))
	return errorForStatus(resp.StatusCode, apiErr.Error)
}

// refresh rota los tokens tras un 401 obtenido con el access token used. Si otra
// llamada ya los roto no hace nada; las rotaciones simultaneas comparten una peticion.
func (c *HTTPClient) refresh(ctx context.Context, used string) error {
	current := c.Tokens()
	if current.AccessToken != used {
		return nil
	}
	if current.RefreshToken == "" {
		return ErrAuthRequired
	}
	_, err, _ := c.refreshes.Do(current.RefreshToken, func() (any, error) {
		return nil, c.rotate(context.WithoutCancel(ctx), current.RefreshToken)
	})
	return err
}

func (c *HTTPClient) rotate(ctx context.Context, refreshToken string) error {
	var out struct {
		Tokens Tokens `json:"tokens"`
	}
	if err := c.doOnce(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, &out, false); err != nil {
		return err
	}

	c.mu.Lock()
	c.tokens = out.Tokens
	onRefresh := c.onRefresh
	c.mu.Unlock()
	if onRefresh != nil {
		onRefresh(out.Tokens)
	}
	c.logger.Debug("access token refreshed")
	return nil
}
