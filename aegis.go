// Package aegis provides the Go SDK for the Aegis audit-workflow backend.
//
// The SDK covers the HTTP API (auth, notifications, conversations, users)
// and the realtime synchronization engine: one live connection per
// authenticated session, a notification feed replica, chat rooms with
// deduplicated message logs, and typing indicators.
//
// Example:
//
//	client := aegis.NewClient("", aegis.WithBaseURL("http://localhost:4000"))
//	engine := aegis.NewEngine(client, nil)
//	defer engine.Close()
//
//	if err := engine.Session.Login(ctx, "ana@example.com", "secret"); err != nil {
//		return err
//	}
//	room, _ := engine.Rooms.Join(ctx, aegis.GeneralRoom)
//	<-room.Ready()
//	room.Send(ctx, "hola")
package aegis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:4000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP client for the Aegis API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	token string

	Auth          *AuthClient
	Notifications *NotificationsClient
	Conversations *ConversationsClient
	Users         *UsersClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Aegis client.
// token is optional; pass "" and let Session.Login set it.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Users = &UsersClient{c: c}
	return c
}

// SetToken sets or clears the bearer token attached to every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func getJSON[T any](ctx context.Context, c *Client, path string) (*T, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles login, registration and token verification.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult](data)
}

func (a *AuthClient) Register(ctx context.Context, name, email, password string) (*AuthResult, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/register", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult](data)
}

// Me verifies the current token and returns its user.
func (a *AuthClient) Me(ctx context.Context) (*UserRef, error) {
	res, err := getJSON[struct {
		User UserRef `json:"user"`
	}](ctx, a.c, "/auth/me")
	if err != nil {
		return nil, err
	}
	return &res.User, nil
}

// NotificationsClient is the durable side of the notification feed.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	res, err := getJSON[[]Notification](ctx, n.c, "/api/notifications")
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.c.doRequest(ctx, http.MethodPut, "/api/notifications/read-all", nil)
	return err
}

func (n *NotificationsClient) Delete(ctx context.Context, id ID) error {
	_, err := n.c.doRequest(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(string(id)), nil)
	return err
}

// ConversationsClient lists conversations and fetches private room history.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := getJSON[[]Conversation](ctx, cv.c, "/api/conversations")
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// Messages returns the full persisted history of a private room, oldest first.
func (cv *ConversationsClient) Messages(ctx context.Context, conversationID ID) ([]Message, error) {
	res, err := getJSON[[]Message](ctx, cv.c, "/api/conversations/"+url.PathEscape(string(conversationID))+"/messages")
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// Open finds or creates the private conversation with receiverID.
func (cv *ConversationsClient) Open(ctx context.Context, receiverID ID) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/api/conversations", map[string]ID{"receiverId": receiverID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// UsersClient lists the users one can start a private chat with.
type UsersClient struct{ c *Client }

func (u *UsersClient) List(ctx context.Context) ([]UserRef, error) {
	res, err := getJSON[[]UserRef](ctx, u.c, "/api/users")
	if err != nil {
		return nil, err
	}
	return *res, nil
}
