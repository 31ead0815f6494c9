// Package rest is the client for the chat backend's HTTP API: auth, room
// listing, message history and the fallback send path.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// Client talks to the chat backend over HTTP with bearer-token auth.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken installs the bearer token used on authenticated requests.
// An empty token switches the client back to anonymous requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type authResponse struct {
	Token       string `json:"token"`
	DisplayName string `json:"displayName"`
	User        *struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
	} `json:"user,omitempty"`
}

func (r authResponse) session() models.Session {
	name := r.DisplayName
	if name == "" && r.User != nil {
		name = r.User.DisplayName
		if name == "" {
			name = r.User.Username
		}
	}
	return models.Session{Token: r.Token, DisplayName: name}
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, usernameOrEmail, password string) (models.Session, error) {
	req := loginRequest{Username: usernameOrEmail, Email: usernameOrEmail, Password: password}
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &resp); err != nil {
		return models.Session{}, err
	}
	return resp.session(), nil
}

// Register creates an account. The returned session carries a token only
// when the backend issues one on registration.
func (c *Client) Register(ctx context.Context, username, password, displayName string) (models.Session, error) {
	req := registerRequest{Username: username, Password: password, DisplayName: displayName}
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", req, &resp); err != nil {
		return models.Session{}, err
	}
	sess := resp.session()
	if sess.DisplayName == "" {
		sess.DisplayName = displayName
	}
	return sess, nil
}

// Me returns the display name of the authenticated user. This is the first
// request that exercises a restored token, so callers treat a failure here
// as an expired session.
func (c *Client) Me(ctx context.Context) (string, error) {
	var resp struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &resp); err != nil {
		return "", err
	}
	if resp.DisplayName != "" {
		return resp.DisplayName, nil
	}
	return resp.Username, nil
}

// ListRooms returns the rooms visible to the user, in backend order.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// History fetches the ordered message history for a room.
func (c *Client) History(ctx context.Context, roomID int64, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/api/rooms/%d/messages?limit=%d", roomID, limit)
	var msgs []models.Message
	if err := c.doRoute(ctx, http.MethodGet, path, routeRoomMessages, nil, &msgs); err != nil {
		return nil, &HistoryLoadError{RoomID: roomID, Err: err}
	}
	return msgs, nil
}

// SendMessage persists a message over REST. This is the fallback path used
// when the realtime transport is down.
func (c *Client) SendMessage(ctx context.Context, roomID int64, content, clientID string) (models.Message, error) {
	req := models.Outgoing{RoomID: roomID, Content: content, ClientID: clientID}
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		return models.Message{}, err
	}
	observability.IncFallbackSend()
	return msg, nil
}

// routeRoomMessages is the metrics label for history requests; room ids
// stay out of the label set to keep its cardinality bounded.
const routeRoomMessages = "/api/rooms/:room_id/messages"

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doRoute(ctx, method, path, path, body, out)
}

// doRoute runs a request where the metrics route label differs from the
// request path.
func (c *Client) doRoute(ctx context.Context, method, path, route string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveRESTRequest(method, route, 0, time.Since(start))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	observability.ObserveRESTRequest(method, route, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
