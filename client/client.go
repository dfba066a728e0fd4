// Package client talks to a huddle registrar: the session API for the web
// tier and the websocket notification feed for workers.
package client

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
	"time"
)

// ErrNotFound is returned when the registrar does not know a session.
var ErrNotFound = errors.New("not found")

// APIError is a non-success response from the registrar.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("registrar: status %d", e.Status)
	}
	return fmt.Sprintf("registrar: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

type JoinInfo struct {
	SessionID string    `json:"session_id"`
	RoomID    string    `json:"room_id"`
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Session struct {
	ID        string    `json:"id"`
	CoachID   string    `json:"coach_id"`
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Agent struct {
	SessionID      string    `json:"session_id"`
	WorkerID       string    `json:"worker_id"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Summary struct {
	SessionID       string   `json:"session_id"`
	TotalTurns      int      `json:"total_turns"`
	UserTurns       int      `json:"user_turns"`
	AssistantTurns  int      `json:"assistant_turns"`
	DurationSeconds int64    `json:"duration_seconds"`
	Topics          []string `json:"topics"`
	Insights        []string `json:"insights"`
	EndedBy         string   `json:"ended_by"`
}

type SessionView struct {
	Session Session  `json:"session"`
	Agent   *Agent   `json:"agent,omitempty"`
	Summary *Summary `json:"summary,omitempty"`
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession asks the registrar to open a room for userID with coachID.
func (c *Client) CreateSession(ctx context.Context, coachID, userID string) (JoinInfo, error) {
	var out JoinInfo
	err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"coach_id": coachID, "user_id": userID}, http.StatusCreated, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	var out SessionView
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, http.StatusOK, &out)
	return out, err
}

// EndSession asks the agent to stop. The room closing remains the
// authoritative end of the session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, http.StatusAccepted, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, want int, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return &APIError{Status: resp.StatusCode, Message: msg.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
