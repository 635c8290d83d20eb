package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/evcenter/chatsync/internal/client/models"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// IsNotFound reports whether err is a 404 from the chat service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the chat service REST API under {baseURL}/chat.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Token() string { return c.token }

func (c *Client) CreateSession(ctx context.Context, cfg models.SessionConfig) (*models.ChatSession, error) {
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]any{}
	}
	var s models.ChatSession
	if err := c.do(ctx, http.MethodPost, "/sessions", nil, cfg, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID models.ID) (*models.ChatSession, error) {
	var s models.ChatSession
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID.String()), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetMySessions lists sessions the caller participates in.
func (c *Client) GetMySessions(ctx context.Context) ([]models.ChatSession, error) {
	var out []models.ChatSession
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAllActiveSessions lists every active session; staff only.
func (c *Client) GetAllActiveSessions(ctx context.Context) ([]models.ChatSession, error) {
	var out []models.ChatSession
	if err := c.do(ctx, http.MethodGet, "/sessions/all/active", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessages returns one page of history, newest first.
func (c *Client) GetMessages(ctx context.Context, sessionID models.ID, limit, offset int) ([]models.ChatMessage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out []models.ChatMessage
	path := "/sessions/" + url.PathEscape(sessionID.String()) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) JoinSessionAsStaff(ctx context.Context, sessionID models.ID) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID.String())+"/join-as-staff", nil, nil, nil)
}

func (c *Client) CloseSession(ctx context.Context, sessionID models.ID) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID.String()), nil, nil, nil)
}

func (c *Client) GetParticipants(ctx context.Context, sessionID models.ID) ([]models.Participant, error) {
	var out []models.Participant
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID.String())+"/participants", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddParticipant passes the member as query parameters, which is how the
// chat service reads them.
func (c *Client) AddParticipant(ctx context.Context, sessionID models.ID, userID, userType string) error {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("user_type", userType)
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID.String())+"/participants", q, nil, nil)
}

type askRequest struct {
	Message   string         `json:"message"`
	SessionID *models.ID     `json:"session_id"`
	Context   map[string]any `json:"context"`
}

// AskAI sends a one-off question. sessionID may be empty.
func (c *Client) AskAI(ctx context.Context, message string, sessionID models.ID, extra map[string]any) (*models.AIAnswer, error) {
	req := askRequest{Message: message, Context: extra}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	var out models.AIAnswer
	if err := c.do(ctx, http.MethodPost, "/ai/ask", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.token == "" {
		return models.ErrNoCredential
	}

	u, err := url.JoinPath(c.baseURL, "chat")
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	u += path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readDetail pulls the {"detail": ...} message the chat service puts on errors.
func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && body.Detail != "" {
		return body.Detail
	}
	return string(bytes.TrimSpace(data))
}
