// Package client is a Go client for the emochat HTTP API.
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
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/emochat/backend/pkg/api"
)

// Error is a non-2xx response decoded from the server.
type Error struct {
	StatusCode int
	Body       api.ErrorResponse
}

func (e *Error) Error() string {
	if e.Body.Reason != "" {
		return fmt.Sprintf("emochat: %d %s (%s): %s", e.StatusCode, e.Body.Code, e.Body.Reason, e.Body.Error)
	}
	return fmt.Sprintf("emochat: %d %s: %s", e.StatusCode, e.Body.Code, e.Body.Error)
}

// Retryable reports whether repeating the request may succeed.
func (e *Error) Retryable() bool {
	switch e.Body.Code {
	case api.CodeGenerationFailed, api.CodeRateLimited, api.CodeInternal:
		return true
	}
	return e.StatusCode >= 500
}

// CodeOf returns the server error code carried by err, or "" when err did
// not come from a server response.
func CodeOf(err error) api.Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Body.Code
	}
	return ""
}

// IsRetryable reports whether err is a transport failure or a retryable
// server error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// Client calls the API rooted at BaseURL. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for baseURL, for example "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Send(ctx context.Context, req api.SendRequest) (*api.SendResponse, error) {
	var out api.SendResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64, userID string) (*api.DeleteMessageResponse, error) {
	var out api.DeleteMessageResponse
	path := "/api/messages/" + strconv.FormatInt(messageID, 10)
	if err := c.do(ctx, http.MethodDelete, path, url.Values{"userId": {userID}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID int64, userID, newContent string) (*api.EditMessageResponse, error) {
	var out api.EditMessageResponse
	path := "/api/messages/" + strconv.FormatInt(messageID, 10)
	body := api.EditMessageRequest{UserID: userID, NewContent: newContent}
	if err := c.do(ctx, http.MethodPut, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches a session's messages; limit <= 0 returns all of them.
func (c *Client) History(ctx context.Context, sessionID string, limit int) (*api.HistoryResponse, error) {
	var out api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/history", limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSessions(ctx context.Context, userID string, limit int) (*api.SessionsResponse, error) {
	var out api.SessionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/sessions", limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SearchSessions(ctx context.Context, userID, keyword string) (*api.SessionsResponse, error) {
	var out api.SessionsResponse
	q := url.Values{"keyword": {keyword}}
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/sessions/search", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID, userID string) (*api.DeleteSessionResponse, error) {
	var out api.DeleteSessionResponse
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSessions(ctx context.Context, userID string, sessionIDs []string) (*api.BatchDeleteResponse, error) {
	var out api.BatchDeleteResponse
	body := api.BatchDeleteRequest{UserID: userID, SessionIDs: sessionIDs}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/batch-delete", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr.Body) != nil || apiErr.Body.Code == "" {
			apiErr.Body.Code = api.CodeInternal
			apiErr.Body.Error = strings.TrimSpace(string(raw))
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
