// Package client is a typed client for the shipyard HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the shipyard API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sends token as X-API-Token on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) do(ctx context.Context, method, path string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("X-API-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Accepted is returned when a deployment request is queued.
type Accepted struct {
	DeploymentID string    `json:"deployment_id"`
	ProjectID    string    `json:"project_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Deployment mirrors the API deployment payload.
type Deployment struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Status      string     `json:"status"`
	RuntimeType string     `json:"runtime_type,omitempty"`
	Port        *int       `json:"port,omitempty"`
	URL         *string    `json:"url,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the deployment has finished.
func (d Deployment) Terminal() bool {
	return d.Status == "succeeded" || d.Status == "failed"
}

// Event is one message from a project's live stream.
type Event struct {
	Type         string    `json:"type"`
	ProjectID    string    `json:"project_id"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Line         string    `json:"line,omitempty"`
	Status       string    `json:"status,omitempty"`
	URL          string    `json:"url,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Deploy requests a new deployment of projectID.
func (c *Client) Deploy(ctx context.Context, projectID string) (Accepted, error) {
	var out Accepted
	path := fmt.Sprintf("/projects/%s/deployments", url.PathEscape(projectID))
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return Accepted{}, err
	}
	return out, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, projectID, deploymentID string) (Deployment, error) {
	var out Deployment
	path := fmt.Sprintf("/projects/%s/deployments/%s", url.PathEscape(projectID), url.PathEscape(deploymentID))
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return Deployment{}, err
	}
	return out, nil
}

// Logs returns the persisted log of a deployment.
func (c *Client) Logs(ctx context.Context, projectID, deploymentID string) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	path := fmt.Sprintf("/projects/%s/deployments/%s/logs", url.PathEscape(projectID), url.PathEscape(deploymentID))
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// History lists recent deployments of projectID, newest first. A zero limit
// uses the server default.
func (c *Client) History(ctx context.Context, projectID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Deployments []Deployment `json:"deployments"`
	}
	path := fmt.Sprintf("/projects/%s/deployments%s", url.PathEscape(projectID), query)
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// TailOption tunes Tail.
type TailOption func(*tailOptions)

type tailOptions struct {
	onOpen func()
}

// OnOpen registers fn to run once the stream is established.
func OnOpen(fn func()) TailOption {
	return func(o *tailOptions) { o.onOpen = fn }
}

// Tail streams projectID's live events to fn until ctx ends, fn returns an
// error, or, with once set, the first finished event arrives.
func (c *Client) Tail(ctx context.Context, projectID string, once bool, fn func(Event) error, opts ...TailOption) error {
	var o tailOptions
	for _, opt := range opts {
		opt(&o)
	}

	endpoint, err := url.Parse(c.baseURL + fmt.Sprintf("/projects/%s/live", url.PathEscape(projectID)))
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	q := endpoint.Query()
	if once {
		q.Set("once", "1")
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	endpoint.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()
	if o.onOpen != nil {
		o.onOpen()
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if once && isEOF(err) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if once && ev.Type == "finished" {
			return nil
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || websocket.IsUnexpectedCloseError(err)
}
