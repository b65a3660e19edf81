package openlaunch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Event streams use the same transport without a timeout.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenLaunch REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openlaunch api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openlaunch api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == code
}

// NewClient instantiates a client for the OpenLaunch API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every API call. An empty
// token disables the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Query runs a one-shot query.
func (c *Client) Query(ctx context.Context, text string) (Outcome, error) {
	var out Outcome
	err := c.send(ctx, http.MethodPost, "/api/v1/query", map[string]string{"text": text}, &out)
	return out, err
}

// NewSession opens a query session. Queries within a session supersede each
// other.
func (c *Client) NewSession(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/sessions", nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SessionQuery runs a query in a session. A query replaced by a newer one
// fails with code SUPERSEDED.
func (c *Client) SessionQuery(ctx context.Context, sessionID, text string) (Outcome, error) {
	var out Outcome
	err := c.send(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/query", map[string]string{"text": text}, &out)
	return out, err
}

// CloseSession cancels and removes a session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// Activate records that the user picked a result.
func (c *Client) Activate(ctx context.Context, a Activation) (ActivationRecord, error) {
	var rec ActivationRecord
	err := c.send(ctx, http.MethodPost, "/api/v1/activations", a, &rec)
	return rec, err
}

// Stats returns activation counts recorded after since. A zero since counts
// everything.
func (c *Client) Stats(ctx context.Context, since time.Time) (Stats, error) {
	endpoint := "/api/v1/stats"
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var stats Stats
	err := c.send(ctx, http.MethodGet, endpoint, nil, &stats)
	return stats, err
}

// Plugins lists registered plugins.
func (c *Client) Plugins(ctx context.Context) ([]Plugin, error) {
	var list []Plugin
	err := c.send(ctx, http.MethodGet, "/api/v1/plugins", nil, &list)
	return list, err
}

// Plugin fetches a single plugin.
func (c *Client) Plugin(ctx context.Context, id string) (Plugin, error) {
	var p Plugin
	err := c.send(ctx, http.MethodGet, "/api/v1/plugins/"+url.PathEscape(id), nil, &p)
	return p, err
}

// LoadPlugin loads a plugin and returns its new state.
func (c *Client) LoadPlugin(ctx context.Context, id string) (Plugin, error) {
	var p Plugin
	err := c.send(ctx, http.MethodPost, "/api/v1/plugins/"+url.PathEscape(id)+"/load", nil, &p)
	return p, err
}

// UnloadPlugin unloads a plugin and returns its new state.
func (c *Client) UnloadPlugin(ctx context.Context, id string) (Plugin, error) {
	var p Plugin
	err := c.send(ctx, http.MethodPost, "/api/v1/plugins/"+url.PathEscape(id)+"/unload", nil, &p)
	return p, err
}

// SetPluginEnabled persists the enabled preference of a plugin.
func (c *Client) SetPluginEnabled(ctx context.Context, id string, enabled bool) (Plugin, error) {
	var p Plugin
	err := c.send(ctx, http.MethodPut, "/api/v1/plugins/"+url.PathEscape(id)+"/enabled", map[string]bool{"enabled": enabled}, &p)
	return p, err
}

// Handlers lists registered query handlers.
func (c *Client) Handlers(ctx context.Context) ([]Handler, error) {
	var list []Handler
	err := c.send(ctx, http.MethodGet, "/api/v1/handlers", nil, &list)
	return list, err
}

// UpdateHandler changes handler preferences.
func (c *Client) UpdateHandler(ctx context.Context, id string, u HandlerUpdate) (Handler, error) {
	var h Handler
	err := c.send(ctx, http.MethodPut, "/api/v1/handlers/"+url.PathEscape(id), u, &h)
	return h, err
}

// Preferences returns the global preferences.
func (c *Client) Preferences(ctx context.Context) (Preferences, error) {
	var p Preferences
	err := c.send(ctx, http.MethodGet, "/api/v1/preferences", nil, &p)
	return p, err
}

// SetPreferences replaces the global preferences.
func (c *Client) SetPreferences(ctx context.Context, p Preferences) (Preferences, error) {
	var out Preferences
	err := c.send(ctx, http.MethodPut, "/api/v1/preferences", p, &out)
	return out, err
}

// StreamEvents calls fn for every server event until ctx is cancelled, the
// stream ends or fn returns an error. kinds filters by event kind.
func (c *Client) StreamEvents(ctx context.Context, fn func(Event) error, kinds ...string) error {
	endpoint := "/api/v1/events"
	if len(kinds) > 0 {
		endpoint += "?kind=" + url.QueryEscape(strings.Join(kinds, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	stream := *c.httpClient
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[len("data: "):]...)
		case line == "" && len(data) > 0:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data = data[:0]
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
