// Package httpapi implements the REST surface of §6: config, workspaces,
// workspace-prompts, sessions, queue, and login, generalized from the
// teacher's internal/client.Client (same baseURL+apiPrefix+*http.Client
// shape, same apiURL helper, same status-code-then-decode error
// convention) with CSRF header injection and a cookie jar added for the
// authenticated, browser-facing surface this client talks to.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/relaywire/sessioncore/internal/globalsocket"
	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/state"
	"github.com/relaywire/sessioncore/internal/wsconn"
)

// csrfTokenHeader and csrfCookieName match the server-side convention this
// client must speak to pass the mutating-verb CSRF check (§6).
const (
	csrfTokenHeader = "X-CSRF-Token"
	csrfCookieName  = "mitto_csrf"
)

// ErrUnauthorized is returned for any request answered with 401, so
// callers (the reconnect/auth-probe paths) can distinguish it from a
// transient network error without string-matching.
var ErrUnauthorized = fmt.Errorf("httpapi: unauthorized")

// Client is the REST client consumed by internal/controller and by
// internal/globalsocket (as a Lister).
type Client struct {
	baseURL    string
	apiPrefix  string
	httpClient *http.Client

	promptsCacheMu sync.Mutex
	promptsCache   map[string]cachedPrompts
}

type cachedPrompts struct {
	lastModified string
	body         []byte
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the client's *http.Client. If set, the caller
// is responsible for attaching a cookie jar.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the HTTP client's per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

// WithAPIPrefix sets the mounting prefix for a reverse-proxied deployment
// (§6 "the core reads an injected API prefix"). Default is "".
func WithAPIPrefix(prefix string) Option {
	return func(cl *Client) { cl.apiPrefix = prefix }
}

// New creates a Client against baseURL (e.g. "https://example.com"),
// carrying a cookie jar for the session cookie across requests.
func New(baseURL string, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		promptsCache: make(map[string]cachedPrompts),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// WebSocketURL derives the ws(s):// URL for path from the client's base
// URL and prefix (§6 "derives WebSocket URL from the origin").
func (c *Client) WebSocketURL(path string) string {
	u := c.apiURL(path)
	switch {
	case len(u) >= 5 && u[:5] == "https":
		return "wss" + u[5:]
	case len(u) >= 4 && u[:4] == "http":
		return "ws" + u[4:]
	default:
		return u
	}
}

func (c *Client) apiURL(path string) string {
	return c.baseURL + c.apiPrefix + path
}

// csrfToken reads the CSRF cookie the server set on a prior response.
func (c *Client) csrfToken() string {
	u, err := url.Parse(c.baseURL)
	if err != nil || c.httpClient.Jar == nil {
		return ""
	}
	for _, ck := range c.httpClient.Jar.Cookies(u) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && method != http.MethodHead {
		if tok := c.csrfToken(); tok != "" {
			req.Header.Set(csrfTokenHeader, tok)
		}
	}
	return req, nil
}

// do executes req and decodes the JSON response body into out (if non-nil
// and the status is in wantStatuses). Any other status is reported as an
// error, with ErrUnauthorized wrapped in on a 401.
func (c *Client) do(req *http.Request, out any, wantStatuses ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	for _, want := range wantStatuses {
		if resp.StatusCode == want {
			if out == nil || resp.StatusCode == http.StatusNoContent {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%s %s: decode: %w", req.Method, req.URL.Path, err)
			}
			return nil
		}
	}

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w: %s", req.Method, req.URL.Path, ErrUnauthorized, string(body))
	}
	return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
}

// Config mirrors GET /api/config's response shape (§6).
type Config struct {
	ACPServers []ACPServerConfig `json:"acp_servers"`
	Prompts    []string          `json:"prompts,omitempty"`
	UI         struct {
		Mac struct {
			Notifications struct {
				Sounds struct {
					AgentCompleted string `json:"agent_completed"`
				} `json:"sounds"`
			} `json:"notifications"`
		} `json:"mac"`
		Confirmations struct {
			DeleteSession bool `json:"delete_session"`
		} `json:"confirmations"`
	} `json:"ui"`
	Web struct {
		Theme string `json:"theme"`
	} `json:"web"`
	ConfigReadonly bool     `json:"config_readonly"`
	RCFilePath     string   `json:"rc_file_path"`
	Workspaces     []string `json:"workspaces,omitempty"`
}

// ACPServerConfig is one entry of Config.ACPServers.
type ACPServerConfig struct {
	Name    string   `json:"name"`
	Prompts []string `json:"prompts,omitempty"`
}

// GetConfig fetches GET /api/config.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/config", nil)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := c.do(req, &cfg, http.StatusOK); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Workspace is one entry returned by GET/POST /api/workspaces.
type Workspace struct {
	WorkingDir string `json:"working_dir"`
	ACPServer  string `json:"acp_server"`
}

// WorkspacesResponse is GET /api/workspaces's response shape.
type WorkspacesResponse struct {
	Workspaces []Workspace `json:"workspaces"`
	ACPServers []ACPServerConfig `json:"acp_servers"`
}

// ListWorkspaces fetches GET /api/workspaces.
func (c *Client) ListWorkspaces(ctx context.Context) (*WorkspacesResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/workspaces", nil)
	if err != nil {
		return nil, err
	}
	var out WorkspacesResponse
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateWorkspace issues POST /api/workspaces.
func (c *Client) CreateWorkspace(ctx context.Context, workingDir, acpServer string) (*Workspace, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/workspaces", map[string]string{
		"working_dir": workingDir,
		"acp_server":  acpServer,
	})
	if err != nil {
		return nil, err
	}
	var ws Workspace
	if err := c.do(req, &ws, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return &ws, nil
}

// WorkspaceDeleteError carries the structured body of a failed
// DELETE /api/workspaces (§6: "4xx {error, message, conversation_count?}").
type WorkspaceDeleteError struct {
	StatusCode       int    `json:"-"`
	ErrorCode        string `json:"error"`
	Message          string `json:"message"`
	ConversationCount int   `json:"conversation_count,omitempty"`
}

func (e *WorkspaceDeleteError) Error() string {
	return fmt.Sprintf("delete workspace: %s (status %d): %s", e.ErrorCode, e.StatusCode, e.Message)
}

// DeleteWorkspace issues DELETE /api/workspaces?dir=….
func (c *Client) DeleteWorkspace(ctx context.Context, dir string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/workspaces?dir="+url.QueryEscape(dir), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var derr WorkspaceDeleteError
	if jsonErr := json.NewDecoder(resp.Body).Decode(&derr); jsonErr == nil {
		derr.StatusCode = resp.StatusCode
		return &derr
	}
	return fmt.Errorf("delete workspace: status %d", resp.StatusCode)
}

// WorkspacePrompts is GET /api/workspace-prompts's response shape.
type WorkspacePrompts struct {
	Prompts []string `json:"prompts"`
}

// GetWorkspacePrompts fetches GET /api/workspace-prompts?dir=…, honoring a
// conditional-GET cache keyed by dir: a prior Last-Modified value is sent
// back as If-Modified-Since, and a 304 response returns the cached body
// instead of re-decoding an empty one (§6 SUPPLEMENT).
func (c *Client) GetWorkspacePrompts(ctx context.Context, dir string) (*WorkspacePrompts, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/workspace-prompts?dir="+url.QueryEscape(dir), nil)
	if err != nil {
		return nil, err
	}

	c.promptsCacheMu.Lock()
	cached, haveCached := c.promptsCache[dir]
	c.promptsCacheMu.Unlock()
	if haveCached && cached.lastModified != "" {
		req.Header.Set("If-Modified-Since", cached.lastModified)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get workspace prompts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if !haveCached {
			return nil, fmt.Errorf("get workspace prompts: 304 with no cached body")
		}
		var out WorkspacePrompts
		if err := json.Unmarshal(cached.body, &out); err != nil {
			return nil, fmt.Errorf("get workspace prompts: decode cached body: %w", err)
		}
		return &out, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get workspace prompts: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get workspace prompts: status %d: %s", resp.StatusCode, string(body))
	}

	var out WorkspacePrompts
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("get workspace prompts: decode: %w", err)
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		c.promptsCacheMu.Lock()
		c.promptsCache[dir] = cachedPrompts{lastModified: lm, body: body}
		c.promptsCacheMu.Unlock()
	}
	return &out, nil
}

// SessionSummary is one entry of GET /api/sessions.
type SessionSummary struct {
	SessionID  string `json:"session_id"`
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
	ACPServer  string `json:"acp_server"`
	Status     string `json:"status"`
	Pinned     bool   `json:"pinned,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Archived   bool      `json:"archived,omitempty"`
	ArchivedAt time.Time `json:"archived_at,omitempty"`
}

// SessionMeta is GET /api/sessions/{id}'s response shape.
type SessionMeta = SessionSummary

// ListSessions fetches GET /api/sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions", nil)
	if err != nil {
		return nil, err
	}
	var out []SessionSummary
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessionSummaries backs SessionLister's globalsocket.Lister
// implementation, converting the REST shape into the state.SessionInfo
// shape the store uses internally.
func (c *Client) ListSessionSummaries(ctx context.Context) ([]globalsocket.SessionSummary, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]globalsocket.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, globalsocket.SessionSummary{
			ID: s.SessionID,
			Info: state.SessionInfo{
				Name:       s.Name,
				ACPServer:  s.ACPServer,
				WorkingDir: s.WorkingDir,
				Status:     s.Status,
				CreatedAt:  s.CreatedAt,
				Archived:   s.Archived,
				ArchivedAt: s.ArchivedAt,
			},
		})
	}
	return out, nil
}

// GetSession fetches GET /api/sessions/{id}.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionMeta, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	var out SessionMeta
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatedSession is POST /api/sessions's response shape.
type CreatedSession struct {
	SessionID  string `json:"session_id"`
	Name       string `json:"name"`
	ACPServer  string `json:"acp_server"`
	WorkingDir string `json:"working_dir"`
}

// CreateSession issues POST /api/sessions.
func (c *Client) CreateSession(ctx context.Context, name, workingDir, acpServer string) (*CreatedSession, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/sessions", map[string]string{
		"name":        name,
		"working_dir": workingDir,
		"acp_server":  acpServer,
	})
	if err != nil {
		return nil, err
	}
	var out CreatedSession
	if err := c.do(req, &out, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenameSession issues PATCH /api/sessions/{id} with a name.
func (c *Client) RenameSession(ctx context.Context, sessionID, name string) error {
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(sessionID), map[string]string{
		"name": name,
	})
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusOK)
}

// PinSession issues PATCH /api/sessions/{id} with a pinned flag.
func (c *Client) PinSession(ctx context.Context, sessionID string, pinned bool) error {
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/sessions/"+url.PathEscape(sessionID), map[string]bool{
		"pinned": pinned,
	})
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusOK)
}

// DeleteSession issues DELETE /api/sessions/{id}.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusOK, http.StatusNoContent)
}

// QueueMessage is one entry of GET /api/sessions/{id}/queue.
type QueueMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
}

// QueueResponse is the shape shared by GET and the move endpoint.
type QueueResponse struct {
	Messages []QueueMessage `json:"messages"`
	Count    int            `json:"count"`
}

// GetQueue fetches GET /api/sessions/{id}/queue.
func (c *Client) GetQueue(ctx context.Context, sessionID string) (*QueueResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/queue", nil)
	if err != nil {
		return nil, err
	}
	var out QueueResponse
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// ErrQueueFull is returned by EnqueueMessage on a 409 queue_full response.
var ErrQueueFull = fmt.Errorf("httpapi: queue full")

// EnqueueMessage issues POST /api/sessions/{id}/queue.
func (c *Client) EnqueueMessage(ctx context.Context, sessionID, message string, imageIDs []string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/queue", map[string]any{
		"message":   message,
		"image_ids": imageIDs,
	})
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", ErrQueueFull
	}
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("enqueue message: status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("enqueue message: decode: %w", err)
	}
	return out.ID, nil
}

// DequeueMessage issues DELETE /api/sessions/{id}/queue/{msgId}.
func (c *Client) DequeueMessage(ctx context.Context, sessionID, msgID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/queue/" + url.PathEscape(msgID)
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, http.StatusOK, http.StatusNoContent)
}

// MoveDirection is the direction argument to MoveQueueMessage.
type MoveDirection string

// Queue move directions (§6).
const (
	MoveUp   MoveDirection = "up"
	MoveDown MoveDirection = "down"
)

// MoveQueueMessage issues POST /api/sessions/{id}/queue/{msgId}/move.
func (c *Client) MoveQueueMessage(ctx context.Context, sessionID, msgID string, direction MoveDirection) (*QueueResponse, error) {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/queue/" + url.PathEscape(msgID) + "/move"
	req, err := c.newRequest(ctx, http.MethodPost, path, map[string]string{"direction": string(direction)})
	if err != nil {
		return nil, err
	}
	var out QueueResponse
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login issues POST /api/login, populating the cookie jar with the
// session cookie and CSRF cookie on success.
func (c *Client) Login(ctx context.Context, username, password string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	err = c.do(req, nil, http.StatusOK)
	if err != nil {
		logging.HTTP().Warn("login failed", "error", err)
	}
	return err
}

// SessionLister adapts Client to globalsocket.Lister, whose ListSessions
// signature differs from Client's own (globalsocket.SessionSummary vs.
// httpapi.SessionSummary).
type SessionLister struct {
	Client *Client
}

// ListSessions implements globalsocket.Lister.
func (l SessionLister) ListSessions(ctx context.Context) ([]globalsocket.SessionSummary, error) {
	return l.Client.ListSessionSummaries(ctx)
}

// Authenticate probes whether the current session cookie is still valid,
// matching globalsocket.AuthProbe and sessionsocket.AuthProbe's signature
// so *Client can be used directly as either. A 401 is returned wrapped as
// wsconn.ErrUnauthorized (and still matches ErrUnauthorized), the sentinel
// both socket packages and the mobile-wake path check for; any other error
// is returned unchanged.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.ListSessions(ctx)
	if errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("%w: %w", wsconn.ErrUnauthorized, err)
	}
	return err
}
