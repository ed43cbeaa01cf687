// Package metabase talks to the BI server's REST API. The Client handles
// the session handshake, request pacing and error detection; Catalog
// adapts it to the resolver's collaborator interface.
package metabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/foundry-zero/mbsync/internal/logging"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// SessionHeader carries the session token on every authenticated request.
const SessionHeader = "X-Metabase-Session"

const sessionPath = "session"

// APIError is a request the server answered with an error, or with a body
// the client cannot use.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Client is a session-holding API client for one server. It is safe for
// concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	dryRun   bool
	logger   *slog.Logger

	mu      sync.Mutex
	session string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithRateLimit paces requests to perSecond. Zero means unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDryRun makes every write except the login return an empty object
// without reaching the server.
func WithDryRun(dryRun bool) Option {
	return func(c *Client) { c.dryRun = dryRun }
}

// WithLogger sets the logger requests are traced to at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.OrDiscard(l) }
}

// New returns a client for the API rooted at baseURL, for example
// "https://bi.example.com/api/". A missing "api/" suffix is added.
func New(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  normalizeBaseURL(baseURL),
		username: username,
		password: password,
		http:     &http.Client{Timeout: time.Minute},
		limiter:  rate.NewLimiter(rate.Inf, 0),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizeBaseURL(u string) string {
	u = strings.TrimRight(u, "/")
	if !strings.HasSuffix(u, "/api") {
		u += "/api"
	}
	return u + "/"
}

// Login opens a session. Other calls log in on demand.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	body := tree.FromMap(tree.MapOf(
		tree.Member{Key: "username", Value: tree.String(c.username)},
		tree.Member{Key: "password", Value: tree.String(c.password)},
	))
	resp, err := c.send(ctx, http.MethodPost, sessionPath, body, "")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	id, ok := Field(resp, "id").AsString()
	if !ok || id == "" {
		return &APIError{Method: http.MethodPost, Path: sessionPath, Message: "no session id in response: " + resp.String()}
	}
	c.session = id
	return nil
}

// DryRun reports whether writes are suppressed.
func (c *Client) DryRun() bool { return c.dryRun }

// Logout closes the session, if one is open.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = ""
	c.mu.Unlock()
	if session == "" || c.dryRun {
		return nil
	}
	_, err := c.send(ctx, http.MethodDelete, sessionPath, tree.Null(), session)
	return err
}

func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.session, nil
}

// Get issues a GET request for path, relative to the API root.
func (c *Client) Get(ctx context.Context, path string) (tree.Value, error) {
	return c.Do(ctx, http.MethodGet, path, tree.Null())
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body tree.Value) (tree.Value, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body tree.Value) (tree.Value, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (tree.Value, error) {
	return c.Do(ctx, http.MethodDelete, path, tree.Null())
}

// Do sends an authenticated request. A null body sends no body. In dry-run
// mode writes return an empty object.
func (c *Client) Do(ctx context.Context, method, path string, body tree.Value) (tree.Value, error) {
	if c.dryRun && method != http.MethodGet {
		c.logger.Info("dry run, request not sent", "method", method, "path", path)
		return tree.FromMap(nil), nil
	}
	session, err := c.ensureSession(ctx)
	if err != nil {
		return tree.Value{}, err
	}
	return c.send(ctx, method, path, body, session)
}

func (c *Client) send(ctx context.Context, method, path string, body tree.Value, session string) (tree.Value, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return tree.Value{}, err
	}

	var reader io.Reader
	if !body.IsNull() {
		data, err := tree.Marshal(body, tree.Compact)
		if err != nil {
			return tree.Value{}, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return tree.Value{}, err
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return tree.Value{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tree.Value{}, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode,
		"bytes", len(data), "duration", time.Since(start))

	return decodeResponse(method, path, resp.StatusCode, data)
}

// decodeResponse applies the server's error conventions: an object with
// "errors", "via" or "_status": 500 is an error even with a 2xx status, and
// a bare string mentioning an endpoint means the route does not exist.
func decodeResponse(method, path string, status int, data []byte) (tree.Value, error) {
	text := strings.TrimSpace(string(data))
	apiErr := func(msg string) error {
		return &APIError{Method: method, Path: path, Status: status, Message: msg}
	}
	if text == "" {
		if status >= http.StatusBadRequest {
			return tree.Value{}, apiErr(http.StatusText(status))
		}
		return tree.FromMap(nil), nil
	}

	v, err := tree.Parse(data)
	if err != nil {
		return tree.Value{}, apiErr(text)
	}
	if _, isObject := v.AsMap(); isObject {
		code, _ := Field(v, "_status").AsInt()
		if Field(v, "errors").Truthy() || Field(v, "via").Truthy() || code == http.StatusInternalServerError {
			return tree.Value{}, apiErr(errorMessage(v))
		}
	} else if strings.Contains(text, "endpoint") {
		return tree.Value{}, apiErr(text)
	}
	if status >= http.StatusBadRequest {
		if s, ok := v.AsString(); ok {
			return tree.Value{}, apiErr(s)
		}
		return tree.Value{}, apiErr(errorMessage(v))
	}
	return v, nil
}

func errorMessage(v tree.Value) string {
	if msg, ok := Field(v, "message").AsString(); ok && msg != "" {
		return msg
	}
	if errs := Field(v, "errors"); errs.Truthy() {
		return errs.String()
	}
	return v.String()
}

// Field returns v[key] when v is an object, and null otherwise.
func Field(v tree.Value, key string) tree.Value {
	m, ok := v.AsMap()
	if !ok {
		return tree.Null()
	}
	out, _ := m.Get(key)
	return out
}

// Items returns the elements of a list response. Responses wrapped as
// {"data": [...]} are unwrapped.
func Items(v tree.Value) []tree.Value {
	if items, ok := v.AsList(); ok {
		return items
	}
	items, _ := Field(v, "data").AsList()
	return items
}
