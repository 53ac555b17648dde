// Package bugbridge is the HTTP client for the remote BugBridge API.
package bugbridge

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

	"golang.org/x/oauth2"

	"github.com/bugbridge/dashboard/internal/session"
)

const defaultTimeout = 15 * time.Second

var (
	// ErrUnauthorized reports a 401 from a non-login endpoint.
	ErrUnauthorized = errors.New("bugbridge: unauthorized")
	// ErrInvalidCredentials reports a rejected login.
	ErrInvalidCredentials = errors.New("bugbridge: invalid credentials")
	// ErrUnavailable reports transport failures and unexpected statuses.
	ErrUnavailable = errors.New("bugbridge: unavailable")
)

// Error carries the operation and HTTP status of a failed call.
type Error struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "bugbridge error"
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v (%d): %s", e.Op, e.Err, e.Status, e.Detail)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (%d)", e.Op, e.Err, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options overrides client dependencies.
type Options struct {
	HTTPClient *http.Client
}

// Client calls the BugBridge API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New builds a client for baseURL, e.g. "http://localhost:8000/api".
func New(baseURL string, opts Options) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("bugbridge: base url is empty")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bugbridge: parse base url: %w", err)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: parsed, httpClient: client}, nil
}

// BasePath is the URL path of the API root, always ending in "/".
func (c *Client) BasePath() string {
	return c.baseURL.Path
}

// WithTransport returns a copy of c whose requests go through rt.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	hc := *c.httpClient
	hc.Transport = rt
	return &Client{baseURL: c.baseURL, httpClient: &hc}
}

// LoginResult is the decoded POST /auth/login response.
type LoginResult struct {
	Token *oauth2.Token
	User  session.Identity
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	const op = "Login"
	resp, err := c.doJSON(ctx, http.MethodPost, "auth/login", "", loginRequest{Username: username, Password: password})
	if err != nil {
		return LoginResult{}, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return LoginResult{}, &Error{Op: op, Status: resp.StatusCode, Detail: readDetail(resp.Body), Err: ErrInvalidCredentials}
	}
	if resp.StatusCode != http.StatusOK {
		return LoginResult{}, statusError(op, resp)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LoginResult{}, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: decode: %v", ErrUnavailable, err)}
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return LoginResult{}, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: empty access token", ErrUnavailable)}
	}
	if err := body.User.Validate(); err != nil {
		return LoginResult{}, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	return LoginResult{Token: body.token(time.Now()), User: body.User}, nil
}

// Me fetches the identity that token belongs to.
func (c *Client) Me(ctx context.Context, token string) (session.Identity, error) {
	const op = "Me"
	resp, err := c.do(ctx, http.MethodGet, "auth/me", token, nil)
	if err != nil {
		return session.Identity{}, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return session.Identity{}, statusError(op, resp)
	}
	var user session.Identity
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return session.Identity{}, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: decode: %v", ErrUnavailable, err)}
	}
	if err := user.Validate(); err != nil {
		return session.Identity{}, &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	return user, nil
}

// Logout notifies the API that the current token is being discarded.
func (c *Client) Logout(ctx context.Context) error {
	const op = "Logout"
	resp, err := c.do(ctx, http.MethodPost, "auth/logout", "", nil)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return &Error{Op: op, Status: resp.StatusCode, Err: ErrUnavailable}
	}
	return nil
}

// FeedbackQuery filters GET /feedback.
type FeedbackQuery struct {
	Page     int
	PageSize int
	Search   string
}

// ListFeedback returns one page of ingested feedback posts.
func (c *Client) ListFeedback(ctx context.Context, q FeedbackQuery) (FeedbackPage, error) {
	const op = "ListFeedback"
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		params.Set("search", s)
	}
	path := "feedback"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page FeedbackPage
	if err := c.getJSON(ctx, op, path, &page); err != nil {
		return FeedbackPage{}, err
	}
	return page, nil
}

// GetConfig returns the platform configuration shown on the settings view.
func (c *Client) GetConfig(ctx context.Context) (PlatformConfig, error) {
	var cfg PlatformConfig
	if err := c.getJSON(ctx, "GetConfig", "config", &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, dest any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: decode: %v", ErrUnavailable, err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader) (*http.Response, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	full := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, full.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
	}
	return c.httpClient.Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any) (*http.Response, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, token, buf)
}

func statusError(op string, resp *http.Response) error {
	detail := readDetail(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return &Error{Op: op, Status: resp.StatusCode, Detail: detail, Err: ErrUnauthorized}
	}
	return &Error{Op: op, Status: resp.StatusCode, Detail: detail, Err: ErrUnavailable}
}

func readDetail(r io.Reader) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(body.Detail, &text); err == nil {
		return text
	}
	return string(body.Detail)
}
