package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	loginPath      = "/user/login"
)

// APIError is a non-success envelope or HTTP failure returned by the server.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// envelope is the server's uniform response shape.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client calls the account API. Every request carries the normalized session
// token under the three header variants the backend accepts, a language
// header, and cache-defeating markers on GETs.
//
// On a 401 where the server does not report an active session the client
// fires OnUnauthorized exactly once with the login path carrying the current
// path as a redirect target. The stored token is left untouched: a transient
// backend failure must not discard a valid session. A 403 only surfaces a
// notification through OnForbidden; every other failure is returned to the
// caller unchanged.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	language string

	// CurrentPath reports the path to preserve across a login redirect.
	CurrentPath func() string

	// OnUnauthorized receives the login path (with redirect query) after a
	// 401 without an active session.
	OnUnauthorized func(loginURL string)

	// OnForbidden receives the server message after a 403.
	OnForbidden func(msg string)

	redirecting atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLanguage sets the Accept-Language header value.
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// New builds a client for baseURL using tokens for credentials.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: defaultTimeout},
		tokens:      tokens,
		language:    "en-US",
		CurrentPath: func() string { return "/" },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET and decodes the envelope data into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a JSON POST and decodes the envelope data into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Put issues a JSON PUT and decodes the envelope data into out.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if method == http.MethodGet {
		if query == nil {
			query = url.Values{}
		}
		query.Set("_t", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("Cache-Control", "no-cache")
	if token := NormalizeToken(c.tokens.Token()); token != "" {
		req.Header.Set("Authorization", token)
		req.Header.Set("X-Token", token)
		req.Header.Set("token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if decodeErr == nil && hasActiveSession(env.Data) {
			return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
		}
		c.fireUnauthorized()
		return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	case http.StatusForbidden:
		if c.OnForbidden != nil {
			c.OnForbidden(env.Msg)
		}
		return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}

	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.Code != 1 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}

	c.redirecting.Store(false)
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// fireUnauthorized invokes OnUnauthorized at most once until a request
// succeeds again, mirroring a single browser navigation to the login page.
func (c *Client) fireUnauthorized() {
	if c.OnUnauthorized == nil {
		return
	}
	if !c.redirecting.CompareAndSwap(false, true) {
		return
	}
	c.OnUnauthorized(loginPath + "?redirect=" + url.QueryEscape(c.CurrentPath()))
}

// hasActiveSession reports whether a 401 payload claims the session is still
// valid, which suppresses the login redirect.
func hasActiveSession(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	var body struct {
		ActiveSession bool `json:"active_session"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	return body.ActiveSession
}
