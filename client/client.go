// Package client provides a small typed client for the tandemd API surface,
// maintaining the session cookie across calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// ErrUnauthenticated indicates the server holds no valid session; the caller
// must send the user through the authorization flow again.
var ErrUnauthenticated = errors.New("unauthenticated")

// Config controls client construction.
type Config struct {
	// BaseURL is the tandemd server base URL, e.g. "http://localhost:5000".
	BaseURL string

	// HTTPClient overrides the default client. It must carry a cookie jar
	// for the session cookie to survive between calls.
	HTTPClient *http.Client
}

// Client calls the tandemd HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Token is the access token answer from POST /api/auth/token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// New constructs a client. A cookie-jar-backed HTTP client is created when
// none is supplied.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		httpClient = &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    httpClient,
	}, nil
}

// AuthURL fetches the provider authorization URL to open in a browser.
func (c *Client) AuthURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/url", &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// AccessToken returns the session's current access token, refreshed by the
// server when near expiry.
func (c *Client) AccessToken(ctx context.Context) (Token, error) {
	var out Token
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", &out); err != nil {
		return Token{}, err
	}
	return out, nil
}

// UserProfile returns the raw provider profile document.
func (c *Client) UserProfile(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/userprofile", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logout destroys the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s: server returned %d", path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
