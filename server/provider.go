package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Provider performs the OAuth2 exchanges against the identity provider. The
// provider is consumed as a pair of opaque HTTPS endpoints: a token endpoint
// speaking grant_type=authorization_code / refresh_token with HTTP Basic
// client auth, and a userinfo endpoint accepting a bearer token.
type Provider struct {
	oauthConfig *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewProvider builds the provider from validated configuration.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) *Provider {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		Scopes:       append([]string(nil), cfg.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizeURL,
			TokenURL: cfg.TokenURL,
			// The provider contract is client_secret_basic; never fall back
			// to credentials in the form body.
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	return &Provider{
		oauthConfig: oauthCfg,
		userInfoURL: cfg.UserInfoURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// AuthCodeURL constructs the authorization request URL the browser is sent
// to. Pure string construction, no I/O; query parameters are encoded in
// sorted order so identical inputs produce identical URLs.
func (p *Provider) AuthCodeURL() string {
	return p.oauthConfig.AuthCodeURL("")
}

// Exchange redeems a one-time authorization code for credentials. Single
// attempt: an invalid, expired, or already-used code is not a transient
// condition.
func (p *Provider) Exchange(ctx context.Context, code string) (Credentials, error) {
	tok, err := p.oauthConfig.Exchange(p.withHTTPClient(ctx), code)
	if err != nil {
		return Credentials{}, asExchangeError(err)
	}
	return credentialsFromToken(tok), nil
}

// Refresh redeems a refresh token for fresh credentials. A failure here
// means the refresh token is no longer usable; callers must treat the
// session as unauthenticated rather than retry.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	src := p.oauthConfig.TokenSource(p.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Credentials{}, asExchangeError(err)
	}
	creds := credentialsFromToken(tok)
	if creds.RefreshToken == "" {
		// Provider did not rotate the refresh token; keep using the old one.
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

// UserInfo fetches the provider profile for the given bearer token and
// returns the raw JSON document.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call userinfo endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		p.logger.Debug("userinfo rejected bearer token", "status", resp.StatusCode)
		return nil, ErrUnauthenticated
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("userinfo: provider returned %d", resp.StatusCode)
	}

	return json.RawMessage(body), nil
}

func (p *Provider) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func credentialsFromToken(tok *oauth2.Token) Credentials {
	creds := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		creds.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return creds
}

// asExchangeError normalizes oauth2 failures into TokenExchangeError. A
// provider rejection keeps its HTTP status and body for diagnostics; a
// transport fault or timeout carries status zero.
func asExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &TokenExchangeError{Status: status, Body: string(retrieveErr.Body)}
	}
	return &TokenExchangeError{Body: err.Error()}
}
