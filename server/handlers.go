package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    *InMemoryStore
	Sessions *SessionManager
	Provider *Provider
	Tokens   *TokenService
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) *App {
	store := NewInMemoryStore()
	provider := NewProvider(cfg.Provider, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, logger),
		Provider: provider,
		Tokens:   NewTokenService(cfg, store, provider, logger),
	}
}

// handleAuthURL returns the provider authorization URL the browser should
// navigate to for login.
func (a *App) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"url": a.Provider.AuthCodeURL(),
	})
}

// handleAuthCallback receives the one-time code from the provider, exchanges
// it for tokens, establishes the session, and sends the browser back to the
// client origin. No session is created or mutated when the exchange fails.
func (a *App) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		a.Logger.Warn("callback missing code")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	creds, err := a.Provider.Exchange(r.Context(), code)
	if err != nil {
		var exchangeErr *TokenExchangeError
		status := http.StatusUnauthorized
		if errors.As(err, &exchangeErr) {
			a.Logger.Error("code exchange failed",
				"status", exchangeErr.Status,
				"body", exchangeErr.Body,
			)
			if exchangeErr.Transport() {
				status = http.StatusBadGateway
			}
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	sess := a.Sessions.Create(w)
	sess = a.Tokens.Save(sess, creds)
	a.Logger.Info("session established",
		"session_id", sess.ID,
		"token_expires_at", sess.TokenExpiresAt,
	)

	http.Redirect(w, r, a.Config.Server.ClientOriginURL, http.StatusFound)
}

// handleAuthToken hands the browser the current access token, refreshing it
// first when it is close to expiry. Any failure maps to a bare 401; provider
// error detail stays in the logs.
func (a *App) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Fetch(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	result, err := a.Tokens.ValidAccessToken(r.Context(), sess.ID)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	writeJSON(w, result)
}

// handleUserProfile proxies the provider's userinfo endpoint using the
// session's current bearer token.
func (a *App) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Sessions.Fetch(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	result, err := a.Tokens.ValidAccessToken(r.Context(), sess.ID)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	profile, err := a.Provider.UserInfo(r.Context(), result.AccessToken)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		a.Logger.Error("userinfo fetch failed", "error", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(profile)
}

// handleLogout destroys the session record and clears the cookie.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		a.Sessions.Destroy(w, cookie.Value)
	} else {
		a.Sessions.Destroy(w, "")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
