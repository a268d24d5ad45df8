package server

import (
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "tandem_session"

// SessionManager handles cookie-backed sessions. The cookie carries only the
// opaque session ID; all token material stays server side.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	secure := !cfg.Server.DevMode

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTLDuration(),
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return Session{}, false
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return Session{}, false
	}
	if time.Now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return Session{}, false
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	sm.store.TouchSession(sess.ID, sess.ExpiresAt)
	return sess, true
}

// Create establishes a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter) Session {
	id := sm.store.NewID()
	sess := Session{
		ID:        id,
		ExpiresAt: time.Now().Add(sm.ttl),
	}

	sm.store.SaveSession(sess)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	return sess
}

// Destroy removes the session record and clears the cookie for logout.
func (sm *SessionManager) Destroy(w http.ResponseWriter, id string) {
	if id != "" {
		sm.store.DeleteSession(id)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
