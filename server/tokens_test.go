package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeIdP stands in for the identity provider's token and userinfo
// endpoints, recording what the service sends it.
type fakeIdP struct {
	srv *httptest.Server

	mu               sync.Mutex
	tokenCalls       int
	userInfoCalls    int
	lastGrantType    string
	lastCode         string
	lastRedirectURI  string
	lastRefreshToken string
	lastClientID     string
	lastClientSecret string
	lastBearer       string

	accessToken  string
	refreshToken string
	expiresIn    int64
	tokenStatus  int    // non-zero forces an error response
	tokenErrBody string // body for the error response
	tokenDelay   time.Duration
	profile      string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	idp := &fakeIdP{
		accessToken:  "A1",
		refreshToken: "R1",
		expiresIn:    3600,
		profile:      `{"sub":"user-123","name":"Test User"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", idp.handleToken)
	mux.HandleFunc("/userinfo", idp.handleUserInfo)
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)

	return idp
}

func (f *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.tokenCalls++
	f.lastGrantType = r.FormValue("grant_type")
	f.lastCode = r.FormValue("code")
	f.lastRedirectURI = r.FormValue("redirect_uri")
	f.lastRefreshToken = r.FormValue("refresh_token")
	f.lastClientID, f.lastClientSecret, _ = r.BasicAuth()
	status := f.tokenStatus
	errBody := f.tokenErrBody
	delay := f.tokenDelay
	resp := map[string]any{
		"access_token":  f.accessToken,
		"refresh_token": f.refreshToken,
		"expires_in":    f.expiresIn,
		"token_type":    "Bearer",
	}
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(errBody))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.userInfoCalls++
	f.lastBearer = r.Header.Get("Authorization")
	bearer := f.lastBearer
	profile := f.profile
	f.mu.Unlock()

	token := strings.TrimPrefix(bearer, "Bearer ")
	if token == "" || token == bearer {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(profile))
}

func (f *fakeIdP) setTokens(access, refresh string, expiresIn int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessToken = access
	f.refreshToken = refresh
	f.expiresIn = expiresIn
}

func (f *fakeIdP) failTokens(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
	f.tokenErrBody = body
}

func (f *fakeIdP) counts() (token, userInfo int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.userInfoCalls
}

// lastRequest returns what the most recent token request carried.
func (f *fakeIdP) lastRequest() (grantType, code, redirectURI, refreshToken, clientID, clientSecret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastGrantType, f.lastCode, f.lastRedirectURI, f.lastRefreshToken, f.lastClientID, f.lastClientSecret
}

func (f *fakeIdP) lastBearerToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBearer
}

func newTestConfig(idp *fakeIdP) Config {
	cfg := DefaultConfig()
	cfg.Provider.ClientID = "test-client"
	cfg.Provider.ClientSecret = "test-secret"
	cfg.Provider.CallbackURL = "http://localhost:5000/api/auth/callback"
	cfg.Provider.AuthorizeURL = idp.srv.URL + "/authorize"
	cfg.Provider.TokenURL = idp.srv.URL + "/token"
	cfg.Provider.UserInfoURL = idp.srv.URL + "/userinfo"
	return cfg
}

func newTestTokenService(t *testing.T, idp *fakeIdP) (*TokenService, *InMemoryStore) {
	t.Helper()

	cfg := newTestConfig(idp)
	store := NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := NewProvider(cfg.Provider, logger)
	return NewTokenService(cfg, store, provider, logger), store
}

func TestSaveComputesDeadline(t *testing.T) {
	idp := newFakeIdP(t)
	ts, store := newTestTokenService(t, idp)

	store.SaveSession(Session{ID: "s1", ExpiresAt: time.Now().Add(time.Hour)})

	before := time.Now()
	sess, _ := store.GetSession("s1")
	sess = ts.Save(sess, Credentials{AccessToken: "A1", RefreshToken: "R1", ExpiresIn: 3600})
	after := time.Now()

	want := before.Add(3600 * time.Second)
	if sess.TokenExpiresAt.Before(want) || sess.TokenExpiresAt.After(after.Add(3600*time.Second)) {
		t.Fatalf("deadline %v not within expected window around %v", sess.TokenExpiresAt, want)
	}
	if !sess.TokenExpiresAt.After(time.Now()) {
		t.Fatalf("deadline must be in the future immediately after save")
	}

	persisted, ok := store.GetSession("s1")
	if !ok || persisted.AccessToken != "A1" || persisted.RefreshToken != "R1" {
		t.Fatalf("session not persisted with credentials: %+v", persisted)
	}
}

func TestValidAccessTokenFreshTokenSkipsProvider(t *testing.T) {
	idp := newFakeIdP(t)
	ts, store := newTestTokenService(t, idp)

	store.SaveSession(Session{
		ID:             "s1",
		ExpiresAt:      time.Now().Add(time.Hour),
		AccessToken:    "A1",
		RefreshToken:   "R1",
		TokenExpiresAt: time.Now().Add(time.Hour),
	})

	result, err := ts.ValidAccessToken(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ValidAccessToken returned error: %v", err)
	}
	if result.AccessToken != "A1" {
		t.Fatalf("unexpected token %q", result.AccessToken)
	}
	if result.ExpiresIn < 3590 || result.ExpiresIn > 3600 {
		t.Fatalf("unexpected expires_in %d", result.ExpiresIn)
	}

	if tokenCalls, _ := idp.counts(); tokenCalls != 0 {
		t.Fatalf("expected no provider call, got %d", tokenCalls)
	}
}

func TestValidAccessTokenRefreshesNearExpiry(t *testing.T) {
	idp := newFakeIdP(t)
	idp.setTokens("A2", "R2", 3600)
	ts, store := newTestTokenService(t, idp)

	oldDeadline := time.Now().Add(5 * time.Second)
	store.SaveSession(Session{
		ID:             "s1",
		ExpiresAt:      time.Now().Add(time.Hour),
		AccessToken:    "A1",
		RefreshToken:   "R1",
		TokenExpiresAt: oldDeadline,
	})

	result, err := ts.ValidAccessToken(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ValidAccessToken returned error: %v", err)
	}
	if result.AccessToken != "A2" {
		t.Fatalf("expected refreshed token A2, got %q", result.AccessToken)
	}
	if result.ExpiresIn < 3590 || result.ExpiresIn > 3600 {
		t.Fatalf("unexpected expires_in %d", result.ExpiresIn)
	}

	if tokenCalls, _ := idp.counts(); tokenCalls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", tokenCalls)
	}
	grantType, _, _, refreshToken, clientID, clientSecret := idp.lastRequest()
	if grantType != "refresh_token" {
		t.Fatalf("unexpected grant type %q", grantType)
	}
	if refreshToken != "R1" {
		t.Fatalf("expected stored refresh token to be sent, got %q", refreshToken)
	}
	if clientID != "test-client" || clientSecret != "test-secret" {
		t.Fatalf("expected basic auth credentials, got %q/%q", clientID, clientSecret)
	}

	sess, _ := store.GetSession("s1")
	if sess.AccessToken != "A2" || sess.RefreshToken != "R2" {
		t.Fatalf("session not updated: %+v", sess)
	}
	if !sess.TokenExpiresAt.After(oldDeadline) {
		t.Fatalf("new deadline %v must exceed old %v", sess.TokenExpiresAt, oldDeadline)
	}
}

func TestRefreshFailureClearsSession(t *testing.T) {
	idp := newFakeIdP(t)
	idp.failTokens(http.StatusBadRequest, `{"error":"invalid_grant"}`)
	ts, store := newTestTokenService(t, idp)

	store.SaveSession(Session{
		ID:             "s1",
		ExpiresAt:      time.Now().Add(time.Hour),
		AccessToken:    "A1",
		RefreshToken:   "R1",
		TokenExpiresAt: time.Now().Add(5 * time.Second),
	})

	_, err := ts.ValidAccessToken(context.Background(), "s1")
	var exchangeErr *TokenExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("expected TokenExchangeError, got %v", err)
	}
	if exchangeErr.Status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", exchangeErr.Status)
	}

	sess, ok := store.GetSession("s1")
	if !ok {
		t.Fatalf("session record should survive with cleared tokens")
	}
	if sess.AccessToken != "" || sess.RefreshToken != "" {
		t.Fatalf("token fields must be cleared together: %+v", sess)
	}

	if _, err := ts.ValidAccessToken(context.Background(), "s1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after failed refresh, got %v", err)
	}
}

func TestValidAccessTokenUnauthenticated(t *testing.T) {
	idp := newFakeIdP(t)
	ts, store := newTestTokenService(t, idp)

	if _, err := ts.ValidAccessToken(context.Background(), "missing"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for absent session, got %v", err)
	}

	store.SaveSession(Session{ID: "s1", ExpiresAt: time.Now().Add(time.Hour)})
	if _, err := ts.ValidAccessToken(context.Background(), "s1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for tokenless session, got %v", err)
	}

	if tokenCalls, _ := idp.counts(); tokenCalls != 0 {
		t.Fatalf("expected no provider call, got %d", tokenCalls)
	}
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	idp := newFakeIdP(t)
	idp.setTokens("A2", "R2", 3600)
	idp.tokenDelay = 20 * time.Millisecond
	ts, store := newTestTokenService(t, idp)

	store.SaveSession(Session{
		ID:             "s1",
		ExpiresAt:      time.Now().Add(time.Hour),
		AccessToken:    "A1",
		RefreshToken:   "R1",
		TokenExpiresAt: time.Now().Add(time.Second),
	})

	const workers = 8
	var wg sync.WaitGroup
	results := make([]AccessTokenResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ts.ValidAccessToken(context.Background(), "s1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "A2" {
			t.Fatalf("worker %d got token %q", i, results[i].AccessToken)
		}
	}

	if tokenCalls, _ := idp.counts(); tokenCalls != 1 {
		t.Fatalf("expected a single collapsed refresh, got %d calls", tokenCalls)
	}
}
