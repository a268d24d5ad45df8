package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenService owns the token fields of a session record: it computes and
// checks the access token deadline, refreshes through the provider when the
// remaining lifetime drops below the configured threshold, and guarantees
// the record is never left half-updated.
type TokenService struct {
	store     *InMemoryStore
	provider  *Provider
	logger    *slog.Logger
	threshold time.Duration

	// refreshes collapses concurrent refreshes for the same session into a
	// single provider call. Redeeming the same refresh token twice risks an
	// invalid_grant for the loser.
	refreshes singleflight.Group
}

// NewTokenService constructs the service from configuration.
func NewTokenService(cfg Config, store *InMemoryStore, provider *Provider, logger *slog.Logger) *TokenService {
	return &TokenService{
		store:     store,
		provider:  provider,
		logger:    logger,
		threshold: cfg.Sessions.RefreshThresholdDuration(),
	}
}

// Save writes fresh credentials into the session, deriving the absolute
// deadline from the provider-reported lifetime, and persists the record.
// Returns the updated session.
func (ts *TokenService) Save(sess Session, creds Credentials) Session {
	sess.AccessToken = creds.AccessToken
	sess.RefreshToken = creds.RefreshToken
	sess.TokenExpiresAt = time.Now().Add(time.Duration(creds.ExpiresIn) * time.Second)
	ts.store.SaveSession(sess)
	return sess
}

// ValidAccessToken returns a usable access token for the session along with
// its remaining lifetime in seconds, refreshing first when the token is near
// expiry. The refresh result, success or failure, is persisted before this
// returns. Fails with ErrUnauthenticated when the session holds no token or
// the refresh token has been exhausted.
func (ts *TokenService) ValidAccessToken(ctx context.Context, sessionID string) (AccessTokenResult, error) {
	sess, ok := ts.store.GetSession(sessionID)
	if !ok || !sess.Authenticated() {
		return AccessTokenResult{}, ErrUnauthenticated
	}

	if remaining := time.Until(sess.TokenExpiresAt); remaining >= ts.threshold {
		return AccessTokenResult{
			AccessToken: sess.AccessToken,
			ExpiresIn:   int64(remaining / time.Second),
		}, nil
	}

	v, err, _ := ts.refreshes.Do(sessionID, func() (any, error) {
		return ts.refresh(ctx, sessionID)
	})
	if err != nil {
		return AccessTokenResult{}, err
	}
	return v.(AccessTokenResult), nil
}

func (ts *TokenService) refresh(ctx context.Context, sessionID string) (AccessTokenResult, error) {
	// Re-read inside the flight: a caller that lost the race to an earlier
	// refresh sees the already-advanced deadline and skips the provider.
	sess, ok := ts.store.GetSession(sessionID)
	if !ok || !sess.Authenticated() {
		return AccessTokenResult{}, ErrUnauthenticated
	}
	if remaining := time.Until(sess.TokenExpiresAt); remaining >= ts.threshold {
		return AccessTokenResult{
			AccessToken: sess.AccessToken,
			ExpiresIn:   int64(remaining / time.Second),
		}, nil
	}

	if sess.RefreshToken == "" {
		ts.clearTokens(sess)
		return AccessTokenResult{}, ErrUnauthenticated
	}

	creds, err := ts.provider.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		// The refresh token is spent. Clear both token fields together so
		// the record never pairs a stale token with a live deadline, and
		// force re-authentication on the next call.
		ts.clearTokens(sess)
		var exchangeErr *TokenExchangeError
		if errors.As(err, &exchangeErr) {
			ts.logger.Warn("token refresh failed",
				"session_id", sess.ID,
				"status", exchangeErr.Status,
			)
		}
		return AccessTokenResult{}, err
	}

	sess = ts.Save(sess, creds)
	ts.logger.Debug("access token refreshed",
		"session_id", sess.ID,
		"expires_at", sess.TokenExpiresAt,
	)

	return AccessTokenResult{
		AccessToken: sess.AccessToken,
		ExpiresIn:   int64(time.Until(sess.TokenExpiresAt) / time.Second),
	}, nil
}

func (ts *TokenService) clearTokens(sess Session) {
	sess.AccessToken = ""
	sess.RefreshToken = ""
	sess.TokenExpiresAt = time.Time{}
	ts.store.SaveSession(sess)
}
