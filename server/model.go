package server

import "time"

// Session captures a logged-in browser session bound to a cookie. Token
// fields hold the most recent credentials issued by the identity provider;
// the browser only ever sees the session ID.
type Session struct {
	ID        string
	ExpiresAt time.Time

	AccessToken  string
	RefreshToken string
	// TokenExpiresAt is the absolute wall-clock deadline of AccessToken,
	// derived once from the provider's expires_in at issue/refresh time.
	TokenExpiresAt time.Time
}

// Authenticated reports whether the session currently holds provider tokens.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

// Credentials is a token response from the identity provider.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// AccessTokenResult is the answer handed to the browser client: the current
// bearer token and how many seconds of validity remain.
type AccessTokenResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}
