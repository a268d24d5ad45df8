package server

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated signals that no usable session or token exists and the
// browser must restart the authorization flow.
var ErrUnauthenticated = errors.New("unauthenticated")

// TokenExchangeError reports a failed code exchange or refresh against the
// identity provider. Status is the provider's HTTP status, or zero when the
// request never produced a response (transport fault, timeout). Body is kept
// for diagnostics only and must never reach the browser.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("token exchange failed: %s", e.Body)
	}
	return fmt.Sprintf("token exchange failed: provider returned %d", e.Status)
}

// Transport reports whether the failure happened before the provider
// answered, as opposed to the provider rejecting the grant.
func (e *TokenExchangeError) Transport() bool {
	return e.Status == 0 || e.Status >= 500
}
