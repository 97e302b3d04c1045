package tokenstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiresAt decodes the exp claim of a JWT access token without verifying
// its signature.
func ExpiresAt(accessToken string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// NeedsRefresh reports whether accessToken is expired or expires within the
// lookahead window. Tokens whose expiry cannot be decoded always need one.
func (s *Store) NeedsRefresh(accessToken string) bool {
	exp, ok := ExpiresAt(accessToken)
	if !ok {
		return true
	}
	return exp.Sub(s.now()) < s.lookahead
}

// Lookahead returns the configured refresh margin.
func (s *Store) Lookahead() time.Duration {
	return s.lookahead
}
