package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken marks tokens whose expiry cannot be read.
var ErrMalformedToken = errors.New("session: malformed token")

// Expiry reads the exp claim without verifying the signature. The result
// is a scheduling hint only; the API remains the authority on validity.
func Expiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrMalformedToken)
	}
	return exp.Time, nil
}
