// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors handlers wrap before calling RespondError.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUpstream     = errors.New("upstream unavailable")
)

// RespondError maps errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, ErrUpstream):
		Problem(w, http.StatusBadGateway, "Upstream Unavailable", "the BugBridge API could not be reached")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
