package shared

import "errors"

var (
	// ErrNoBrowserSession is returned when a request carries no browser session.
	ErrNoBrowserSession = errors.New("shared: no browser session")
	// ErrCSRFMissing is returned when a request or session has no token.
	ErrCSRFMissing = errors.New("shared: csrf token missing")
	// ErrCSRFMismatch is returned when the presented token is not the session's.
	ErrCSRFMismatch = errors.New("shared: csrf token mismatch")
)
