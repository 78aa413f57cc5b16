package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ReauthErrorCode is the "error" value of the 403 payload the remote sends
// when the organizer's calendar credentials are no longer valid.
const ReauthErrorCode = "reauth_required"

// ErrAuthExpired signals that the session must go through re-authentication.
// It is never a plain failure: callers must not just roll back and report.
var ErrAuthExpired = errors.New("organizer credentials expired; re-authentication required")

// TransportError is a network failure or a non-2xx answer from the remote.
type TransportError struct {
	Op     string
	Status int // 0 for network errors
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %d %s: %v", e.Op, e.Status, http.StatusText(e.Status), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
