package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/matheus3301/chatsync/internal/delta"
)

// These are the coordinator's sentinels so callers can match either.
var (
	ErrOffline   = delta.ErrOffline
	ErrForbidden = delta.ErrForbidden
	ErrNotFound  = delta.ErrNotFound

	ErrUnauthorized = errors.New("unauthorized")
	ErrBadResponse  = errors.New("malformed response")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps the status code onto the sentinel errors.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusForbidden:
		return ErrForbidden
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Code == http.StatusTooManyRequests, e.Code >= 500:
		return ErrOffline
	}
	return nil
}
