package delta

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/store"
)

// Remote implementations wrap these so the coordinator can tell routine
// failures apart.
var (
	// ErrOffline covers network failures, timeouts and 5xx responses.
	ErrOffline = errors.New("remote unreachable")
	// ErrForbidden is a 403; for chats it triggers the leave fallback.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is a 404.
	ErrNotFound = errors.New("not found")
	// ErrLeaveUnsupported is returned by Leave for kinds that cannot be left.
	ErrLeaveUnsupported = errors.New("leave not supported")

	ErrInvalidArgument = errors.New("invalid argument")
)

// StuckTombstonesError reports local deletes the server kept returning for
// more fetches than allowed. The ids stay hidden until RetryStuck succeeds.
type StuckTombstonesError struct {
	Kind store.Kind
	IDs  []string
}

func (e *StuckTombstonesError) Error() string {
	return fmt.Sprintf("%s deletes not confirmed by server: %s", e.Kind, strings.Join(e.IDs, ", "))
}
