package message

import (
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/store"
)

var (
	// ErrInvalidArgument reports a caller error such as a missing id.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound reports that no local message matches. It is expected for
	// messages composed on another device and is safe to ignore.
	ErrNotFound = errors.New("message not found")
	// ErrIntegrity reports state that must be escalated rather than retried.
	ErrIntegrity = errors.New("message integrity violation")
)

// TransitionError is returned for a status change that would leave a
// terminal state or fail an already delivered message.
type TransitionError struct {
	ClientMessageID string
	From            store.MessageStatus
	To              store.MessageStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("message %s: status %s cannot move to %s", e.ClientMessageID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIntegrity }

// ConflictError is returned when a server id would be reassigned.
type ConflictError struct {
	ClientMessageID string
	Existing        string
	Incoming        string
}

func (e *ConflictError) Error() string {
	if e.Existing == "" {
		return fmt.Sprintf("message %s: server id %s already belongs to another message", e.ClientMessageID, e.Incoming)
	}
	return fmt.Sprintf("message %s: already linked to %s, refusing %s", e.ClientMessageID, e.Existing, e.Incoming)
}

func (e *ConflictError) Unwrap() error { return ErrIntegrity }

func required(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
}
