package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/tidwall/gjson"
)

var (
	ErrInvalidFrame = errors.New("invalid frame")
	ErrUnknownFrame = errors.New("unknown frame type")
)

type ValidationIssue struct{ Field, Reason string }

// ValidationError lists what is wrong with a frame of a known type.
type ValidationError struct {
	Type   string
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+" "+is.Reason)
	}
	return fmt.Sprintf("invalid %s frame: %s", e.Type, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidFrame }

func (e *ValidationError) add(f, r string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: f, Reason: r})
}

func (e *ValidationError) require(r gjson.Result, field string) string {
	v := r.Get(field).String()
	if v == "" {
		e.add(field, "required")
	}
	return v
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Frame is one inbound realtime message. It is one of ChatMessage,
// StatusUpdate, BulkStatus, Notification or KeepAlive.
type Frame interface {
	frame()
}

// ChatMessage is a new message in a chat. ClientMessageID is set when the
// server echoes the id the sender composed the message with.
type ChatMessage struct {
	MessageID       string
	ClientMessageID string
	ChatID          string
	SenderID        string
	Content         string
	SentAt          int64
}

// StatusUpdate reports the delivery status of one message. ClientMessageID
// is present only when the server echoes it; otherwise ChatID, SenderID and
// Timestamp allow a fallback match.
type StatusUpdate struct {
	Status          store.MessageStatus
	MessageID       string
	ClientMessageID string
	ChatID          string
	SenderID        string
	Timestamp       int64
}

// BulkStatus applies one status to several server message ids.
type BulkStatus struct {
	Status     store.MessageStatus
	MessageIDs []string
}

// Notification says an entity changed on the server.
type Notification struct {
	Kind   store.Kind
	ID     string
	Action string
}

// KeepAlive is a server ping or pong. It only proves liveness.
type KeepAlive struct{}

func (ChatMessage) frame()  {}
func (StatusUpdate) frame() {}
func (BulkStatus) frame()   {}
func (Notification) frame() {}
func (KeepAlive) frame()    {}

// Parse classifies and validates a text frame.
func Parse(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not JSON", ErrInvalidFrame)
	}
	root := gjson.ParseBytes(data)
	typ := root.Get("type").String()

	switch typ {
	case "chat":
		return parseChat(root.Get("message"))
	case "message-status":
		if ids := root.Get("message_ids"); ids.Exists() {
			return parseBulk(root, ids)
		}
		return parseStatus(root.Get("message"))
	case "notification":
		return parseNotification(root)
	case "ping", "pong", "heartbeat":
		return KeepAlive{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, typ)
}

func parseChat(m gjson.Result) (Frame, error) {
	ve := &ValidationError{Type: "chat"}
	f := ChatMessage{
		MessageID:       ve.require(m, "message_id"),
		ClientMessageID: m.Get("client_message_id").String(),
		ChatID:          ve.require(m, "chat_id"),
		SenderID:        ve.require(m, "sender_id"),
		Content:         m.Get("content").String(),
		SentAt:          timestamp(m.Get("sent_at")),
	}
	if f.SentAt == 0 {
		f.SentAt = timestamp(m.Get("timestamp"))
	}
	return f, ve.orNil()
}

func parseStatus(m gjson.Result) (Frame, error) {
	ve := &ValidationError{Type: "message-status"}
	f := StatusUpdate{
		Status:          status(ve, m.Get("status")),
		MessageID:       ve.require(m, "message_id"),
		ClientMessageID: m.Get("client_message_id").String(),
		ChatID:          m.Get("chat_id").String(),
		SenderID:        m.Get("sender_id").String(),
		Timestamp:       timestamp(m.Get("timestamp")),
	}
	return f, ve.orNil()
}

func parseBulk(root, ids gjson.Result) (Frame, error) {
	ve := &ValidationError{Type: "message-status"}
	f := BulkStatus{Status: status(ve, root.Get("status"))}
	if !ids.IsArray() {
		ve.add("message_ids", "must be a list")
	}
	for _, id := range ids.Array() {
		if id.String() != "" {
			f.MessageIDs = append(f.MessageIDs, id.String())
		}
	}
	if ids.IsArray() && len(f.MessageIDs) == 0 {
		ve.add("message_ids", "empty")
	}
	return f, ve.orNil()
}

func parseNotification(root gjson.Result) (Frame, error) {
	ve := &ValidationError{Type: "notification"}
	f := Notification{
		Kind:   store.Kind(ve.require(root, "kind")),
		ID:     root.Get("id").String(),
		Action: root.Get("action").String(),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		ve.add("kind", "unknown")
	}
	return f, ve.orNil()
}

func status(ve *ValidationError, r gjson.Result) store.MessageStatus {
	s := store.MessageStatus(strings.ToLower(r.String()))
	switch {
	case s == "":
		ve.add("status", "required")
	case !s.Valid() || s == store.StatusPending:
		ve.add("status", "unknown")
	}
	return s
}

// timestamp accepts epoch milliseconds or RFC 3339.
func timestamp(r gjson.Result) int64 {
	switch r.Type {
	case gjson.Number:
		return r.Int()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t.UnixMilli()
		}
		n, _ := strconv.ParseInt(r.Str, 10, 64)
		return n
	}
	return 0
}
