package transport

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Frame
	}{
		{
			name: "chat",
			in:   `{"type":"chat","message":{"message_id":"s1","chat_id":"c1","sender_id":"u1","content":"hi","sent_at":1000}}`,
			want: ChatMessage{MessageID: "s1", ChatID: "c1", SenderID: "u1", Content: "hi", SentAt: 1000},
		},
		{
			name: "chat echo with client id",
			in:   `{"type":"chat","message":{"message_id":"s2","client_message_id":"local-2","chat_id":"c1","sender_id":"me","content":"yo","timestamp":2000}}`,
			want: ChatMessage{MessageID: "s2", ClientMessageID: "local-2", ChatID: "c1", SenderID: "me", Content: "yo", SentAt: 2000},
		},
		{
			name: "status with client id",
			in:   `{"type":"message-status","message":{"status":"delivered","message_id":"s1","client_message_id":"local-1"}}`,
			want: StatusUpdate{Status: store.StatusDelivered, MessageID: "s1", ClientMessageID: "local-1"},
		},
		{
			name: "status for fallback",
			in:   `{"type":"message-status","message":{"status":"SENT","message_id":"s1","chat_id":"c1","sender_id":"me","timestamp":"1970-01-01T00:00:01Z"}}`,
			want: StatusUpdate{Status: store.StatusSent, MessageID: "s1", ChatID: "c1", SenderID: "me", Timestamp: 1000},
		},
		{
			name: "bulk read",
			in:   `{"type":"message-status","message_ids":["s1","s2"],"status":"read"}`,
			want: BulkStatus{Status: store.StatusRead, MessageIDs: []string{"s1", "s2"}},
		},
		{
			name: "notification",
			in:   `{"type":"notification","kind":"friend","id":"f1","action":"updated"}`,
			want: Notification{Kind: store.KindFriend, ID: "f1", Action: "updated"},
		},
		{
			name: "pong",
			in:   `{"type":"pong"}`,
			want: KeepAlive{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		fields []string
	}{
		{"chat without ids", `{"type":"chat","message":{"content":"x"}}`, []string{"message_id", "chat_id", "sender_id"}},
		{"status without status", `{"type":"message-status","message":{"message_id":"s1"}}`, []string{"status"}},
		{"pending is not a server status", `{"type":"message-status","message":{"message_id":"s1","status":"pending"}}`, []string{"status"}},
		{"bulk with empty ids", `{"type":"message-status","message_ids":[],"status":"read"}`, []string{"message_ids"}},
		{"notification for unknown kind", `{"type":"notification","kind":"group","id":"g"}`, []string{"kind"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			require.ErrorIs(t, err, ErrInvalidFrame)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			var fields []string
			for _, is := range ve.Issues {
				fields = append(fields, is.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestParseUnknownAndGarbage(t *testing.T) {
	_, err := Parse([]byte(`{"type":"typing"}`))
	assert.ErrorIs(t, err, ErrUnknownFrame)

	_, err = Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
