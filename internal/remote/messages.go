package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// SendRequest is the body of POST /api/v1/messages.
type SendRequest struct {
	ChatID           string `json:"chat_id"`
	Content          string `json:"content"`
	ClientMessageID  string `json:"client_message_id"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

// SendAck is the server's acknowledgement of a sent message.
type SendAck struct {
	MessageID string
	Timestamp int64
}

// SendMessage posts a message and returns the server identity assigned to it.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SendAck, error) {
	data, err := c.do(ctx, http.MethodPost, "api/v1/messages", nil, req)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(data)
	if root.Get("data").IsObject() {
		root = root.Get("data")
	}
	ack := &SendAck{
		MessageID: root.Get("message_id").String(),
		Timestamp: millis(root.Get("timestamp")),
	}
	if ack.MessageID == "" {
		return nil, fmt.Errorf("%w: send response without message_id", ErrBadResponse)
	}
	return ack, nil
}
