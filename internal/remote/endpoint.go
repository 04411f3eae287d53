package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/delta"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/tidwall/gjson"
)

// Endpoint serves one entity collection under /api/v1/{kind}s.
type Endpoint[E store.Entity] struct {
	client   *Client
	path     string
	canLeave bool
	decode   func(gjson.Result) (E, error)
}

var _ delta.Remote[store.Chat] = (*Endpoint[store.Chat])(nil)

// Chats returns the chat collection.
func Chats(c *Client) *Endpoint[store.Chat] {
	return &Endpoint[store.Chat]{client: c, path: "api/v1/chats", canLeave: true, decode: decodeChat}
}

// Friends returns the friend collection.
func Friends(c *Client) *Endpoint[store.Friend] {
	return &Endpoint[store.Friend]{client: c, path: "api/v1/friends", decode: decodeFriend}
}

// FetchAll lists the whole collection. The server answers either with a bare
// array or with {"data": [...], "cursor": "..."}. Without a cursor, the
// request time is used so the next delta covers everything after it.
func (e *Endpoint[E]) FetchAll(ctx context.Context) (delta.Snapshot[E], error) {
	start := time.Now()
	data, err := e.client.do(ctx, http.MethodGet, e.path, nil, nil)
	if err != nil {
		return delta.Snapshot[E]{}, err
	}
	if !gjson.ValidBytes(data) {
		return delta.Snapshot[E]{}, fmt.Errorf("%w: %s is not JSON", ErrBadResponse, e.path)
	}

	root := gjson.ParseBytes(data)
	list := root
	if !root.IsArray() {
		list = root.Get("data")
	}
	if !list.IsArray() {
		// An error body must not read as an empty collection.
		return delta.Snapshot[E]{}, fmt.Errorf("%w: %s: no data list", ErrBadResponse, e.path)
	}
	items, err := e.decodeAll(list)
	if err != nil {
		return delta.Snapshot[E]{}, err
	}

	cursor := root.Get("cursor").String()
	if cursor == "" {
		cursor = strconv.FormatInt(start.UnixMilli(), 10)
	}
	return delta.Snapshot[E]{Entities: items, Cursor: cursor}, nil
}

// FetchDelta returns changes since cursor:
// {"upserts": [...], "removes": ["id", ...], "cursor": "..."}.
func (e *Endpoint[E]) FetchDelta(ctx context.Context, cursor string) (delta.Delta[E], error) {
	var q url.Values
	if cursor != "" {
		q = url.Values{"since": {cursor}}
	}
	data, err := e.client.do(ctx, http.MethodGet, e.path+"/delta", q, nil)
	if err != nil {
		return delta.Delta[E]{}, err
	}
	if !gjson.ValidBytes(data) {
		return delta.Delta[E]{}, fmt.Errorf("%w: %s/delta is not JSON", ErrBadResponse, e.path)
	}

	root := gjson.ParseBytes(data)
	ups, rems := root.Get("upserts"), root.Get("removes")
	switch {
	case !root.IsObject():
		return delta.Delta[E]{}, fmt.Errorf("%w: %s/delta: expected an object", ErrBadResponse, e.path)
	case !ups.Exists() && !rems.Exists() && !root.Get("cursor").Exists():
		return delta.Delta[E]{}, fmt.Errorf("%w: %s/delta: no changes or cursor", ErrBadResponse, e.path)
	case rems.Exists() && !rems.IsArray():
		return delta.Delta[E]{}, fmt.Errorf("%w: %s/delta: removes is not a list", ErrBadResponse, e.path)
	}
	upserts, err := e.decodeAll(ups)
	if err != nil {
		return delta.Delta[E]{}, err
	}
	d := delta.Delta[E]{Upserts: upserts, Cursor: root.Get("cursor").String()}
	for _, id := range rems.Array() {
		if id.String() != "" {
			d.Removes = append(d.Removes, id.String())
		}
	}
	if d.Cursor == "" {
		d.Cursor = cursor
	}
	return d, nil
}

// Delete removes an entity on the server.
func (e *Endpoint[E]) Delete(ctx context.Context, id string) error {
	_, err := e.client.do(ctx, http.MethodDelete, e.path+"/"+url.PathEscape(id), nil, nil)
	return err
}

// Leave removes the current user from an entity. Only chats support it.
func (e *Endpoint[E]) Leave(ctx context.Context, id string) error {
	if !e.canLeave {
		return delta.ErrLeaveUnsupported
	}
	_, err := e.client.do(ctx, http.MethodPost, e.path+"/"+url.PathEscape(id)+"/leave", nil, nil)
	return err
}

func (e *Endpoint[E]) decodeAll(list gjson.Result) ([]E, error) {
	if list.Exists() && !list.IsArray() {
		return nil, fmt.Errorf("%w: %s: expected a list", ErrBadResponse, e.path)
	}
	var out []E
	for i, item := range list.Array() {
		v, err := e.decode(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %s item %d: %w", ErrBadResponse, e.path, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeChat(r gjson.Result) (store.Chat, error) {
	c := store.Chat{
		ID:                 r.Get("chat_id").String(),
		Name:               r.Get("name").String(),
		IsGroup:            r.Get("is_group").Bool(),
		CreatorID:          r.Get("creator_id").String(),
		CreatedAt:          millis(r.Get("created_at")),
		UnreadCount:        int(r.Get("unread_count").Int()),
		LastMessageAt:      millis(r.Get("last_message_at")),
		LastMessagePreview: r.Get("last_message").String(),
		UpdatedAt:          millis(r.Get("updated_at")),
	}
	if c.ID == "" {
		return c, fmt.Errorf("missing chat_id")
	}
	for _, p := range r.Get("participants").Array() {
		c.Participants = append(c.Participants, p.String())
	}
	return c, nil
}

func decodeFriend(r gjson.Result) (store.Friend, error) {
	f := store.Friend{
		ID:         r.Get("user_id").String(),
		Username:   r.Get("username").String(),
		Name:       r.Get("name").String(),
		Email:      r.Get("email").String(),
		Picture:    r.Get("picture").String(),
		IsFavorite: r.Get("is_favorite").Bool(),
		UpdatedAt:  millis(r.Get("updated_at")),
	}
	if f.ID == "" {
		return f, fmt.Errorf("missing user_id")
	}
	return f, nil
}

// millis reads a timestamp given either as epoch milliseconds or as an
// RFC 3339 string. Anything else yields 0.
func millis(r gjson.Result) int64 {
	switch r.Type {
	case gjson.Number:
		return r.Int()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t.UnixMilli()
		}
		if n, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
