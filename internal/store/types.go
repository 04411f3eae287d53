package store

// Kind names a synced entity collection.
type Kind string

const (
	KindChat   Kind = "chat"
	KindFriend Kind = "friend"
)

// Kinds lists every synced entity kind in sync order.
var Kinds = []Kind{KindChat, KindFriend}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	return k == KindChat || k == KindFriend
}

// Entity is a record owned by the server and mirrored locally.
// Version is the freshness marker used to decide whether an incoming copy
// may overwrite the stored one.
type Entity interface {
	EntityID() string
	Version() int64
}

// Chat represents a synced chat.
type Chat struct {
	ID                 string
	Name               string
	IsGroup            bool
	CreatorID          string
	CreatedAt          int64
	Participants       []string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	UpdatedAt          int64
}

func (c Chat) EntityID() string { return c.ID }
func (c Chat) Version() int64   { return c.UpdatedAt }

// Friend represents a synced friend.
type Friend struct {
	ID         string
	Username   string
	Name       string
	Email      string
	Picture    string
	IsFavorite bool
	UpdatedAt  int64
}

func (f Friend) EntityID() string { return f.ID }
func (f Friend) Version() int64   { return f.UpdatedAt }

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders the forward-moving statuses. Failed and unknown values rank -1.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// Message is a chat message. Locally composed messages start with only a
// ClientMessageID; ServerMessageID is filled in once the server acknowledges.
type Message struct {
	Seq             int64
	ClientMessageID string
	ServerMessageID string
	ChatID          string
	SenderID        string
	Content         string
	CreatedAtLocal  int64
	ServerTimestamp int64 // 0 until known
	Status          MessageStatus
	DeliveredAt     int64
	ReadAt          int64
	FromMe          bool
	SendAttempts    int
	LastError       string
	UpdatedAt       int64
}

// Linked reports whether the server id has been assigned.
func (m *Message) Linked() bool {
	return m.ServerMessageID != ""
}

// Tombstone marks an entity deleted locally but not yet confirmed gone by the server.
type Tombstone struct {
	Kind      Kind
	ID        string
	CreatedAt int64
	Survived  int // fetches that still returned the id
}

// Changeset is a batch of cache changes applied atomically.
type Changeset[E Entity] struct {
	// Full replaces the cached collection: rows missing from Upserts are removed.
	Full    bool
	Upserts []E
	Removes []string

	ClearTombstones    []string
	SurvivedTombstones []string

	// Cursor, when non-empty, is stored as the delta checkpoint for the kind.
	Cursor string
}

// ApplyResult lists the ids a changeset actually touched.
type ApplyResult struct {
	Upserted []string
	Removed  []string
}
