package bus

import "time"

// Event represents a change notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds emitted by the sync engine. UI code subscribes to these
// instead of reading through the engine.
const (
	EntityUpserted = "entity.upserted"
	EntityRemoved  = "entity.removed"

	MessageRegistered    = "message.registered"
	MessageLinked        = "message.linked"
	MessageStatusChanged = "message.status_changed"
	MessageUpserted      = "message.upserted"

	ConnectionStateChanged = "connection.state_changed"

	SyncCompleted = "sync.completed"
	SyncProblem   = "sync.problem"
)

// EntityChange is the payload of entity.upserted and entity.removed.
type EntityChange struct {
	Kind string
	IDs  []string
}

// MessageChange is the payload of the message.* events.
type MessageChange struct {
	ChatID          string
	ClientMessageID string
	ServerMessageID string
	Status          string
}

// SyncReport is the payload of sync.completed and sync.problem.
type SyncReport struct {
	Kind    string
	Mode    string
	Offline bool
	Err     string
	IDs     []string
}
