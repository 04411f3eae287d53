package store

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestApplyFullReplacesCollection(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chats := db.Chats()

	if _, err := chats.Apply(ctx, Changeset[Chat]{Full: true, Upserts: []Chat{
		{ID: "a", Name: "A", UpdatedAt: 1},
		{ID: "b", Name: "B", UpdatedAt: 1},
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := chats.Apply(ctx, Changeset[Chat]{Full: true, Upserts: []Chat{
		{ID: "b", Name: "B2", UpdatedAt: 2, Participants: []string{"u1", "u2"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Removed, []string{"a"}) {
		t.Errorf("removed = %v, want [a]", res.Removed)
	}

	got, err := chats.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "B2" {
		t.Fatalf("chats = %+v, want only B2", got)
	}
	if !slices.Equal(got[0].Participants, []string{"u1", "u2"}) {
		t.Errorf("participants = %v", got[0].Participants)
	}
}

func TestApplyKeepsNewerLocalCopy(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	friends := db.Friends()

	if _, err := friends.Apply(ctx, Changeset[Friend]{Upserts: []Friend{{ID: "f", Name: "new", UpdatedAt: 10}}}); err != nil {
		t.Fatal(err)
	}
	res, err := friends.Apply(ctx, Changeset[Friend]{Upserts: []Friend{{ID: "f", Name: "stale", UpdatedAt: 5}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Upserted) != 0 {
		t.Errorf("stale upsert reported as applied: %v", res.Upserted)
	}

	got, _ := friends.List(ctx)
	if got[0].Name != "new" {
		t.Errorf("name = %q, want new", got[0].Name)
	}
}

func TestApplyTombstoneBookkeepingAndCursor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chats := db.Chats()

	for _, id := range []string{"x", "y"} {
		if err := chats.InsertTombstone(ctx, id, 100); err != nil {
			t.Fatal(err)
		}
	}
	// Re-inserting keeps the original row.
	if err := chats.InsertTombstone(ctx, "x", 999); err != nil {
		t.Fatal(err)
	}

	if _, err := chats.Apply(ctx, Changeset[Chat]{
		ClearTombstones:    []string{"x"},
		SurvivedTombstones: []string{"y"},
		Cursor:             "c-1",
	}); err != nil {
		t.Fatal(err)
	}

	ts, err := chats.Tombstones(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 1 || ts[0].ID != "y" || ts[0].Survived != 1 || ts[0].CreatedAt != 100 {
		t.Fatalf("tombstones = %+v", ts)
	}

	if err := chats.ResetTombstones(ctx, []string{"y"}); err != nil {
		t.Fatal(err)
	}
	ts, _ = chats.Tombstones(ctx)
	if ts[0].Survived != 0 {
		t.Errorf("survived = %d after reset", ts[0].Survived)
	}

	cursor, err := chats.Cursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "c-1" {
		t.Errorf("cursor = %q, want c-1", cursor)
	}
	if other, _ := db.Friends().Cursor(ctx); other != "" {
		t.Errorf("friend cursor = %q, want empty", other)
	}
}

func TestApplyCancelledContextWritesNothing(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := db.Chats().Apply(ctx, Changeset[Chat]{Upserts: []Chat{{ID: "a"}}, Cursor: "c"}); err == nil {
		t.Fatal("Apply() with cancelled context should fail")
	}
	got, err := db.Chats().List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("chats = %v, want none", got)
	}
}

func TestMessageInsertIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &Message{ClientMessageID: "c1", ChatID: "chat-1", SenderID: "me", Content: "hi", CreatedAtLocal: 1000, Status: StatusPending, FromMe: true}
	inserted, err := db.InsertMessage(ctx, m)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	if m.Seq == 0 {
		t.Error("Seq not assigned")
	}

	dup := &Message{ClientMessageID: "c1", ChatID: "chat-1", Content: "other", CreatedAtLocal: 2000, Status: StatusPending}
	inserted, err = db.InsertMessage(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v", inserted, err)
	}

	got, err := db.MessageByClientID(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "hi" {
		t.Errorf("content = %q, want hi", got.Content)
	}
}

func TestMessageLinkAndLookup(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &Message{ClientMessageID: "c1", ChatID: "chat-1", SenderID: "me", CreatedAtLocal: 1000, Status: StatusPending, FromMe: true}
	if _, err := db.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	m.ServerMessageID = "s1"
	m.Status = StatusSent
	if err := db.UpdateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := db.MessageByServerID(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ClientMessageID != "c1" || got.Status != StatusSent {
		t.Fatalf("by server id = %+v", got)
	}

	missing, err := db.MessageByServerID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing lookup = %v, %v", missing, err)
	}

	pending, _ = db.PendingMessages(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after link = %d, want 0", len(pending))
	}
	unlinked, _ := db.UnlinkedMessages(ctx, "chat-1", "me")
	if len(unlinked) != 0 {
		t.Errorf("unlinked after link = %d, want 0", len(unlinked))
	}
}

func TestDeleteMessageFreesServerID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	echo := &Message{ClientMessageID: "s1", ServerMessageID: "s1", ChatID: "chat-1", SenderID: "me", Status: StatusSent, FromMe: true}
	if _, err := db.InsertMessage(ctx, echo); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage(ctx, "s1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	m := &Message{ClientMessageID: "c1", ChatID: "chat-1", SenderID: "me", Status: StatusPending, FromMe: true}
	if _, err := db.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.ServerMessageID = "s1"
	if err := db.UpdateMessage(ctx, m); err != nil {
		t.Fatalf("link after delete: %v", err)
	}
}

func TestServerIDIsUnique(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		if _, err := db.InsertMessage(ctx, &Message{ClientMessageID: id, ChatID: "chat", CreatedAtLocal: 1, Status: StatusPending}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpdateMessage(ctx, &Message{ClientMessageID: "c1", ServerMessageID: "s1", Status: StatusSent}); err != nil {
		t.Fatal(err)
	}
	err := db.UpdateMessage(ctx, &Message{ClientMessageID: "c2", ServerMessageID: "s1", Status: StatusSent})
	if !IsUniqueViolation(err) {
		t.Errorf("err = %v, want unique violation", err)
	}
}

func TestUpdateChatPreviewOnlyMovesForward(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chats := db.Chats()

	if _, err := chats.Apply(ctx, Changeset[Chat]{Upserts: []Chat{{ID: "c", LastMessageAt: 100, LastMessagePreview: "old"}}}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateChatPreview(ctx, "c", 50, "older"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateChatPreview(ctx, "c", 200, "newer"); err != nil {
		t.Fatal(err)
	}
	got, _ := chats.List(ctx)
	if got[0].LastMessagePreview != "newer" {
		t.Errorf("preview = %q, want newer", got[0].LastMessagePreview)
	}
}

func TestCheckpointMissingKey(t *testing.T) {
	db := testDB(t)
	v, err := db.GetCheckpoint(context.Background(), "missing")
	if err != nil || v != "" {
		t.Errorf("GetCheckpoint(missing) = %q, %v", v, err)
	}
}

func TestChatDisplayName(t *testing.T) {
	friends := map[string]Friend{
		"u-ana": {ID: "u-ana", Username: "ana"},
		"u-bob": {ID: "u-bob", Username: "bob"},
		"u-cy":  {ID: "u-cy", Username: "u-cy"},
	}
	tests := []struct {
		name string
		chat Chat
		want string
	}{
		{"named", Chat{Name: "Team", IsGroup: true, Participants: []string{"me", "u-ana"}}, "Team"},
		{"direct friend", Chat{Participants: []string{"me", "u-ana"}}, "ana"},
		{"direct stranger", Chat{Participants: []string{"u-1234567890", "me"}}, "user_u-123456"},
		{"username equal to id", Chat{Participants: []string{"me", "u-cy"}}, "user_u-cy"},
		{"direct without others", Chat{Participants: []string{"me"}}, "Direct chat"},
		{"small group", Chat{IsGroup: true, Participants: []string{"me", "u-ana", "u-bob"}}, "ana, bob"},
		{"large group", Chat{IsGroup: true, Participants: []string{"me", "u-ana", "u-bob", "u-cy", "u-dan", "u-eve"}}, "ana, bob, user_u-cy and 2 others"},
		{"empty group", Chat{IsGroup: true}, "Group chat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.chat.DisplayName("me", friends); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
