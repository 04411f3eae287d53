package main

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/urfave/cli/v2"
)

var chatsCommand = &cli.Command{
	Name:   "chats",
	Usage:  "List cached chats, hiding pending deletes",
	Action: cmdChats,
}

type chatRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"is_group"`
	Unread      int    `json:"unread"`
	LastMessage string `json:"last_message,omitempty"`
	LastAt      int64  `json:"last_message_at,omitempty"`
}

func cmdChats(ctx *cli.Context) error {
	db, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	chats, err := db.Chats().List(ctx.Context)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	tombs, err := db.ListTombstones(ctx.Context, store.KindChat)
	if err != nil {
		return fmt.Errorf("list chat tombstones: %w", err)
	}
	hidden := make(map[string]bool, len(tombs))
	for _, t := range tombs {
		hidden[t.ID] = true
	}
	friendList, err := db.Friends().List(ctx.Context)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}
	friends := make(map[string]store.Friend, len(friendList))
	for _, f := range friendList {
		friends[f.ID] = f
	}

	selfID := getConfig(ctx).API.UserID
	rows := make([]chatRow, 0, len(chats))
	for _, c := range chats {
		if hidden[c.ID] {
			continue
		}
		rows = append(rows, chatRow{
			ID:          c.ID,
			Name:        c.DisplayName(selfID, friends),
			IsGroup:     c.IsGroup,
			Unread:      c.UnreadCount,
			LastMessage: c.LastMessagePreview,
			LastAt:      c.LastMessageAt,
		})
	}

	if ctx.Bool("json") {
		return outputJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No chats.")
		return nil
	}
	for _, r := range rows {
		last := "-"
		if r.LastAt > 0 {
			last = time.UnixMilli(r.LastAt).Format(time.DateTime)
		}
		fmt.Printf("%-24s  %-30s  unread=%-3d  %s  %s\n", r.ID, r.Name, r.Unread, last, r.LastMessage)
	}
	return nil
}
