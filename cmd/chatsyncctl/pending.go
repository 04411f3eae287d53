package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

var pendingCommand = &cli.Command{
	Name:   "pending",
	Usage:  "List outgoing messages the server has not acknowledged",
	Action: cmdPending,
}

func cmdPending(ctx *cli.Context) error {
	db, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	msgs, err := db.PendingMessages(ctx.Context)
	if err != nil {
		return fmt.Errorf("list pending messages: %w", err)
	}
	if ctx.Bool("json") {
		return outputJSON(msgs)
	}
	if len(msgs) == 0 {
		fmt.Println("No pending messages.")
		return nil
	}
	for _, m := range msgs {
		created := time.UnixMilli(m.CreatedAtLocal).Format(time.DateTime)
		fmt.Printf("%s  %s  chat=%s  attempts=%d", created, m.ClientMessageID, m.ChatID, m.SendAttempts)
		if m.LastError != "" {
			fmt.Printf("  last_error=%q", m.LastError)
		}
		fmt.Println()
	}
	return nil
}
