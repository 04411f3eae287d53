package main

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/delta"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/urfave/cli/v2"
)

var tombstonesCommand = &cli.Command{
	Name:  "tombstones",
	Usage: "List local deletes the server has not confirmed",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "max-survivals",
			Usage: "fetches a delete may survive before it is reported stuck",
			Value: delta.DefaultMaxSurvivals,
		},
	},
	Action: cmdTombstones,
}

func cmdTombstones(ctx *cli.Context) error {
	db, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var all []store.Tombstone
	for _, kind := range store.Kinds {
		ts, err := db.ListTombstones(ctx.Context, kind)
		if err != nil {
			return fmt.Errorf("list %s tombstones: %w", kind, err)
		}
		all = append(all, ts...)
	}
	if ctx.Bool("json") {
		return outputJSON(all)
	}
	if len(all) == 0 {
		fmt.Println("No pending deletes.")
		return nil
	}
	limit := ctx.Int("max-survivals")
	for _, t := range all {
		state := "waiting"
		if t.Survived > limit {
			state = "stuck"
		}
		fmt.Printf("%-6s  %s  deleted=%s  survived=%d  %s\n",
			t.Kind, t.ID, time.UnixMilli(t.CreatedAt).Format(time.DateTime), t.Survived, state)
	}
	return nil
}
