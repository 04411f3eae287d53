package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/urfave/cli/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Queue a message for a chat",
	ArgsUsage: "<chat-id> <text...>",
	Action:    cmdSend,
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Delete a chat or friend (leaves the chat when deleting is not allowed)",
	ArgsUsage: "<chat|friend> <id>",
	Action:    cmdDelete,
}

var retryStuckCommand = &cli.Command{
	Name:      "retry-stuck",
	Usage:     "Send again the deletes the server kept ignoring",
	ArgsUsage: "<chat|friend>",
	Action:    cmdRetryStuck,
}

var syncCommand = &cli.Command{
	Name:      "sync",
	Usage:     "Run a sync pass now, for one kind or all of them",
	ArgsUsage: "[chat|friend]",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for the pass",
			Value: time.Minute,
		},
	},
	Action: cmdSync,
}

var reconnectCommand = &cli.Command{
	Name:   "reconnect",
	Usage:  "Connect to the server now instead of waiting for the next retry",
	Action: cmdReconnect,
}

// withActions dials the daemon and runs fn with an actions client.
func withActions(ctx *cli.Context, timeout time.Duration, fn func(context.Context, *api.ActionClient) error) error {
	conn, err := dialDaemon(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	reqCtx, cancel := context.WithTimeout(ctx.Context, timeout)
	defer cancel()
	return fn(reqCtx, api.NewActionClient(conn))
}

func outputStruct(s *structpb.Struct) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return outputJSON(json.RawMessage(data))
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: send <chat-id> <text...>")
	}
	chatID := ctx.Args().First()
	text := strings.Join(ctx.Args().Tail(), " ")
	return withActions(ctx, 5*time.Second, func(c context.Context, client *api.ActionClient) error {
		out, err := client.Send(c, chatID, text)
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return outputStruct(out)
		}
		fmt.Printf("Queued %s in chat %s\n", out.GetFields()["client_message_id"].GetStringValue(), chatID)
		return nil
	})
}

func cmdDelete(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: delete <chat|friend> <id>")
	}
	kind, id := ctx.Args().Get(0), ctx.Args().Get(1)
	return withActions(ctx, 30*time.Second, func(c context.Context, client *api.ActionClient) error {
		outcome, err := client.Delete(c, kind, id)
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return outputJSON(map[string]string{"kind": kind, "id": id, "outcome": outcome})
		}
		fmt.Printf("%s %s: %s\n", kind, id, outcome)
		return nil
	})
}

func cmdRetryStuck(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: retry-stuck <chat|friend>")
	}
	kind := ctx.Args().First()
	return withActions(ctx, time.Minute, func(c context.Context, client *api.ActionClient) error {
		out, err := client.RetryStuck(c, kind)
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return outputStruct(out)
		}
		retried := out.GetFields()["retried"].GetListValue().GetValues()
		fmt.Printf("Retried %d %s deletes\n", len(retried), kind)
		for _, id := range retried {
			fmt.Printf("  %s\n", id.GetStringValue())
		}
		if msg := out.GetFields()["error"].GetStringValue(); msg != "" {
			fmt.Printf("Some deletes failed: %s\n", msg)
		}
		return nil
	})
}

func cmdSync(ctx *cli.Context) error {
	kind := ctx.Args().First()
	return withActions(ctx, ctx.Duration("timeout"), func(c context.Context, client *api.ActionClient) error {
		out, err := client.Sync(c, kind)
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return outputStruct(out)
		}
		for _, v := range out.GetFields()["passes"].GetListValue().GetValues() {
			p := v.GetStructValue().GetFields()
			line := fmt.Sprintf("%-6s  %-5s  upserted=%d  removed=%d",
				p["kind"].GetStringValue(), p["mode"].GetStringValue(),
				len(p["upserted"].GetListValue().GetValues()), len(p["removed"].GetListValue().GetValues()))
			if p["offline"].GetBoolValue() {
				line += "  offline"
			}
			if stuck := p["stuck"].GetListValue().GetValues(); len(stuck) > 0 {
				line += fmt.Sprintf("  stuck=%d", len(stuck))
			}
			fmt.Println(line)
		}
		return nil
	})
}

func cmdReconnect(ctx *cli.Context) error {
	return withActions(ctx, 5*time.Second, func(c context.Context, client *api.ActionClient) error {
		state, err := client.Reconnect(c)
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return outputJSON(map[string]string{"state": state})
		}
		fmt.Printf("Connection: %s\n", state)
		return nil
	})
}
