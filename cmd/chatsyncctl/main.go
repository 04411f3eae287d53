package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type contextKey int

const (
	contextKeyLayout contextKey = iota
	contextKeyConfig
)

func getLayout(ctx *cli.Context) profile.Layout {
	return ctx.Context.Value(contextKeyLayout).(profile.Layout)
}

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.LoadOrDefault(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	name, err := profile.Resolve(ctx.String("profile"), cfg.DefaultProfile)
	if err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyLayout, profile.For(name))
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

// openCache opens the profile's cache read-only; the daemon may be running.
func openCache(ctx *cli.Context) (*store.DB, error) {
	path := getLayout(ctx).DBPath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no cache for profile %q: %w", getLayout(ctx).Name, err)
	}
	return store.OpenReadOnly(path)
}

// dialDaemon connects to the profile daemon's socket.
func dialDaemon(ctx *cli.Context) (*grpc.ClientConn, error) {
	layout := getLayout(ctx)
	conn, err := grpc.NewClient("unix://"+layout.SocketPath(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", layout.Name, err)
	}
	return conn, nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	app := &cli.App{
		Name:  "chatsyncctl",
		Usage: "Inspect and control a chatsync profile",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "profile",
				Usage: "profile name (overrides config default)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file",
				Value: profile.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			statusCommand,
			chatsCommand,
			pendingCommand,
			tombstonesCommand,
			sendCommand,
			deleteCommand,
			retryStuckCommand,
			syncCommand,
			reconnectCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
