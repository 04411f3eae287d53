package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func main() {
	app := &cli.App{
		Name:  "chatsyncd",
		Usage: "Keep a local chat cache in sync with the server",
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
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.LoadOrDefault(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	name, err := profile.Resolve(ctx.String("profile"), cfg.DefaultProfile)
	if err != nil {
		return err
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, Config: cfg, LogLevel: ctx.String("log-level")}),
	)
	app.Run()
	return app.Err()
}
