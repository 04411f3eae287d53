package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/urfave/cli/v2"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show whether the daemon is connected to the server",
	Action: cmdStatus,
}

func cmdStatus(ctx *cli.Context) error {
	layout := getLayout(ctx)
	conn, err := dialDaemon(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	reqCtx, cancel := context.WithTimeout(ctx.Context, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(reqCtx, &healthpb.HealthCheckRequest{Service: daemon.ConnectionService})
	if err != nil {
		return fmt.Errorf("daemon for profile %q is not reachable: %w", layout.Name, err)
	}

	connected := resp.Status == healthpb.HealthCheckResponse_SERVING
	if ctx.Bool("json") {
		health, err := protojson.Marshal(resp)
		if err != nil {
			return err
		}
		return outputJSON(map[string]any{
			"profile":   layout.Name,
			"connected": connected,
			"health":    json.RawMessage(health),
		})
	}
	fmt.Printf("Profile:   %s\n", layout.Name)
	fmt.Printf("Connected: %v\n", connected)
	return nil
}
