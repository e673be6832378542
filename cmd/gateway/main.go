// Command gateway runs the Gateway side of the data-plane core: it accepts
// WireGuard/ICE connections from Clients and forwards authorized packets to
// Resources, NAT'd through pkg/gatewaynat.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/firezone/connlib/internal/config"
	"github.com/firezone/connlib/internal/node"
)

func main() {
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logrus.StandardLogger()))

	var configPath string
	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "run the Firezone Gateway data plane",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (listen addresses, STUN/TURN servers)")

	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "gateway: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath, config.RoleGateway)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The platform TUN device (interface name, MTU, address/route
	// configuration) is supplied out of band per spec §6; wiring it in is
	// left to the platform-specific caller.
	n, err := node.New(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	dlog.Infof(ctx, "gateway: listening v4=%s v6=%s", cfg.ListenV4, cfg.ListenV6)
	return n.Run(ctx)
}
