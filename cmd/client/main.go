// Command client runs the Client side of the data-plane core: it initiates
// WireGuard/ICE connections to Gateways and resolves DNS Resources through
// pkg/dnsresourcenat and pkg/dnstcp.
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
		Use:          "client",
		Short:        "run the Firezone Client data plane",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (listen addresses, STUN/TURN servers)")

	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "client: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath, config.RoleClient)
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

	// DNS Resource domain/proxy-IP assignment itself arrives over the
	// control plane, also out of band; once resolved, the caller registers
	// it through n.BindDNSResource before n.Peers().AddPeer lets any
	// traffic to its proxy IPs flow.

	dlog.Infof(ctx, "client: listening v4=%s v6=%s", cfg.ListenV4, cfg.ListenV6)
	return n.Run(ctx)
}
