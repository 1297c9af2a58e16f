package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/whisperer/internal/agent"
	"firestige.xyz/whisperer/internal/config"
)

var startInterface string

// startCmd captures live traffic until SIGINT or SIGTERM.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent in the foreground",
	Long: `Run the agent in the foreground, capturing in the configured mode.

The agent will:
  1. Load configuration from the config file
  2. Initialize logging and metrics
  3. Open the capture interface (pcap or AF_PACKET) or the pcap file
  4. Export packets, TCP sessions and hostnames on their schedules
  5. Drain every buffer on SIGTERM or SIGINT

Examples:
  whisperer start -c config.yml
  whisperer start -c config.yml -i eth1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := applyStartOverrides(cfg, startInterface); err != nil {
			return err
		}
		return runAgent(cmd.Context(), cfg, pidFile)
	},
}

func init() {
	startCmd.Flags().StringVarP(&startInterface, "interface", "i", "",
		"capture interface (forces interface mode)")
}

func applyStartOverrides(cfg *config.GlobalConfig, iface string) error {
	if iface != "" {
		cfg.Capture.Mode = config.ModeInterface
		cfg.Capture.Interface = iface
	}
	return cfg.ValidateAndApplyDefaults()
}

func runAgent(ctx context.Context, cfg *config.GlobalConfig, pid string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a := agent.New(cfg, pid)
	if err := a.Start(); err != nil {
		return errors.Join(fmt.Errorf("failed to start agent: %w", err), a.Stop())
	}
	return a.Run(ctx)
}
