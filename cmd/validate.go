package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/whisperer/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without capturing anything.

Examples:
  whisperer validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VALID: mode %s, packets -> %s, tcp sessions -> %s, dns cache enabled: %t\n",
			cfg.Capture.Mode, cfg.Packets.Sink.Type, cfg.TCPSessions.Sink.Type, cfg.DNSCache.Enabled)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		out, err := cfg.YAML()
		if err != nil {
			exitWithError("failed to render config", err)
		}
		os.Stdout.Write(out)
	},
}
