package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/whisperer/internal/config"
)

var replayNoPacing bool

// replayCmd processes a pcap file and exits once every buffer is drained.
var replayCmd = &cobra.Command{
	Use:   "replay <file.pcap>",
	Short: "Replay a pcap file through the agent",
	Long: `Replay a capture file as if it were live traffic.

Inter-packet delays are honoured unless --no-pacing is given. Sessions are
never evicted for idleness during a replay. The agent exits after the last
packet once all buffers are flushed.

Examples:
  whisperer replay -c config.yml capture.pcap
  whisperer replay -c config.yml --no-pacing capture.pcap`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := applyReplayOverrides(cfg, args[0], replayNoPacing); err != nil {
			return err
		}
		return runAgent(cmd.Context(), cfg, "")
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayNoPacing, "no-pacing", false,
		"process packets as fast as possible")
}

func applyReplayOverrides(cfg *config.GlobalConfig, path string, noPacing bool) error {
	cfg.Capture.Mode = config.ModeFile
	cfg.Capture.File = path
	if noPacing {
		cfg.Capture.ReplayPacing = false
	}
	return cfg.ValidateAndApplyDefaults()
}
