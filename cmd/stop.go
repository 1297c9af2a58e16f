package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running agent",
	Long: `Stop a running agent gracefully.

The process named by the PID file receives SIGTERM and drains its buffers
before exiting.`,
	Run: func(cmd *cobra.Command, args []string) {
		pid, err := readPID(pidFile)
		if err != nil {
			exitWithError("agent is not running or PID file is inaccessible", err)
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			exitWithError(fmt.Sprintf("failed to signal process %d", pid), err)
		}
		fmt.Printf("Sent SIGTERM to whisperer (pid %d)\n", pid)
	},
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s: pid %d", path, pid)
	}
	return pid, nil
}
