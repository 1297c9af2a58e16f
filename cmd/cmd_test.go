package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/whisperer/internal/config"
)

func loadTestConfig(t *testing.T) *config.GlobalConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
whisperer:
  agent: {token: t, hostname: h}
  capture: {interface: eth0}
`), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestReplayOverrides(t *testing.T) {
	cfg := loadTestConfig(t)
	require.True(t, cfg.Capture.ReplayPacing)

	require.NoError(t, applyReplayOverrides(cfg, "trace.pcap", true))
	assert.Equal(t, config.ModeFile, cfg.Capture.Mode)
	assert.Equal(t, "trace.pcap", cfg.Capture.File)
	assert.False(t, cfg.Capture.ReplayPacing)
	assert.False(t, cfg.Capture.IsLive())
}

func TestReplayOverridesRequireFile(t *testing.T) {
	cfg := loadTestConfig(t)
	assert.Error(t, applyReplayOverrides(cfg, "", false))
}

func TestStartOverrides(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Capture.Mode = config.ModeFile
	cfg.Capture.File = "trace.pcap"

	require.NoError(t, applyStartOverrides(cfg, ""))
	assert.Equal(t, config.ModeFile, cfg.Capture.Mode)

	require.NoError(t, applyStartOverrides(cfg, "eth9"))
	assert.Equal(t, config.ModeInterface, cfg.Capture.Mode)
	assert.Equal(t, "eth9", cfg.Capture.Interface)
}

func TestRunAgentStartFailure(t *testing.T) {
	cfg := loadTestConfig(t)
	dir := t.TempDir()
	pid := filepath.Join(dir, "whisperer.pid")
	require.NoError(t, applyReplayOverrides(cfg, filepath.Join(dir, "missing.pcap"), true))

	err := runAgent(context.Background(), cfg, pid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start agent")
	assert.NoFileExists(t, pid, "failed start cleans up the PID file")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"valid", "1234\n", 1234, false},
		{"garbage", "abc", 0, true},
		{"zero", "0", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			pid, err := readPID(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}

	_, err := readPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)
}
