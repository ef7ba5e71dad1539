package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfig(t *testing.T) {
	config := DefaultTOMLConfig()

	assert.Equal(t, "udp", config.Server.Transport)
	assert.Equal(t, 34244, config.Server.UDPPort)
	assert.Equal(t, 8080, config.Server.WSPort)
	assert.Equal(t, 9090, config.Server.MetricsPort)
	assert.Equal(t, "~/.spacefray/journal.db", config.Server.JournalPath)
	assert.Empty(t, config.Server.ReplayPath)

	assert.Equal(t, 60, config.Simulation.TickRate)
	assert.Equal(t, 12, config.Simulation.AsteroidTarget)

	assert.Equal(t, 0, config.Limits.MaxClients)
	assert.Equal(t, 30, config.Limits.ClientTimeoutSeconds)
	assert.Equal(t, 200, config.Limits.StaleAfterFrames)
	assert.Equal(t, 120, config.Limits.PingIntervalFrames)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)

	// A template file must exist now and parse cleanly.
	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "udp", reloaded.Server.Transport)
	assert.Equal(t, 34244, reloaded.Server.UDPPort)
	assert.Equal(t, 60, reloaded.Simulation.TickRate)
	assert.Equal(t, 12, reloaded.Simulation.AsteroidTarget)
	assert.Equal(t, 30, reloaded.Limits.ClientTimeoutSeconds)

	// The template ships these commented out, so they come back zero and
	// the replication layer supplies its own defaults.
	assert.Zero(t, reloaded.Limits.StaleAfterFrames)
	assert.Zero(t, reloaded.Limits.PingIntervalFrames)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
transport = "websocket"
udp_port = 35000
ws_port = 8081
metrics_port = 0
journal_path = "/tmp/spacefray-test/journal.db"
replay_path = "/tmp/spacefray-test/match.replay"

[simulation]
tick_rate = 30
asteroid_target = 0

[limits]
max_clients = 16
client_timeout_seconds = 5
stale_after_frames = 50
ping_interval_frames = 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "websocket", config.Server.Transport)
	assert.Equal(t, 35000, config.Server.UDPPort)
	assert.Equal(t, 8081, config.Server.WSPort)
	assert.Equal(t, 0, config.Server.MetricsPort)
	assert.Equal(t, "/tmp/spacefray-test/journal.db", config.Server.JournalPath)
	assert.Equal(t, "/tmp/spacefray-test/match.replay", config.Server.ReplayPath)
	assert.Equal(t, 30, config.Simulation.TickRate)
	assert.Equal(t, 0, config.Simulation.AsteroidTarget)
	assert.Equal(t, 16, config.Limits.MaxClients)
	assert.Equal(t, 5, config.Limits.ClientTimeoutSeconds)
	assert.Equal(t, 50, config.Limits.StaleAfterFrames)
	assert.Equal(t, 10, config.Limits.PingIntervalFrames)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]]]= {{"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPACEFRAY_SERVER_TRANSPORT", "websocket")
	t.Setenv("SPACEFRAY_SERVER_UDP_PORT", "35001")
	t.Setenv("SPACEFRAY_SERVER_METRICS_PORT", "0")
	t.Setenv("SPACEFRAY_SIMULATION_TICK_RATE", "120")
	t.Setenv("SPACEFRAY_LIMITS_MAX_CLIENTS", "4")
	t.Setenv("SPACEFRAY_LIMITS_STALE_AFTER_FRAMES", "77")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, "websocket", config.Server.Transport)
	assert.Equal(t, 35001, config.Server.UDPPort)
	assert.Equal(t, 0, config.Server.MetricsPort)
	assert.Equal(t, 120, config.Simulation.TickRate)
	assert.Equal(t, 4, config.Limits.MaxClients)
	assert.Equal(t, 77, config.Limits.StaleAfterFrames)

	// Untouched settings keep their defaults.
	assert.Equal(t, 8080, config.Server.WSPort)
	assert.Equal(t, 30, config.Limits.ClientTimeoutSeconds)
}

func TestEnvOverrideIgnoresBadNumbers(t *testing.T) {
	t.Setenv("SPACEFRAY_SERVER_UDP_PORT", "not-a-port")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, 34244, config.Server.UDPPort)
}

func TestReplicationOptions(t *testing.T) {
	config := DefaultTOMLConfig()
	config.Limits.MaxClients = 8
	config.Limits.ClientTimeoutSeconds = 15
	config.Limits.StaleAfterFrames = 90
	config.Limits.PingIntervalFrames = 45

	opts := config.ReplicationOptions()
	assert.Equal(t, 8, opts.MaxClients)
	assert.Equal(t, 15*time.Second, opts.ClientTimeout)
	assert.Equal(t, uint64(90), opts.StaleAfter)
	assert.Equal(t, uint64(45), opts.PingInterval)
}

func TestReplicationOptionsZeroMeansDefault(t *testing.T) {
	config := DefaultTOMLConfig()
	config.Limits.StaleAfterFrames = 0
	config.Limits.PingIntervalFrames = 0

	// Zero passes through so the replication layer picks its defaults.
	opts := config.ReplicationOptions()
	assert.Zero(t, opts.StaleAfter)
	assert.Zero(t, opts.PingInterval)
}

func TestTickRateFallback(t *testing.T) {
	config := DefaultTOMLConfig()

	config.Simulation.TickRate = 30
	assert.Equal(t, 30, config.TickRate())

	config.Simulation.TickRate = 0
	assert.Equal(t, 60, config.TickRate())

	config.Simulation.TickRate = -5
	assert.Equal(t, 60, config.TickRate())
}

func TestGetReplayPath(t *testing.T) {
	config := DefaultTOMLConfig()

	path, err := config.GetReplayPath()
	require.NoError(t, err)
	assert.Empty(t, path)

	config.Server.ReplayPath = "~/replays/match.replay"
	path, err = config.GetReplayPath()
	require.NoError(t, err)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "replays", "match.replay"), path)
}
