package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/halvden/spacefray/pkg/replication"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Simulation SimulationSection `toml:"simulation"`
	Limits     LimitsSection     `toml:"limits"`
}

type ServerSection struct {
	Transport   string `toml:"transport"`
	UDPPort     int    `toml:"udp_port"`
	WSPort      int    `toml:"ws_port"`
	MetricsPort int    `toml:"metrics_port"`
	JournalPath string `toml:"journal_path"`
	ReplayPath  string `toml:"replay_path"`
}

type SimulationSection struct {
	TickRate       int `toml:"tick_rate"`
	AsteroidTarget int `toml:"asteroid_target"`
}

type LimitsSection struct {
	MaxClients           int `toml:"max_clients"`
	ClientTimeoutSeconds int `toml:"client_timeout_seconds"`
	StaleAfterFrames     int `toml:"stale_after_frames"`
	PingIntervalFrames   int `toml:"ping_interval_frames"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Transport:   "udp",
			UDPPort:     34244,
			WSPort:      8080,
			MetricsPort: 9090,
			JournalPath: "~/.spacefray/journal.db",
			ReplayPath:  "", // empty = recording off
		},
		Simulation: SimulationSection{
			TickRate:       60,
			AsteroidTarget: 12,
		},
		Limits: LimitsSection{
			MaxClients:           0, // 0 = unlimited
			ClientTimeoutSeconds: 30,
			StaleAfterFrames:     200,
			PingIntervalFrames:   120,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not
// found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Failing to write the default file is not fatal; the server can
		// still run on defaults.
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: SPACEFRAY_SECTION_KEY
// Example: SPACEFRAY_SERVER_UDP_PORT=35000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("SPACEFRAY_SERVER_TRANSPORT"); val != "" {
		config.Server.Transport = val
	}
	if val := os.Getenv("SPACEFRAY_SERVER_UDP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.UDPPort = port
		}
	}
	if val := os.Getenv("SPACEFRAY_SERVER_WS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.WSPort = port
		}
	}
	if val := os.Getenv("SPACEFRAY_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("SPACEFRAY_SERVER_JOURNAL_PATH"); val != "" {
		config.Server.JournalPath = val
	}
	if val := os.Getenv("SPACEFRAY_SERVER_REPLAY_PATH"); val != "" {
		config.Server.ReplayPath = val
	}

	if val := os.Getenv("SPACEFRAY_SIMULATION_TICK_RATE"); val != "" {
		if rate, err := strconv.Atoi(val); err == nil {
			config.Simulation.TickRate = rate
		}
	}
	if val := os.Getenv("SPACEFRAY_SIMULATION_ASTEROID_TARGET"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Simulation.AsteroidTarget = n
		}
	}

	if val := os.Getenv("SPACEFRAY_LIMITS_MAX_CLIENTS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxClients = limit
		}
	}
	if val := os.Getenv("SPACEFRAY_LIMITS_CLIENT_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.ClientTimeoutSeconds = timeout
		}
	}
	if val := os.Getenv("SPACEFRAY_LIMITS_STALE_AFTER_FRAMES"); val != "" {
		if frames, err := strconv.Atoi(val); err == nil {
			config.Limits.StaleAfterFrames = frames
		}
	}
	if val := os.Getenv("SPACEFRAY_LIMITS_PING_INTERVAL_FRAMES"); val != "" {
		if frames, err := strconv.Atoi(val); err == nil {
			config.Limits.PingIntervalFrames = frames
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options
// documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	// Active settings use defaults, commented settings show available
	// options.
	content := `# Spacefray Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# SPACEFRAY_SECTION_KEY (e.g. SPACEFRAY_SERVER_UDP_PORT=35000)

[server]
# Transport for game traffic: "udp" or "websocket"
transport = "udp"

# Port for UDP game traffic
udp_port = 34244

# Port for WebSocket game traffic (used when transport = "websocket")
ws_port = 8080

# Port for the internal metrics HTTP server (/metrics, /health)
# Set to 0 to disable. Never expose this publicly.
metrics_port = 9090

# Path to the SQLite session journal
journal_path = "~/.spacefray/journal.db"

# Path for a match replay recording (empty = recording off)
# replay_path = "~/.spacefray/match.replay"

[simulation]
# Simulation and replication rate in ticks per second
tick_rate = 60

# Asteroid population the server maintains (0 = no asteroids)
asteroid_target = 12

[limits]
# Maximum concurrent clients (0 = unlimited)
max_clients = 0

# Seconds without a pong before a client is dropped (0 = never)
client_timeout_seconds = 30

# Frames after which a clean entity is rebroadcast anyway
# stale_after_frames = 200

# Frames between server latency probes
# ping_interval_frames = 120
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ReplicationOptions converts the limits section into the replication
// server's options
func (c *TOMLConfig) ReplicationOptions() replication.ServerOptions {
	opts := replication.ServerOptions{
		MaxClients:    c.Limits.MaxClients,
		ClientTimeout: time.Duration(c.Limits.ClientTimeoutSeconds) * time.Second,
	}
	if c.Limits.StaleAfterFrames > 0 {
		opts.StaleAfter = uint64(c.Limits.StaleAfterFrames)
	}
	if c.Limits.PingIntervalFrames > 0 {
		opts.PingInterval = uint64(c.Limits.PingIntervalFrames)
	}
	return opts
}

// TickRate returns the configured simulation rate, falling back to the
// default when the config carries zero or garbage
func (c *TOMLConfig) TickRate() int {
	if c.Simulation.TickRate <= 0 {
		return 60
	}
	return c.Simulation.TickRate
}

// GetJournalPath returns the journal path with ~ expanded
func (c *TOMLConfig) GetJournalPath() (string, error) {
	return expandHome(c.Server.JournalPath)
}

// GetReplayPath returns the replay path with ~ expanded; empty means
// recording is off
func (c *TOMLConfig) GetReplayPath() (string, error) {
	if c.Server.ReplayPath == "" {
		return "", nil
	}
	return expandHome(c.Server.ReplayPath)
}
