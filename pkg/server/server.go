// Package server hosts the spacefray simulation: it owns the world, runs
// the tick loop, and wires the replication stage to a real transport, the
// session journal, metrics and an optional replay recording.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halvden/spacefray/pkg/database"
	"github.com/halvden/spacefray/pkg/protocol"
	"github.com/halvden/spacefray/pkg/replication"
	"github.com/halvden/spacefray/pkg/sim"
	"github.com/halvden/spacefray/pkg/transport"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// Server represents the spacefray game server
type Server struct {
	config     TOMLConfig
	transport  transport.Server
	world      *sim.World
	repl       *replication.Server
	journal    *database.DB
	runID      int64
	recorder   *Recorder
	metrics    *Metrics
	httpSrv    *http.Server // WebSocket HTTP server, nil for UDP
	wsListener net.Listener
	shutdown   chan struct{}
	wg         sync.WaitGroup
	startTime  time.Time

	// Journal session ids by replication client id, tick-loop owned.
	sessions map[uint64]int64

	// Health snapshot updated by the tick loop, read by HealthHandler.
	healthFrame   atomic.Uint64
	healthClients atomic.Int64
}

// NewServer creates a server from a loaded config. It opens the journal
// and binds the game transport but does not start ticking.
func NewServer(config TOMLConfig) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	journalPath, err := config.GetJournalPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	journal, err := database.Open(journalPath)
	if err != nil {
		return nil, err
	}

	world := sim.NewWorld()
	world.AsteroidTarget = config.Simulation.AsteroidTarget

	s := &Server{
		config:    config,
		world:     world,
		journal:   journal,
		metrics:   NewMetrics(),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
		sessions:  make(map[uint64]int64),
	}

	switch config.Server.Transport {
	case "udp", "":
		udp, err := transport.ListenUDP(config.Server.UDPPort)
		if err != nil {
			journal.Close()
			return nil, fmt.Errorf("failed to bind UDP transport: %w", err)
		}
		udp.SetLogger(debugLog)
		s.transport = udp
	case "websocket":
		ws := transport.NewWSServer()
		ws.SetLogger(debugLog)
		mux := http.NewServeMux()
		mux.Handle("/ws", ws)
		s.httpSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.Server.WSPort),
			Handler: mux,
		}
		s.transport = ws
	default:
		journal.Close()
		return nil, fmt.Errorf("unknown transport %q", config.Server.Transport)
	}

	s.repl = replication.NewServer(s.transport, world, config.ReplicationOptions(), debugLog)
	return s, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "spacefray")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "spacefray")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	if errorLog != nil {
		return nil
	}
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log; a startup marker separates
	// runs.
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	marker := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(marker); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log is off until EnableDebugLogging.
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}
	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}
	debugLog.SetOutput(io.MultiWriter(os.Stderr, debugLogFile))
	debugLog.Println("Debug logging enabled")
}

// Start begins serving: the metrics endpoint, the WebSocket listener when
// configured, the replay recording, and the tick loop.
func (s *Server) Start() error {
	runID, err := s.journal.StartRun(s.startTime)
	if err != nil {
		return err
	}
	s.runID = runID

	if replayPath, err := s.config.GetReplayPath(); err == nil && replayPath != "" {
		rec, err := CreateRecording(replayPath, s.config.TickRate())
		if err != nil {
			return err
		}
		s.recorder = rec
		log.Printf("Recording replay to %s", replayPath)
	}

	// Internal metrics server. Never expose this publicly.
	if s.config.Server.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", s.metrics.Handler())
			mux.HandleFunc("/health", s.HealthHandler)
			addr := fmt.Sprintf(":%d", s.config.Server.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health)", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if s.httpSrv != nil {
		ln, err := net.Listen("tcp", s.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("failed to bind WebSocket listener: %w", err)
		}
		s.wsListener = ln
		go func() {
			log.Printf("WebSocket server listening on %s (/ws)", ln.Addr())
			if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				errorLog.Printf("WebSocket server error: %v", err)
			}
		}()
	}

	if udp, ok := s.transport.(*transport.UDPServer); ok {
		log.Printf("UDP server listening on %s", udp.LocalAddr())
	}

	s.wg.Add(1)
	go s.tickLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)
	s.wg.Wait()

	// Tell every client the session is over before the transport goes
	// away.
	s.notifyClientsOfShutdown()

	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	if err := s.transport.Close(); err != nil {
		log.Printf("Transport close error: %v", err)
	}

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Printf("Replay close error: %v", err)
		}
	}

	now := time.Now()
	for _, sessionID := range s.sessions {
		s.journal.SessionClosed(sessionID, "server shutdown", now)
	}
	if err := s.journal.EndRun(s.runID, s.repl.Frame(), now); err != nil {
		log.Printf("Journal error: %v", err)
	}
	if err := s.journal.Close(); err != nil {
		log.Printf("Journal close error: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown sends a Disconnection to all connected clients
func (s *Server) notifyClientsOfShutdown() {
	sent := 0
	s.repl.EachClient(func(c *replication.ConnectedClient) {
		if err := s.transport.Send(&protocol.Disconnection{}, c.Addr); err == nil {
			sent++
		}
	})
	if sent > 0 {
		log.Printf("Shutdown notification sent to %d clients", sent)
	}
}

// tickLoop drives the fixed-rate simulation until shutdown
func (s *Server) tickLoop() {
	defer s.wg.Done()

	rate := s.config.TickRate()
	dt := float32(1.0 / float64(rate))
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.tick(dt, rate)
		}
	}
}

// tick runs one receive/step/send cycle plus the bookkeeping around it
func (s *Server) tick(dt float32, rate int) {
	start := time.Now()

	s.repl.Receive()
	s.journalSessionChanges(start)

	s.world.Step(dt)
	s.world.Flush()
	s.repl.Send()

	if s.recorder != nil {
		snapshot := s.repl.Snapshot()
		msgs := make([]protocol.Message, len(snapshot))
		for i, u := range snapshot {
			msgs[i] = u
		}
		if err := s.recorder.WriteFrame(s.repl.Frame(), msgs); err != nil {
			errorLog.Printf("Replay write failed, recording stopped: %v", err)
			s.recorder.Close()
			s.recorder = nil
		}
	}

	s.metrics.RecordTick(time.Since(start))

	frame := s.repl.Frame()
	s.healthFrame.Store(frame)
	s.healthClients.Store(int64(s.repl.ClientCount()))
	if frame%uint64(rate) == 0 { // once a second
		s.metrics.SetClients(s.repl.ClientCount())
		s.metrics.SetEntities(s.world.Count())
		if st, ok := s.transport.(interface{ Stats() *transport.Stats }); ok {
			s.metrics.SetTransportStats(st.Stats())
		}
		s.repl.EachClient(func(c *replication.ConnectedClient) {
			if c.Ping > 0 {
				s.metrics.RecordPing(c.Ping)
			}
		})
	}
	if frame%uint64(5*rate) == 0 { // every 5 seconds
		log.Printf("[METRICS] Frame %d, clients: %d, entities: %d",
			frame, s.repl.ClientCount(), s.world.Count())
	}
}

// journalSessionChanges diffs the connected set against the journal and
// records joins and leaves
func (s *Server) journalSessionChanges(now time.Time) {
	seen := make(map[uint64]bool, len(s.sessions))
	s.repl.EachClient(func(c *replication.ConnectedClient) {
		seen[c.ID] = true
		if _, ok := s.sessions[c.ID]; !ok {
			s.sessions[c.ID] = s.journal.SessionConnected(s.runID, c.ID, c.Addr.String(), now)
		}
	})
	for id, sessionID := range s.sessions {
		if !seen[id] {
			s.journal.SessionClosed(sessionID, "disconnected", now)
			delete(s.sessions, id)
		}
	}
}

// GameAddr returns the bound game transport address, for logs and tests.
// UDP reports the actual socket address, so port 0 configs resolve to the
// kernel-assigned port.
func (s *Server) GameAddr() string {
	if udp, ok := s.transport.(*transport.UDPServer); ok {
		return udp.LocalAddr().String()
	}
	if s.wsListener != nil {
		return s.wsListener.Addr().String()
	}
	return ""
}

// HealthHandler reports basic liveness for the metrics listener
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"frame":   s.healthFrame.Load(),
		"clients": s.healthClients.Load(),
	})
}
