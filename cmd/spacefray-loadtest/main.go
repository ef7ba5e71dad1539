package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/halvden/spacefray/pkg/client"
)

// joinTimeout bounds how long a client waits for its ship grant before the
// attempt counts as failed.
const joinTimeout = 10 * time.Second

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	controlsSent  atomic.Int64
	joined        atomic.Int64 // clients that received a ship
	joinFailures  atomic.Int64
	sessionsEnded atomic.Int64 // server-side disconnects during the run

	totalJoinTime atomic.Int64 // in microseconds

	// RTT samples taken by clients during the steady state
	pingSamples atomic.Int64
	pingTotal   atomic.Int64 // in microseconds

	// Join failure breakdown
	joinDialFailed   atomic.Int64
	joinTimedOut     atomic.Int64
	joinSessionEnded atomic.Int64
}

func (s *Stats) recordJoin(d time.Duration) {
	s.joined.Add(1)
	s.totalJoinTime.Add(d.Microseconds())
}

func (s *Stats) recordPing(d time.Duration) {
	if d <= 0 {
		return
	}
	s.pingSamples.Add(1)
	s.pingTotal.Add(d.Microseconds())
}

func (s *Stats) snapshot() (joined, failed, sent int64, avgJoinUs, avgPingUs float64) {
	joined = s.joined.Load()
	failed = s.joinFailures.Load()
	sent = s.controlsSent.Load()

	if joined > 0 {
		avgJoinUs = float64(s.totalJoinTime.Load()) / float64(joined)
	}
	if n := s.pingSamples.Load(); n > 0 {
		avgPingUs = float64(s.pingTotal.Load()) / float64(n)
	}

	return
}

// loadClient is one fake pilot hammering the server with control traffic
type loadClient struct {
	id    int
	cli   *client.GameClient
	rng   *rand.Rand
	stats *Stats
}

func newLoadClient(id int, serverURL string, tickRate int, stats *Stats) (*loadClient, error) {
	cli, err := client.Dial(serverURL, client.Options{
		TickRate: tickRate,
		Logger:   debugLogger,
	})
	if err != nil {
		stats.joinDialFailed.Add(1)
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &loadClient{
		id:    id,
		cli:   cli,
		rng:   rand.New(rand.NewSource(int64(id) + time.Now().UnixNano())),
		stats: stats,
	}, nil
}

// join blocks until the server grants this client a ship or the attempt
// times out. The replication loop is already running when it is called.
func (lc *loadClient) join(errCh <-chan error) error {
	deadline := time.After(joinTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if lc.cli.Status().HasShip {
				return nil
			}
		case err := <-errCh:
			lc.stats.joinSessionEnded.Add(1)
			return fmt.Errorf("session ended while joining: %w", err)
		case <-deadline:
			lc.stats.joinTimedOut.Add(1)
			return fmt.Errorf("no ship after %v", joinTimeout)
		}
	}
}

// steer pushes one random control intent at the server
func (lc *loadClient) steer() {
	lc.cli.SetControls(client.Controls{
		Fire:   lc.rng.Intn(10) == 0,
		Thrust: [2]float32{0, lc.rng.Float32()},
		Rot:    lc.rng.Float32()*2 - 1,
		Aim:    [2]float32{lc.rng.Float32()*200 - 100, lc.rng.Float32()*200 - 100},
	})
	lc.stats.controlsSent.Add(1)
}

// run drives the control loop for the test duration, then leaves cleanly.
// shutdownDelay staggers departures so the server does not absorb every
// disconnect in one tick.
func (lc *loadClient) run(duration, minDelay, maxDelay, shutdownDelay time.Duration, disconnectTimes chan<- time.Time) {
	defer lc.cli.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- lc.cli.Run() }()

	joinStart := time.Now()
	if err := lc.join(errCh); err != nil {
		lc.stats.joinFailures.Add(1)
		debugLogger.Printf("[client %d] join failed: %v", lc.id, err)
		lc.cli.Stop()
		return
	}
	lc.stats.recordJoin(time.Since(joinStart))

	if lc.id%100 == 0 {
		log.Printf("[Client %d] joined in %v", lc.id, time.Since(joinStart).Round(time.Millisecond))
	}

	end := time.Now().Add(duration)
	lastPingSample := time.Now()
	for time.Now().Before(end) {
		select {
		case <-errCh:
			// Server dropped us mid-run
			lc.stats.sessionsEnded.Add(1)
			return
		default:
		}

		lc.steer()

		if time.Since(lastPingSample) >= 5*time.Second {
			lc.stats.recordPing(lc.cli.Status().Ping)
			lastPingSample = time.Now()
		}

		delay := minDelay + time.Duration(lc.rng.Int63n(int64(maxDelay-minDelay)))
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	lc.cli.Stop()
	<-errCh

	select {
	case disconnectTimes <- time.Now():
	default:
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for per-client detail
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	// Command-line flags
	serverURL := flag.String("server", "udp://localhost:34244", "Server URL (udp://host:port or ws://host:port/ws)")
	numClients := flag.Int("clients", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	tickRate := flag.Int("tick-rate", 60, "Client frames per second")
	minDelay := flag.Duration("min-delay", 50*time.Millisecond, "Minimum delay between control updates")
	maxDelay := flag.Duration("max-delay", 200*time.Millisecond, "Maximum delay between control updates")
	flag.Parse()

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Per-client detail in loadtest_debug.log")

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverURL)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Control delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				joined, failed, sent, avgJoinUs, avgPingUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(sent) / elapsed
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d joined, %d failed, %d controls (%.1f/s), join %.1fms, ping %.2fms, load %.2f, goroutines %d",
					joined, failed, sent, rate, avgJoinUs/1000.0, avgPingUs/1000.0, load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	// Track ramp-up and ramp-down timing
	rampUpStart := time.Now()
	var firstConnectTime, lastConnectTime atomic.Value
	var firstDisconnectTime, lastDisconnectTime atomic.Value
	connectTimes := make(chan time.Time, *numClients)
	disconnectTimes := make(chan time.Time, *numClients)

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this client (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			lc, err := newLoadClient(id, *serverURL, *tickRate, stats)
			if err != nil {
				stats.joinFailures.Add(1)
				debugLogger.Printf("[client %d] %v", id, err)
				return
			}

			select {
			case connectTimes <- time.Now():
			default:
			}

			lc.run(*duration, *minDelay, *maxDelay, shutdownDelay, disconnectTimes)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		time.Sleep(staggerDelay)
	}

	// Track connection and disconnection times in background
	go func() {
		for t := range connectTimes {
			if firstConnectTime.Load() == nil {
				firstConnectTime.Store(t)
			}
			lastConnectTime.Store(t)
		}
	}()

	go func() {
		for t := range disconnectTimes {
			if firstDisconnectTime.Load() == nil {
				firstDisconnectTime.Store(t)
			}
			lastDisconnectTime.Store(t)
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		close(stopStats)
	}()

	// Wait for all clients to finish
	wg.Wait()
	select {
	case <-stopStats:
	default:
		close(stopStats)
	}
	close(connectTimes)
	close(disconnectTimes)

	// Check ramp-up timing
	if lastConnectTime.Load() != nil && firstConnectTime.Load() != nil {
		first := firstConnectTime.Load().(time.Time)
		last := lastConnectTime.Load().(time.Time)
		actualRampUp := last.Sub(first)
		expectedRampUp := rampUpDuration

		tolerance := 1 * time.Second
		withinTolerance := actualRampUp >= expectedRampUp-tolerance && actualRampUp <= expectedRampUp+tolerance

		status := "✓"
		if !withinTolerance {
			status = "✗"
		}

		log.Printf("\n%s Ramp-up timing: expected %v, took %v (first: %v, last: %v)",
			status, expectedRampUp.Round(time.Second), actualRampUp.Round(time.Second),
			first.Sub(rampUpStart).Round(time.Millisecond), last.Sub(rampUpStart).Round(time.Millisecond))
	}

	// Check ramp-down timing
	if lastDisconnectTime.Load() != nil && firstDisconnectTime.Load() != nil {
		first := firstDisconnectTime.Load().(time.Time)
		last := lastDisconnectTime.Load().(time.Time)
		actualRampDown := last.Sub(first)
		expectedRampDown := rampUpDuration // Same as ramp-up

		tolerance := 1 * time.Second
		withinTolerance := actualRampDown >= expectedRampDown-tolerance && actualRampDown <= expectedRampDown+tolerance

		status := "✓"
		if !withinTolerance {
			status = "✗"
		}

		log.Printf("%s Ramp-down timing: expected %v, took %v (first: %v after start, last: %v after start)",
			status, expectedRampDown.Round(time.Second), actualRampDown.Round(time.Second),
			first.Sub(rampUpStart).Round(time.Second), last.Sub(rampUpStart).Round(time.Second))
	}

	// Final stats
	joined, failed, sent, avgJoinUs, avgPingUs := stats.snapshot()
	sessionsEnded := stats.sessionsEnded.Load()
	totalDuration := *duration
	rate := float64(sent) / totalDuration.Seconds()

	// Calculate expected throughput based on joined clients
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(totalDuration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(joined)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(sent) / expectedTotal * 100
	}

	// Join failure breakdown
	dialFails := stats.joinDialFailed.Load()
	joinTimeouts := stats.joinTimedOut.Load()
	joinEnded := stats.joinSessionEnded.Load()

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d joined (%.1f%%)", *numClients, joined, float64(joined)/float64(*numClients)*100)
	log.Printf("Duration: %v", totalDuration)
	log.Printf("Controls sent: %d (%.1f/s)", sent, rate)
	log.Printf("Average join time: %.1fms", avgJoinUs/1000.0)
	log.Printf("Average ping: %.2fms (%d samples)", avgPingUs/1000.0, stats.pingSamples.Load())
	log.Printf("Dropped mid-run: %d", sessionsEnded)
	if failed > 0 {
		log.Printf("Join failures: %d", failed)
		log.Printf("  - Dial failed: %d", dialFails)
		log.Printf("  - Timed out waiting for ship: %d", joinTimeouts)
		log.Printf("  - Session ended while joining: %d", joinEnded)
	}
	log.Printf("Expected throughput: %.0f controls (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)
}
