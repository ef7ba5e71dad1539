// Command spacefray-server runs the authoritative game server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/halvden/spacefray/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.spacefray/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		server.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Game traffic on %s (%s), tick rate %d",
		srv.GameAddr(), config.Server.Transport, config.TickRate())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
