// Command spacefray-bot connects one or more automated pilots to a server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/halvden/spacefray/pkg/botlib"
)

func main() {
	serverURL := flag.String("server", "udp://localhost:34244", "Server URL (udp://host:port or ws://host:port/ws)")
	count := flag.Int("count", 1, "Number of bots to fly")
	tickRate := flag.Int("tick-rate", 60, "Client frames per second")
	seed := flag.Int64("seed", 0, "Steering seed (0 = random)")
	flag.Parse()

	if *count < 1 {
		log.Fatalf("Need at least one bot, got %d", *count)
	}

	bots := make([]*botlib.Bot, *count)
	for i := range bots {
		cfg := botlib.Config{
			Server:   *serverURL,
			Name:     fmt.Sprintf("bot-%d", i+1),
			TickRate: *tickRate,
		}
		if *seed != 0 {
			cfg.Seed = *seed + int64(i)
		}
		bots[i] = botlib.New(cfg)
	}

	var wg sync.WaitGroup
	for i, bot := range bots {
		wg.Add(1)
		go func(i int, bot *botlib.Bot) {
			defer wg.Done()
			if err := bot.Run(); err != nil {
				log.Printf("Bot %d exited: %v", i+1, err)
			}
		}(i, bot)
	}
	log.Printf("%d bot(s) flying against %s. Press Ctrl+C to stop.", *count, *serverURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutdown signal received")
	for _, bot := range bots {
		bot.Stop()
	}
	wg.Wait()
}
