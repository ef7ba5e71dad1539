// Package botlib drives automated pilots against a spacefray server. It is
// used by the bot command for soak testing and by anyone who wants cheap
// traffic on a server without warm bodies at the controls.
package botlib

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/halvden/spacefray/pkg/client"
	"github.com/halvden/spacefray/pkg/sim"
)

// Config holds the bot configuration.
type Config struct {
	// Server URL (udp://host:port or ws://host:port/ws)
	Server string

	// Name used as the log prefix (default: "bot")
	Name string

	// TickRate in frames per second (default: 60)
	TickRate int

	// Seed for the steering randomness. Zero seeds from the clock, so two
	// bots started together still fly apart.
	Seed int64

	// Logger for status output (optional, defaults to stdout)
	Logger *log.Logger
}

// Bot flies one ship on a spacefray server. It joins, wanders, shoots at
// asteroids, and reports its state once a second until stopped.
type Bot struct {
	config Config
	logger *log.Logger
	rng    *rand.Rand

	// Steering state. Only the client tick loop touches these.
	frame     int
	turn      float32
	thrust    float32
	steerLeft int
	burstLeft int
	coolLeft  int
	aim       [2]float32

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Bot with the given configuration.
func New(config Config) *Bot {
	if config.Name == "" {
		config.Name = "bot"
	}
	if config.TickRate <= 0 {
		config.TickRate = 60
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "["+config.Name+"] ", log.LstdFlags)
	}

	return &Bot{
		config: config,
		logger: config.Logger,
		rng:    rand.New(rand.NewSource(config.Seed)),
		stopCh: make(chan struct{}),
	}
}

// Run connects to the server and flies until Stop is called or the server
// ends the session. It returns client.ErrSessionEnded in the latter case.
func (b *Bot) Run() error {
	b.logger.Printf("connecting to %s", b.config.Server)
	cli, err := client.Dial(b.config.Server, client.Options{
		TickRate: b.config.TickRate,
	})
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer cli.Close()

	cli.OnTick(func(w *sim.World) { b.pilot(cli, w) })

	errCh := make(chan error, 1)
	go func() { errCh <- cli.Run() }()

	select {
	case <-b.stopCh:
		b.logger.Printf("stop requested")
		cli.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, client.ErrSessionEnded) {
			b.logger.Printf("server ended the session")
		}
		return err
	}
}

// Stop gracefully stops the bot. Safe to call more than once.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// pilot runs once per client frame on the tick goroutine. The strategy is
// deliberately dumb: hold a heading for a while, then pick a new one, and
// squeeze off a burst at the nearest asteroid whenever the cooldown allows.
func (b *Bot) pilot(cli *client.GameClient, w *sim.World) {
	b.frame++
	status := cli.Status()
	if !status.HasShip {
		return
	}

	if b.steerLeft <= 0 {
		b.turn = b.rng.Float32()*2 - 1
		b.thrust = 0.2 + 0.8*b.rng.Float32()
		b.steerLeft = b.seconds(1, 4)
	}
	b.steerLeft--

	fire := false
	if b.burstLeft > 0 {
		fire = true
		b.burstLeft--
		if b.burstLeft == 0 {
			b.coolLeft = b.seconds(1, 3)
		}
	} else if b.coolLeft > 0 {
		b.coolLeft--
	} else if target, ok := b.nearestAsteroid(w, status.ShipPos); ok {
		b.aim = target
		b.burstLeft = b.seconds(0.25, 0.75)
	}

	cli.SetControls(client.Controls{
		Fire:   fire,
		Thrust: [2]float32{0, b.thrust},
		Rot:    b.turn,
		Aim:    b.aim,
	})

	if b.frame%b.config.TickRate == 0 {
		b.logger.Printf("frame=%d ping=%s pos=(%.1f,%.1f) vel=(%.1f,%.1f) entities=%d",
			status.Frame, status.Ping.Round(time.Millisecond),
			status.ShipPos[0], status.ShipPos[1],
			status.ShipVel[0], status.ShipVel[1],
			status.Entities)
	}
}

// nearestAsteroid scans the mirrored world for the closest rock to pos.
func (b *Bot) nearestAsteroid(w *sim.World, pos [2]float32) ([2]float32, bool) {
	var best [2]float32
	bestDist := float32(math.MaxFloat32)
	found := false
	w.Each(func(e sim.Entity) {
		if w.Kind(e) != sim.KindAsteroid {
			return
		}
		p := w.Body(e).Pos
		dx, dy := p[0]-pos[0], p[1]-pos[1]
		if d := dx*dx + dy*dy; d < bestDist {
			bestDist = d
			best = p
			found = true
		}
	})
	return best, found
}

// seconds converts a random duration in [lo, hi) seconds to whole frames.
func (b *Bot) seconds(lo, hi float64) int {
	s := lo + (hi-lo)*b.rng.Float64()
	n := int(s * float64(b.config.TickRate))
	if n < 1 {
		n = 1
	}
	return n
}
