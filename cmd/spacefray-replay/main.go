// Command spacefray-replay inspects a match recording without a server.
// By default it prints a summary; -frames dumps per-frame traffic and
// -entity follows one replicated entity through the match.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/halvden/spacefray/pkg/protocol"
	"github.com/halvden/spacefray/pkg/server"
)

func main() {
	showFrames := flag.Bool("frames", false, "Print one line per recorded frame")
	followID := flag.Uint64("entity", 0, "Follow one replicated entity id through the match")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <match.replay>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	replay, err := server.OpenReplay(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open replay: %v", err)
	}
	defer replay.Close()

	var frames, updates, deletes, peakLive int
	var firstFrame, lastFrame uint64
	byKind := map[protocol.EntityKind]int{}
	live := map[uint64]protocol.EntityKind{}
	everSeen := map[uint64]bool{}

	for {
		frame, msgs, err := replay.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("Frame %d: %v", frames+1, err)
		}

		if frames == 0 {
			firstFrame = frame
		}
		lastFrame = frame
		frames++

		frameUpdates, frameDeletes := 0, 0
		for _, msg := range msgs {
			switch m := msg.(type) {
			case *protocol.EntityUpdate:
				updates++
				frameUpdates++
				byKind[m.Kind]++
				live[m.ID] = m.Kind
				everSeen[m.ID] = true
				if m.ID == *followID {
					describeEntity(frame, m)
				}
			case *protocol.EntityDelete:
				deletes++
				frameDeletes++
				delete(live, m.ID)
				if m.ID == *followID {
					fmt.Printf("frame %6d  deleted\n", frame)
				}
			}
		}
		if len(live) > peakLive {
			peakLive = len(live)
		}

		if *showFrames {
			fmt.Printf("frame %6d  updates=%-4d deletes=%-4d live=%d\n",
				frame, frameUpdates, frameDeletes, len(live))
		}
	}

	if frames == 0 {
		log.Fatalf("Replay holds no frames")
	}

	rate := replay.TickRate()
	wall := time.Duration(lastFrame-firstFrame) * time.Second / time.Duration(rate)

	fmt.Printf("\n%s\n", flag.Arg(0))
	fmt.Printf("  tick rate:  %d fps\n", rate)
	fmt.Printf("  frames:     %d (%d..%d, ~%v of play)\n", frames, firstFrame, lastFrame, wall.Round(time.Second))
	fmt.Printf("  updates:    %d", updates)
	for _, kind := range []protocol.EntityKind{protocol.KindShip, protocol.KindAsteroid, protocol.KindProjectile} {
		if n := byKind[kind]; n > 0 {
			fmt.Printf("  %s=%d", kind, n)
		}
	}
	fmt.Printf("\n")
	fmt.Printf("  deletes:    %d\n", deletes)
	fmt.Printf("  entities:   %d seen, %d peak live, %d live at end\n", len(everSeen), peakLive, len(live))
}

// describeEntity prints one followed entity's state for a frame. Unknown or
// malformed states are reported, not fatal; the rest of the replay still
// prints.
func describeEntity(frame uint64, m *protocol.EntityUpdate) {
	switch m.Kind {
	case protocol.KindShip:
		var s protocol.ShipState
		if err := s.Decode(m.State); err != nil {
			fmt.Printf("frame %6d  ship: bad state: %v\n", frame, err)
			return
		}
		fmt.Printf("frame %6d  ship pos=(%.1f,%.1f) vel=(%.1f,%.1f) rot=%.2f thrust=(%.2f,%.2f)\n",
			frame, s.Pos[0], s.Pos[1], s.Vel[0], s.Vel[1], s.Rot, s.Thrust[0], s.Thrust[1])
	case protocol.KindAsteroid:
		var s protocol.BodyState
		if err := s.Decode(m.State); err != nil {
			fmt.Printf("frame %6d  asteroid: bad state: %v\n", frame, err)
			return
		}
		fmt.Printf("frame %6d  asteroid pos=(%.1f,%.1f) vel=(%.1f,%.1f)\n",
			frame, s.Pos[0], s.Pos[1], s.Vel[0], s.Vel[1])
	case protocol.KindProjectile:
		var s protocol.ProjectileState
		if err := s.Decode(m.State); err != nil {
			fmt.Printf("frame %6d  projectile: bad state: %v\n", frame, err)
			return
		}
		fmt.Printf("frame %6d  projectile pos=(%.1f,%.1f) vel=(%.1f,%.1f)\n",
			frame, s.Pos[0], s.Pos[1], s.Vel[0], s.Vel[1])
	default:
		fmt.Printf("frame %6d  %s (%d state bytes)\n", frame, m.Kind, len(m.State))
	}
}
