// simclient connects N simulated players to a running server and
// drives randomized inputs, for soak testing and demos.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/netstep/internal/client"
	"github.com/udisondev/netstep/internal/config"
	"github.com/udisondev/netstep/internal/platformer"
	"github.com/udisondev/netstep/internal/transport"
)

func main() {
	var (
		url     = flag.String("url", "ws://127.0.0.1:7777/ws", "server websocket URL")
		bots    = flag.Int("bots", 4, "number of simulated players")
		rate    = flag.Int("rate", 60, "input sample rate, Hz (must match server tick rate)")
		shootMs = flag.Int("shoot", 2000, "mean interval between shots, ms (0 disables)")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg := config.DefaultEngine()
	cfg.TickRate = *rate

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *bots; i++ {
		i := i
		eg.Go(func() error { return runBot(ctx, fmt.Sprintf("bot-%d", i), *url, cfg, *shootMs) })
	}
	if err := eg.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func runBot(ctx context.Context, name, url string, cfg config.Engine, shootMs int) error {
	tr := transport.NewWSClient(url)
	cl := client.New[platformer.World, platformer.Input, platformer.ShootAction](platformer.Game{}, tr, cfg)

	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("%s connecting: %w", name, err)
	}
	defer cl.Disconnect()

	slog.Info("bot connected", "bot", name, "player", cl.LocalID())

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(time.Second / time.Duration(cfg.TickRate))
	defer ticker.Stop()

	moveX := 1.0
	nextTurn := time.Now().Add(time.Duration(rng.Intn(3000)) * time.Millisecond)
	nextShot := time.Now().Add(time.Duration(shootMs) * time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			if now.After(nextTurn) {
				moveX = -moveX
				nextTurn = now.Add(time.Duration(500+rng.Intn(3000)) * time.Millisecond)
			}
			in := platformer.Input{MoveX: moveX, Jump: rng.Intn(100) == 0}
			if err := cl.SendInput(in); err != nil {
				slog.Warn("input send failed", "bot", name, "err", err)
			}

			if shootMs > 0 && now.After(nextShot) {
				nextShot = now.Add(time.Duration(shootMs/2+rng.Intn(shootMs)) * time.Millisecond)
				shot := platformer.ShootAction{
					OriginX: 0, OriginY: 0,
					DirX: moveX, DirY: 0,
				}
				if w, ok := cl.StateForRendering(float64(now.UnixNano()) / 1e6); ok {
					if p, found := w.Players[cl.LocalID()]; found {
						shot.OriginX = p.X
						shot.OriginY = p.Y + platformer.PlayerHeight/2
					}
				}
				if err := cl.SendAction(shot); err != nil {
					slog.Warn("action send failed", "bot", name, "err", err)
				}
			}
		}
	}
}
