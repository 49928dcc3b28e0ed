// Package rollback is the GGPO-style alternative to the
// server-authoritative strategy: every peer keeps a frame-indexed ring
// of world states and per-player inputs, predicts missing remote inputs
// by repeating the last known one, and resimulates from the divergence
// point when a late input arrives.
package rollback

import (
	"fmt"
	"sync"

	"github.com/udisondev/netstep/internal/config"
	"github.com/udisondev/netstep/internal/game"
)

// Session is one peer's rollback state. It shares the game contract
// with the server-authoritative strategy; only the orchestration
// differs.
//
// Safe for concurrent use.
type Session[W, I, A any] struct {
	mu sync.Mutex

	g              game.Game[W, I, A]
	localID        string
	tickIntervalMs float64

	historySize int
	inputDelay  int

	frame        uint64 // current frame F
	confirmed    uint64 // confirmed frame C <= F; resimulation never crosses it
	hasConfirmed bool   // no frame is confirmed yet before the first Confirm

	// worlds[f % historySize] holds the world at frame f, valid while
	// f is within the history window.
	worlds []frameWorld[W]

	players map[string]*playerInputs[I]
}

type frameWorld[W any] struct {
	frame uint64
	world W
	valid bool
}

type playerInputs[I any] struct {
	byFrame map[uint64]I
	last    I
	hasLast bool
}

// NewSession creates a rollback session seeded with the world at frame
// 0. localID is this peer's player id; cfg supplies the history window
// and input delay.
func NewSession[W, I, A any](g game.Game[W, I, A], world W, localID string, tickIntervalMs float64, cfg config.Rollback) *Session[W, I, A] {
	historySize := cfg.HistorySize
	if historySize < 2 {
		historySize = 60
	}
	inputDelay := cfg.InputDelay
	if inputDelay < 0 {
		inputDelay = 0
	}

	s := &Session[W, I, A]{
		g:              g,
		localID:        localID,
		tickIntervalMs: tickIntervalMs,
		historySize:    historySize,
		inputDelay:     inputDelay,
		worlds:         make([]frameWorld[W], historySize),
		players:        make(map[string]*playerInputs[I]),
	}
	s.storeWorld(0, world)
	s.playerFor(localID)
	return s
}

// AddPlayer registers a remote player. Their missing inputs predict as
// idle until the first real input arrives.
func (s *Session[W, I, A]) AddPlayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playerFor(id)
}

// RemovePlayer drops a player's input history.
func (s *Session[W, I, A]) RemovePlayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
}

// Frame returns the current frame F.
func (s *Session[W, I, A]) Frame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// ConfirmedFrame returns the confirmed frame C.
func (s *Session[W, I, A]) ConfirmedFrame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// QueueLocalInput schedules the local input for frame F + inputDelay,
// the standard rollback trick that gives the network a head start so
// remote peers usually have the input before they need it.
func (s *Session[W, I, A]) QueueLocalInput(in I) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.frame + uint64(s.inputDelay)
	p := s.playerFor(s.localID)
	p.byFrame[target] = in
	return target
}

// AddRemoteInput records a remote player's input for a frame. A late
// input for a frame at or below the confirmed frame is discarded; a
// late input for an unconfirmed past frame triggers resimulation from
// that frame to the current one.
func (s *Session[W, I, A]) AddRemoteInput(id string, frame uint64, in I) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasConfirmed && frame <= s.confirmed {
		return nil // too late to matter; the frame is authoritative
	}

	p := s.playerFor(id)
	p.byFrame[frame] = in

	if frame < s.frame {
		return s.resimulate(frame)
	}
	return nil
}

// Advance steps the world from frame F to F+1 and returns the new
// world. Remote players without an input for F reuse their last known
// input (prediction); the local player's delayed inputs land frames
// ahead of when they were queued.
func (s *Session[W, I, A]) Advance() (W, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.worldAt(s.frame)
	if !ok {
		var zero W
		return zero, fmt.Errorf("world for frame %d left the history window", s.frame)
	}

	next := s.g.Simulate(w, s.inputsAt(s.frame), s.tickIntervalMs)
	s.frame++
	s.storeWorld(s.frame, next)
	return next, nil
}

// Confirm marks frame as authoritative: the confirmed frame advances
// and input history below it is trimmed. Resimulation never reaches at
// or below the confirmed frame again.
func (s *Session[W, I, A]) Confirm(frame uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasConfirmed && frame <= s.confirmed {
		return
	}
	if frame > s.frame {
		frame = s.frame
	}
	s.confirmed = frame
	s.hasConfirmed = true

	for _, p := range s.players {
		// Keep the newest trimmed input as the prediction source
		// before dropping history below the confirmed frame.
		var newest uint64
		var haveNewest bool
		for f := range p.byFrame {
			if f < s.confirmed && (!haveNewest || f > newest) {
				newest, haveNewest = f, true
			}
		}
		if haveNewest {
			p.last = p.byFrame[newest]
			p.hasLast = true
		}
		for f := range p.byFrame {
			if f < s.confirmed {
				delete(p.byFrame, f)
			}
		}
	}
}

// WorldAt returns the stored world for a frame still inside the history
// window.
func (s *Session[W, I, A]) WorldAt(frame uint64) (W, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worldAt(frame)
}

// resimulate replays frames [from, F) on top of the stored world at
// from, overwriting the stored results. Caller holds the lock.
func (s *Session[W, I, A]) resimulate(from uint64) error {
	if s.hasConfirmed && from < s.confirmed {
		from = s.confirmed
	}
	w, ok := s.worldAt(from)
	if !ok {
		return fmt.Errorf("world for frame %d left the history window", from)
	}
	for f := from; f < s.frame; f++ {
		w = s.g.Simulate(w, s.inputsAt(f), s.tickIntervalMs)
		s.storeWorld(f+1, w)
	}
	return nil
}

// inputsAt assembles the input map for a frame: the recorded input
// where one exists, the most recent earlier input otherwise (repeated
// as the prediction), idle when nothing was ever seen. Pure over the
// retained history, so resimulation reproduces exactly what the
// original advance computed. Caller holds the lock.
func (s *Session[W, I, A]) inputsAt(frame uint64) map[string]I {
	inputs := make(map[string]I, len(s.players))
	for id, p := range s.players {
		if in, ok := p.byFrame[frame]; ok {
			inputs[id] = in
			continue
		}
		var bestFrame uint64
		var bestIn I
		found := false
		for f, in := range p.byFrame {
			if f < frame && (!found || f > bestFrame) {
				bestFrame, bestIn, found = f, in, true
			}
		}
		switch {
		case found:
			inputs[id] = bestIn
		case p.hasLast: // history below the confirmed frame was trimmed
			inputs[id] = p.last
		default:
			inputs[id] = s.g.CreateIdleInput()
		}
	}
	return inputs
}

func (s *Session[W, I, A]) playerFor(id string) *playerInputs[I] {
	p := s.players[id]
	if p == nil {
		p = &playerInputs[I]{byFrame: make(map[uint64]I)}
		s.players[id] = p
	}
	return p
}

func (s *Session[W, I, A]) storeWorld(frame uint64, w W) {
	s.worlds[frame%uint64(s.historySize)] = frameWorld[W]{frame: frame, world: w, valid: true}
}

func (s *Session[W, I, A]) worldAt(frame uint64) (W, bool) {
	fw := s.worlds[frame%uint64(s.historySize)]
	if !fw.valid || fw.frame != frame {
		var zero W
		return zero, false
	}
	return fw.world, true
}
