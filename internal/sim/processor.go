// Package sim runs the deterministic whole-world tick step.
package sim

import (
	"sort"

	"github.com/udisondev/netstep/internal/game"
	"github.com/udisondev/netstep/internal/input"
)

// Processor merges each client's pending inputs for the tick and
// advances the world through a single Simulate call. Shared world state
// (projectiles, timers) therefore advances exactly once per tick no
// matter how many inputs arrived; per-input simulation calls would
// advance it quadratically.
type Processor[W, I, A any] struct {
	game           game.Game[W, I, A]
	tickIntervalMs float64
}

// NewProcessor creates a processor stepping with the fixed tick
// interval in milliseconds.
func NewProcessor[W, I, A any](g game.Game[W, I, A], tickIntervalMs float64) *Processor[W, I, A] {
	return &Processor[W, I, A]{game: g, tickIntervalMs: tickIntervalMs}
}

// TickIntervalMs returns the fixed step passed to Simulate.
func (p *Processor[W, I, A]) TickIntervalMs() float64 { return p.tickIntervalMs }

// Step advances w by one tick. clients is the set of connected client
// ids; pending maps client id to its queued inputs in seq order.
//
// Every connected client appears in the inputs map handed to Simulate:
// clients without pending inputs get the game's idle input, clients with
// several get them merged. The returned acks map records, per client
// with pending inputs, the highest seq this step consumed.
func (p *Processor[W, I, A]) Step(w W, clients []string, pending map[string][]input.Message[I]) (W, map[string]uint32) {
	ids := make([]string, len(clients))
	copy(ids, clients)
	sort.Strings(ids)

	inputs := make(map[string]I, len(ids))
	acks := make(map[string]uint32, len(pending))

	for _, id := range ids {
		msgs := pending[id]
		if len(msgs) == 0 {
			inputs[id] = p.game.CreateIdleInput()
			continue
		}
		raw := make([]I, len(msgs))
		for i, m := range msgs {
			raw[i] = m.Input
		}
		inputs[id] = game.Merge[W, I, A](p.game, raw)
		acks[id] = msgs[len(msgs)-1].Seq
	}

	return p.game.Simulate(w, inputs, p.tickIntervalMs), acks
}
