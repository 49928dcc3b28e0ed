// Package predict re-simulates the local player's slice of the world
// ahead of the server, and rewinds/replays it when authoritative
// snapshots arrive.
package predict

import (
	"sync"

	"github.com/udisondev/netstep/internal/game"
)

// Inter-input delta clamp, milliseconds. A backgrounded tab can report
// seconds between inputs and a burst can report fractions of a
// millisecond; both would desync the predicted slice from anything the
// server will ever compute.
const (
	MinDeltaMs = 1
	MaxDeltaMs = 100
)

// ClampDelta bounds an inter-input delta to [MinDeltaMs, MaxDeltaMs].
func ClampDelta(dtMs float64) float64 {
	if dtMs < MinDeltaMs {
		return MinDeltaMs
	}
	if dtMs > MaxDeltaMs {
		return MaxDeltaMs
	}
	return dtMs
}

// Predictor owns the predicted slice of the world for one local player.
// The slice always corresponds to some base state with a sequence of
// simulation calls applied on top.
//
// Safe for concurrent use.
type Predictor[W, I any] struct {
	mu      sync.Mutex
	scope   game.PredictionScope[W, I]
	localID string
	slice   W
	hasBase bool
}

// NewPredictor creates a predictor for localID over the given scope.
func NewPredictor[W, I any](scope game.PredictionScope[W, I], localID string) *Predictor[W, I] {
	return &Predictor[W, I]{scope: scope, localID: localID}
}

// SetBaseState resets the predicted slice from an authoritative world.
func (p *Predictor[W, I]) SetBaseState(w W) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slice = p.scope.ExtractPredictable(w, p.localID)
	p.hasBase = true
}

// ApplyInput advances the slice by dtMs, clamped to the inter-input
// bounds, and returns the new slice. No-op before the first base state.
func (p *Predictor[W, I]) ApplyInput(in I, dtMs float64) W {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasBase {
		return p.slice
	}
	p.slice = p.scope.SimulatePredicted(p.slice, in, ClampDelta(dtMs), p.localID)
	return p.slice
}

// ApplyInputWithDelta advances the slice by exactly dtMs, unclamped.
// Reconciliation replays use this with the server's fixed tick interval:
// that is the delta the server will apply when it processes the same
// inputs, so the replayed slice converges to the authoritative future.
func (p *Predictor[W, I]) ApplyInputWithDelta(in I, dtMs float64) W {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasBase {
		return p.slice
	}
	p.slice = p.scope.SimulatePredicted(p.slice, in, dtMs, p.localID)
	return p.slice
}

// State returns the current predicted slice.
func (p *Predictor[W, I]) State() (W, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slice, p.hasBase
}

// MergeInto folds the predicted slice into an authoritative world for
// rendering. Before the first base state the server world is returned
// unchanged.
func (p *Predictor[W, I]) MergeInto(server W) W {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasBase {
		return server
	}
	return p.scope.MergePrediction(server, p.slice, p.localID)
}

// Reset drops the base state, e.g. on disconnect or server reset.
func (p *Predictor[W, I]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero W
	p.slice = zero
	p.hasBase = false
}
