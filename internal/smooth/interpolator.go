// Package smooth is the presentation layer: snapshot interpolation for
// remote entities, per-entity tick smoothing, and the decaying visual
// offset that hides local reconciliation corrections.
package smooth

import (
	"sync"

	"github.com/udisondev/netstep/internal/snapshot"
)

const (
	// interpolatorCap holds ~1 s of snapshots at 20 Hz; generous
	// jitter tolerance.
	interpolatorCap = 20

	// maxExtrapolationAlpha bounds how far past the newest pair the
	// interpolator will project when the next snapshot is late.
	maxExtrapolationAlpha = 2.0
)

type interpEntry[W any] struct {
	snap       snapshot.Snapshot[W]
	receivedAt float64
}

// Interpolator renders remote entities in the past by blending buffered
// snapshots. Entries are aligned by client receipt time, not server
// timestamp, so clock skew between the machines cannot distort the
// render timeline.
//
// Safe for concurrent use.
type Interpolator[W any] struct {
	mu      sync.Mutex
	lerp    func(from, to W, alpha float64) W
	delayMs float64
	entries []interpEntry[W]
}

// NewInterpolator creates an interpolator rendering delayMs in the past
// through the game's blend function.
func NewInterpolator[W any](lerp func(from, to W, alpha float64) W, delayMs float64) *Interpolator[W] {
	return &Interpolator[W]{
		lerp:    lerp,
		delayMs: delayMs,
		entries: make([]interpEntry[W], 0, interpolatorCap),
	}
}

// Add buffers a snapshot stamped with the client wall clock at arrival.
// Snapshots whose tick is at or below the newest buffered tick are
// discarded so the
// ring stays tick-monotonic; the oldest entry is evicted once the ring
// is full.
func (ip *Interpolator[W]) Add(s snapshot.Snapshot[W], receivedAt float64) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if n := len(ip.entries); n > 0 && s.Tick <= ip.entries[n-1].snap.Tick {
		return
	}
	if len(ip.entries) >= interpolatorCap {
		copy(ip.entries, ip.entries[1:])
		ip.entries = ip.entries[:len(ip.entries)-1]
	}
	ip.entries = append(ip.entries, interpEntry[W]{snap: s, receivedAt: receivedAt})
}

// Len returns the number of buffered snapshots.
func (ip *Interpolator[W]) Len() int {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return len(ip.entries)
}

// StateAt returns the world to render at the given wall clock, i.e. the
// buffered timeline sampled at now - interpolationDelay.
//
//   - render time before all entries: the oldest state, unmodified
//   - render time between two entries: strict interpolation, alpha
//     clamped to [0,1]
//   - render time past all entries: brief controlled extrapolation from
//     the two newest entries
func (ip *Interpolator[W]) StateAt(now float64) (W, bool) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	var zero W
	n := len(ip.entries)
	if n == 0 {
		return zero, false
	}
	if n == 1 {
		return ip.entries[0].snap.State, true
	}

	renderTime := now - ip.delayMs

	if renderTime <= ip.entries[0].receivedAt {
		return ip.entries[0].snap.State, true
	}

	last := ip.entries[n-1]
	if renderTime >= last.receivedAt {
		from, to := ip.entries[n-2], last
		span := to.receivedAt - from.receivedAt
		if span <= 0 {
			return to.snap.State, true
		}
		alpha := (renderTime - from.receivedAt) / span
		if alpha > maxExtrapolationAlpha {
			alpha = maxExtrapolationAlpha
		}
		return ip.lerp(from.snap.State, to.snap.State, alpha), true
	}

	for i := 1; i < n; i++ {
		from, to := ip.entries[i-1], ip.entries[i]
		if renderTime > to.receivedAt {
			continue
		}
		alpha := 0.0
		if span := to.receivedAt - from.receivedAt; span > 0 {
			alpha = (renderTime - from.receivedAt) / span
		}
		if alpha < 0 {
			alpha = 0
		} else if alpha > 1 {
			alpha = 1
		}
		return ip.lerp(from.snap.State, to.snap.State, alpha), true
	}

	return last.snap.State, true
}

// Clear drops all buffered snapshots, e.g. on a server reset.
func (ip *Interpolator[W]) Clear() {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.entries = ip.entries[:0]
}
