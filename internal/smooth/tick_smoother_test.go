package smooth

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/udisondev/netstep/internal/game"
)

const frameMs = 1000.0 / 60.0

func spectatorOpts() Options {
	return Options{
		Mode:              ModeSpectator,
		Interpolation:     2,
		MaxOverBuffer:     3,
		TeleportThreshold: 200,
		SmoothPosition:    true,
	}
}

func at(x float64) game.Transform { return game.Transform{X: x, Scale: 1} }

func TestTickSmoother_TeleportSnapsInOneFrame(t *testing.T) {
	ts := NewTickSmoother(spectatorOpts())
	ts.SnapTo(at(0))

	// Target 500 units away with threshold 200: no easing frames.
	ts.Push(1, at(500))
	got := ts.Step(frameMs)

	require.Equal(t, 500.0, got.X, "teleport must snap within one frame")
}

func TestTickSmoother_NeverMovesMoreThanThreshold(t *testing.T) {
	ts := NewTickSmoother(spectatorOpts())
	ts.SnapTo(at(0))

	prev := 0.0
	for key := uint64(1); key <= 30; key++ {
		ts.Push(key, at(float64(key)*6))
		got := ts.Step(frameMs)
		step := math.Abs(got.X - prev)
		require.LessOrEqual(t, step, 200.0,
			"frame-to-frame movement exceeded the teleport threshold")
		prev = got.X
	}
}

func TestTickSmoother_ConvergesOnStalledStream(t *testing.T) {
	ts := NewTickSmoother(spectatorOpts())
	ts.SnapTo(at(0))

	for key := uint64(1); key <= 5; key++ {
		ts.Push(key, at(float64(key)*10))
	}

	// No further pushes: the queue drains and the presentation eases
	// onto the last queued target.
	var got game.Transform
	for _rangeIdx := 0; _rangeIdx < 60; _rangeIdx++ {
		got = ts.Step(frameMs)
	}
	require.Equal(t, 50.0, got.X)
	require.Equal(t, 0, ts.QueueLen())
}

func TestTickSmoother_StaleKeysDiscarded(t *testing.T) {
	ts := NewTickSmoother(spectatorOpts())
	ts.SnapTo(at(0))

	for key := uint64(1); key <= 4; key++ {
		ts.Push(key, at(float64(key)))
	}
	for _rangeIdx := 0; _rangeIdx < 4; _rangeIdx++ {
		ts.Step(frameMs)
	}

	// Everything up to key 4 has been consumed; a late arrival for an
	// old key must not re-enter the queue.
	before := ts.QueueLen()
	ts.Push(2, at(99))
	require.Equal(t, before, ts.QueueLen())
}

func TestTickSmoother_QueueBounded(t *testing.T) {
	opts := spectatorOpts()
	ts := NewTickSmoother(opts)
	ts.SnapTo(at(0))

	for key := uint64(1); key <= 50; key++ {
		ts.Push(key, at(float64(key)))
	}
	ts.Step(frameMs)

	require.LessOrEqual(t, ts.QueueLen(), opts.Interpolation+opts.MaxOverBuffer)
}

func TestTickSmoother_ReplaceTargetEasesCorrection(t *testing.T) {
	ts := NewTickSmoother(Options{
		Mode:              ModeOwner,
		TeleportThreshold: 200,
		SmoothPosition:    true,
	})
	ts.SnapTo(at(0))

	ts.Push(1, at(10))
	ts.Push(2, at(20))
	ts.Push(3, at(30))

	// Reconciliation rewrites the queued prediction for seq 3.
	ts.ReplaceTarget(3, at(24))

	// Drain to the corrected entry and converge.
	var got game.Transform
	for _rangeIdx := 0; _rangeIdx < 60; _rangeIdx++ {
		got = ts.Step(frameMs)
	}
	require.Equal(t, 24.0, got.X, "presentation must ease into the corrected target")
}

func TestTickSmoother_ReplaceTargetForConsumedKeyDropped(t *testing.T) {
	ts := NewTickSmoother(spectatorOpts())
	ts.SnapTo(at(0))
	ts.Push(1, at(10))
	for _rangeIdx := 0; _rangeIdx < 3; _rangeIdx++ {
		ts.Step(frameMs)
	}

	ts.ReplaceTarget(1, at(99))
	require.Equal(t, 0, ts.QueueLen(), "correction for a consumed key must not requeue")
}

func TestTickSmoother_OwnerModeForcesWindowOfOne(t *testing.T) {
	ts := NewTickSmoother(Options{Mode: ModeOwner, Interpolation: 5})
	require.Equal(t, 1, ts.Interpolation())
}

func TestTickSmoother_ExtrapolatesBriefly(t *testing.T) {
	opts := spectatorOpts()
	opts.Interpolation = 1
	opts.ExtrapolationTicks = 2
	opts.SmoothPosition = false // direct moves make velocity visible
	ts := NewTickSmoother(opts)
	ts.SnapTo(at(0))

	// Steady stream at +10 per tick, then silence.
	ts.Push(1, at(10))
	ts.Push(2, at(20))
	ts.Push(3, at(30))
	ts.Step(frameMs) // consumes 1
	ts.Step(frameMs) // consumes 2
	ts.Step(frameMs) // consumes 3, target 30

	got := ts.Step(frameMs) // queue empty: extrapolate along +10/tick
	require.Greater(t, got.X, 30.0, "extrapolation must project past the last target")

	// Budget exhausted: position holds.
	ts.Step(frameMs)
	held := ts.Step(frameMs)
	again := ts.Step(frameMs)
	require.Equal(t, held.X, again.X, "after the budget the position must hold")
}

func TestTickSmoother_AdaptiveWindowMovesOneStepPerInterval(t *testing.T) {
	opts := spectatorOpts()
	opts.TickIntervalMs = 1000.0 / 60.0
	opts.AdjustIntervalMs = 50
	opts.AdaptiveMin = 1
	opts.AdaptiveMax = 6
	ts := NewTickSmoother(opts)
	ts.SnapTo(at(0))

	// Large steady RTT wants a wide window, but the adjustment may
	// only move one tick per interval.
	for _rangeIdx := 0; _rangeIdx < 10; _rangeIdx++ {
		ts.AddNetworkSample(180)
	}

	require.Equal(t, 2, ts.Interpolation())
	for _rangeIdx := 0; _rangeIdx < 4; _rangeIdx++ { // 4 frames ≈ 66ms: one adjust interval
		ts.Step(frameMs)
	}
	require.Equal(t, 3, ts.Interpolation(), "window must widen by exactly one tick")
}

func TestTickSmoother_NoSmoothingTracksTargetDirectly(t *testing.T) {
	opts := spectatorOpts()
	opts.SmoothPosition = false
	opts.Interpolation = 1
	ts := NewTickSmoother(opts)
	ts.SnapTo(at(0))

	ts.Push(1, at(10))
	ts.Push(2, at(20))
	got := ts.Step(frameMs)
	require.Equal(t, 20.0, got.X, "with smoothing off the pose jumps to the selected target")
}
