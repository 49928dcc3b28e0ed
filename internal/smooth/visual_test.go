package smooth

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisualSmoother_AbsorbsCorrection(t *testing.T) {
	vs := NewVisualSmoother(0.9, 50)

	// Player was drawn at (100, 20), reconciliation moved physics to
	// (96, 20): the offset hides the 4-unit jump.
	vs.OnCorrection(100, 20, 96, 20)

	ox, oy := vs.Offset()
	require.Equal(t, 4.0, ox)
	require.Equal(t, 0.0, oy)
}

func TestVisualSmoother_OffsetNonIncreasing(t *testing.T) {
	vs := NewVisualSmoother(0.9, 50)
	vs.OnCorrection(110, 0, 100, 0)

	prev := math.Inf(1)
	for _rangeIdx := 0; _rangeIdx < 100; _rangeIdx++ {
		vs.Step(frameRefMs)
		ox, oy := vs.Offset()
		mag := math.Hypot(ox, oy)
		require.LessOrEqual(t, mag, prev, "offset magnitude must decay monotonically")
		prev = mag
	}

	ox, oy := vs.Offset()
	require.Equal(t, 0.0, ox, "offset must clamp to zero below epsilon")
	require.Equal(t, 0.0, oy)
}

func TestVisualSmoother_TeleportClearsOffset(t *testing.T) {
	vs := NewVisualSmoother(0.9, 50)
	vs.OnCorrection(5, 0, 0, 0) // small correction first
	vs.OnCorrection(500, 0, 0, 0)

	ox, oy := vs.Offset()
	require.Equal(t, 0.0, ox, "a correction past the snap threshold is a teleport")
	require.Equal(t, 0.0, oy)
}

func TestVisualSmoother_CorrectionsAccumulate(t *testing.T) {
	vs := NewVisualSmoother(0.9, 50)
	vs.OnCorrection(103, 0, 100, 0)
	vs.OnCorrection(102, 0, 100, 0)

	ox, _ := vs.Offset()
	require.Equal(t, 5.0, ox)
}

func TestVisualSmoother_FrameRateIndependentDecay(t *testing.T) {
	a := NewVisualSmoother(0.9, 50)
	b := NewVisualSmoother(0.9, 50)
	a.OnCorrection(10, 0, 0, 0)
	b.OnCorrection(10, 0, 0, 0)

	// One 33ms frame must decay as much as two 16.5ms frames.
	a.Step(33)
	b.Step(16.5)
	b.Step(16.5)

	ax, _ := a.Offset()
	bx, _ := b.Offset()
	require.InDelta(t, ax, bx, 1e-9)
}
