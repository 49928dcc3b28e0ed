package smooth

import (
	"math"
	"sync"

	"github.com/udisondev/netstep/internal/game"
)

// Mode selects how a TickSmoother is keyed and buffered.
type Mode int

const (
	// ModeOwner smooths the local player: fixed one-tick window, keys
	// are client prediction sequence numbers.
	ModeOwner Mode = iota

	// ModeSpectator smooths a remote entity: adaptive window derived
	// from RTT and jitter, keys are server ticks.
	ModeSpectator
)

// frameRefMs is the reference frame length for frame-rate independent
// easing factors.
const frameRefMs = 16.67

// positionEpsilon is the distance below which easing snaps onto the
// target instead of chasing it forever.
const positionEpsilon = 0.01

// Options configures a TickSmoother. Zero values take the defaults
// noted per field.
type Options struct {
	Mode Mode

	// Interpolation is the buffer depth in ticks (default 2; owner
	// mode forces 1).
	Interpolation int

	// MaxOverBuffer is how many extra entries may queue past the
	// window before the oldest are discarded (default 3).
	MaxOverBuffer int

	// TeleportThreshold is the per-axis distance that snaps instead of
	// eases (default 200).
	TeleportThreshold float64

	// TickIntervalMs is the server tick interval, needed by the
	// adaptive window (default 1000/60).
	TickIntervalMs float64

	SmoothPosition bool
	SmoothRotation bool
	SmoothScale    bool

	// Easing rates: fraction of the remaining distance covered per
	// reference frame (default 0.35).
	PositionRate float64
	RotationRate float64
	ScaleRate    float64

	// ExtrapolationTicks is how many frames to project along the last
	// velocity when the queue runs dry (0 disables).
	ExtrapolationTicks int

	// Adaptive window clamp, spectator mode only (defaults 1..6).
	AdaptiveMin int
	AdaptiveMax int

	// AdjustIntervalMs is how often the adaptive window may move by
	// one tick (default 1000).
	AdjustIntervalMs float64
}

func (o *Options) applyDefaults() {
	if o.Interpolation <= 0 {
		o.Interpolation = 2
	}
	if o.Mode == ModeOwner {
		o.Interpolation = 1
	}
	if o.MaxOverBuffer <= 0 {
		o.MaxOverBuffer = 3
	}
	if o.TeleportThreshold <= 0 {
		o.TeleportThreshold = 200
	}
	if o.TickIntervalMs <= 0 {
		o.TickIntervalMs = 1000.0 / 60.0
	}
	if o.PositionRate <= 0 {
		o.PositionRate = 0.35
	}
	if o.RotationRate <= 0 {
		o.RotationRate = 0.35
	}
	if o.ScaleRate <= 0 {
		o.ScaleRate = 0.35
	}
	if o.AdaptiveMin <= 0 {
		o.AdaptiveMin = 1
	}
	if o.AdaptiveMax < o.AdaptiveMin {
		o.AdaptiveMax = o.AdaptiveMin + 5
	}
	if o.AdjustIntervalMs <= 0 {
		o.AdjustIntervalMs = 1000
	}
}

type smootherTarget struct {
	key uint64
	tr  game.Transform
}

// TickSmoother turns a stream of keyed pose targets into a smooth
// presentation pose, one instance per entity. Targets queue up to
// interpolation+maxOverBuffer deep; each frame the smoother eases the
// presented pose toward the entry at the interpolation depth, snapping
// when an axis moves past the teleport threshold (respawns, wraparound).
//
// Safe for concurrent use; snapshots push targets while the render loop
// steps.
type TickSmoother struct {
	mu   sync.Mutex
	opts Options

	// interpolation is the live window; spectator mode adapts it
	// between AdaptiveMin and AdaptiveMax.
	interpolation int

	queue      []smootherTarget
	lastKey    uint64
	hasLastKey bool

	cur       game.Transform
	hasCur    bool
	curTarget game.Transform
	hasTarget bool

	velX, velY   float64
	extrapolated int
	prevFront    game.Transform
	hasPrevFront bool

	rttSamples    []float64
	sinceAdjustMs float64
}

// NewTickSmoother creates a smoother with the given options.
func NewTickSmoother(opts Options) *TickSmoother {
	opts.applyDefaults()
	return &TickSmoother{
		opts:          opts,
		interpolation: opts.Interpolation,
	}
}

// Push queues a pose target. key is a server tick in spectator mode, a
// prediction seq in owner mode. Stale keys are dropped.
func (ts *TickSmoother) Push(key uint64, tr game.Transform) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.hasLastKey && key <= ts.lastKey {
		return
	}
	for _, t := range ts.queue {
		if t.key == key {
			return
		}
	}
	ts.queue = append(ts.queue, smootherTarget{key: key, tr: tr})
}

// ReplaceTarget overwrites the queued target for key with a corrected
// pose. The reconciler delivers replayed predictions here so the visible
// position eases into the corrected trajectory instead of snapping.
// A correction for a key that already left the queue is dropped.
func (ts *TickSmoother) ReplaceTarget(key uint64, tr game.Transform) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for i := range ts.queue {
		if ts.queue[i].key == key {
			ts.queue[i].tr = tr
			return
		}
	}
	if !ts.hasLastKey || key > ts.lastKey {
		ts.queue = append(ts.queue, smootherTarget{key: key, tr: tr})
	}
}

// AddNetworkSample feeds an RTT observation to the adaptive window.
// Ignored in owner mode.
func (ts *TickSmoother) AddNetworkSample(rttMs float64) {
	if ts.opts.Mode != ModeSpectator {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.rttSamples) >= 20 {
		copy(ts.rttSamples, ts.rttSamples[1:])
		ts.rttSamples = ts.rttSamples[:len(ts.rttSamples)-1]
	}
	ts.rttSamples = append(ts.rttSamples, rttMs)
}

// Interpolation returns the live window in ticks.
func (ts *TickSmoother) Interpolation() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.interpolation
}

// HasTarget reports whether the smoother has selected a target or has
// one queued for the next Step. While it reports false the output is
// meaningless and callers should render the unsmoothed pose.
func (ts *TickSmoother) HasTarget() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.hasTarget || len(ts.queue) > 0
}

// QueueLen returns the number of queued targets.
func (ts *TickSmoother) QueueLen() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.queue)
}

// SnapTo clears the queue and pins the presentation to tr immediately.
func (ts *TickSmoother) SnapTo(tr game.Transform) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.queue = ts.queue[:0]
	ts.cur = tr
	ts.curTarget = tr
	ts.hasCur = true
	ts.hasTarget = true
	ts.velX, ts.velY = 0, 0
	ts.extrapolated = 0
}

// Step advances the presentation by one frame of dtMs and returns the
// pose to render.
func (ts *TickSmoother) Step(dtMs float64) game.Transform {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.adjustWindow(dtMs)

	// Staleness guard: anything at or below the last processed key is
	// an old snapshot arriving late.
	for len(ts.queue) > 0 && ts.hasLastKey && ts.queue[0].key <= ts.lastKey {
		ts.queue = ts.queue[1:]
	}

	// Bound the backlog; discard excess from the front so the
	// presentation never falls further behind than the window allows.
	for len(ts.queue) > ts.interpolation+ts.opts.MaxOverBuffer {
		ts.consumeFront()
	}

	if len(ts.queue) > 0 {
		idx := ts.interpolation
		if idx >= len(ts.queue) {
			idx = len(ts.queue) - 1
		}
		ts.retarget(ts.queue[idx].tr)
		ts.extrapolated = 0

		// Advance one tick per frame. On a stalled stream the queue
		// drains within interpolation+maxOverBuffer frames and the
		// presentation converges on the last queued target.
		ts.consumeFront()
	} else if ts.hasTarget && ts.opts.ExtrapolationTicks > 0 && ts.extrapolated < ts.opts.ExtrapolationTicks {
		ts.curTarget.X += ts.velX
		ts.curTarget.Y += ts.velY
		ts.extrapolated++
	}

	if !ts.hasTarget {
		return ts.cur
	}
	if !ts.hasCur {
		ts.cur = ts.curTarget
		ts.hasCur = true
		return ts.cur
	}

	ts.cur.X = ts.moveAxis(ts.cur.X, ts.curTarget.X, ts.opts.SmoothPosition, ts.opts.PositionRate, dtMs)
	ts.cur.Y = ts.moveAxis(ts.cur.Y, ts.curTarget.Y, ts.opts.SmoothPosition, ts.opts.PositionRate, dtMs)
	ts.cur.Rotation = ts.moveAxis(ts.cur.Rotation, ts.curTarget.Rotation, ts.opts.SmoothRotation, ts.opts.RotationRate, dtMs)
	ts.cur.Scale = ts.moveAxis(ts.cur.Scale, ts.curTarget.Scale, ts.opts.SmoothScale, ts.opts.ScaleRate, dtMs)
	return ts.cur
}

// consumeFront pops the oldest queued target, recording its key and the
// per-tick velocity it implies for extrapolation.
func (ts *TickSmoother) consumeFront() {
	front := ts.queue[0]
	ts.velX = front.tr.X - ts.prevFrontX()
	ts.velY = front.tr.Y - ts.prevFrontY()
	ts.lastKey = front.key
	ts.hasLastKey = true
	ts.prevFront = front.tr
	ts.hasPrevFront = true
	ts.queue = ts.queue[1:]
}

func (ts *TickSmoother) prevFrontX() float64 {
	if ts.hasPrevFront {
		return ts.prevFront.X
	}
	return ts.queue[0].tr.X
}

func (ts *TickSmoother) prevFrontY() float64 {
	if ts.hasPrevFront {
		return ts.prevFront.Y
	}
	return ts.queue[0].tr.Y
}

func (ts *TickSmoother) retarget(tr game.Transform) {
	ts.curTarget = tr
	ts.hasTarget = true
}

// moveAxis eases cur toward target on one axis, snapping past the
// teleport threshold and within the epsilon.
func (ts *TickSmoother) moveAxis(cur, target float64, smoothed bool, rate, dtMs float64) float64 {
	d := target - cur
	if math.Abs(d) > ts.opts.TeleportThreshold {
		return target
	}
	if !smoothed {
		return target
	}
	if math.Abs(d) < positionEpsilon {
		return target
	}
	factor := 1 - math.Pow(1-rate, dtMs/frameRefMs)
	return cur + d*factor
}

// adjustWindow moves the adaptive interpolation window one tick toward
// the RTT/jitter-derived target, at most once per adjust interval, so
// the window never oscillates.
func (ts *TickSmoother) adjustWindow(dtMs float64) {
	if ts.opts.Mode != ModeSpectator {
		return
	}
	ts.sinceAdjustMs += dtMs
	if ts.sinceAdjustMs < ts.opts.AdjustIntervalMs || len(ts.rttSamples) == 0 {
		return
	}
	ts.sinceAdjustMs = 0

	mean := 0.0
	for _, r := range ts.rttSamples {
		mean += r
	}
	mean /= float64(len(ts.rttSamples))

	jitter := 0.0
	for _, r := range ts.rttSamples {
		jitter += math.Abs(r - mean)
	}
	jitter /= float64(len(ts.rttSamples))

	desired := int(math.Ceil((mean/2 + 2*jitter) / ts.opts.TickIntervalMs))
	if desired < ts.opts.AdaptiveMin {
		desired = ts.opts.AdaptiveMin
	}
	if desired > ts.opts.AdaptiveMax {
		desired = ts.opts.AdaptiveMax
	}

	if desired > ts.interpolation {
		ts.interpolation++
	} else if desired < ts.interpolation {
		ts.interpolation--
	}
}
