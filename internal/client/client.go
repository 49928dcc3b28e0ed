// Package client binds the transport to prediction, reconciliation,
// interpolation and smoothing, and exposes the composed state for
// rendering.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/udisondev/netstep/internal/clock"
	"github.com/udisondev/netstep/internal/config"
	"github.com/udisondev/netstep/internal/game"
	"github.com/udisondev/netstep/internal/input"
	"github.com/udisondev/netstep/internal/predict"
	"github.com/udisondev/netstep/internal/protocol"
	"github.com/udisondev/netstep/internal/smooth"
	"github.com/udisondev/netstep/internal/snapshot"
	"github.com/udisondev/netstep/internal/transport"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingConfig
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfig:
		return "awaiting-config"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

var (
	// ErrTickRateMismatch means the server's announced tick interval
	// differs from the locally configured one by more than 1 ms. The
	// session is unusable: prediction replay would never converge.
	ErrTickRateMismatch = errors.New("server tick interval does not match client configuration")

	// ErrHandshakeTimeout means the config message never arrived.
	ErrHandshakeTimeout = errors.New("timed out waiting for server config")

	// ErrNotReady means an operation requires the ready state.
	ErrNotReady = errors.New("client is not connected")
)

// tickIntervalToleranceMs is the allowed disagreement between the
// server-announced and client-configured tick interval.
const tickIntervalToleranceMs = 1.0

// pingInterval is the clock-sync cadence once connected.
const pingInterval = time.Second

// Client is the client-side orchestrator for one player session.
//
// All mutation is serialized behind one mutex; transport deliveries,
// the ping loop and the application's input/render loops never
// interleave inside a message or frame.
type Client[W, I, A any] struct {
	mu sync.Mutex

	g     game.Game[W, I, A]
	scope game.PredictionScope[W, I]
	codec game.Codec[W]
	cfg   config.Engine
	tr    transport.ClientTransport
	now   func() float64

	state   State
	localID string

	buf        *input.Buffer[I]
	predictor  *predict.Predictor[W, I]
	reconciler *predict.Reconciler[W, I]
	interp     *smooth.Interpolator[W]
	owner      *smooth.TickSmoother
	spectators map[string]*smooth.TickSmoother
	visual     *smooth.VisualSmoother
	clock      *clock.Sync

	lastTick     uint64
	haveTick     bool
	lastInputAt  float64
	lastRenderAt float64
	actionSeq    uint32

	preReady []I // inputs captured before the session is ready

	configCh chan error

	onActionResult func(protocol.ActionResult)
	onJoin         func(playerID string)
	onLeave        func(playerID string)

	pingStop chan struct{}
}

// Option configures a Client.
type Option[W, I, A any] func(*Client[W, I, A])

// WithCodec overrides the default msgpack world codec.
func WithCodec[W, I, A any](c game.Codec[W]) Option[W, I, A] {
	return func(cl *Client[W, I, A]) { cl.codec = c }
}

// WithNow overrides the wall clock, for tests.
func WithNow[W, I, A any](now func() float64) Option[W, I, A] {
	return func(cl *Client[W, I, A]) { cl.now = now }
}

// New creates a client over the given game, transport and engine
// options. The engine options must match the server's; the handshake
// verifies the tick interval.
func New[W, I, A any](g game.Game[W, I, A], tr transport.ClientTransport, cfg config.Engine, opts ...Option[W, I, A]) *Client[W, I, A] {
	c := &Client[W, I, A]{
		g:          g,
		scope:      game.ScopeOf[W, I, A](g),
		codec:      protocol.MsgpackCodec[W]{},
		cfg:        cfg,
		tr:         tr,
		now:        nowMillis,
		state:      StateDisconnected,
		spectators: make(map[string]*smooth.TickSmoother),
		clock:      clock.NewSync(),
		configCh:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	tr.OnMessage(c.handleMessage)
	tr.OnDisconnect(c.handleDisconnect)
	return c
}

func nowMillis() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}

// OnActionResult subscribes to server action outcomes. Set before
// Connect.
func (c *Client[W, I, A]) OnActionResult(fn func(protocol.ActionResult)) { c.onActionResult = fn }

// OnJoin subscribes to player join announcements. Set before Connect.
func (c *Client[W, I, A]) OnJoin(fn func(playerID string)) { c.onJoin = fn }

// OnLeave subscribes to player leave announcements. Set before Connect.
func (c *Client[W, I, A]) OnLeave(fn func(playerID string)) { c.onLeave = fn }

// State returns the connection state.
func (c *Client[W, I, A]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalID returns the player id the server assigned, empty before the
// handshake completes.
func (c *Client[W, I, A]) LocalID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

// Connect opens the transport and blocks until the server config
// arrives and checks out, or the handshake times out.
func (c *Client[W, I, A]) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.tr.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("opening transport: %w", err)
	}

	c.setState(StateAwaitingConfig)

	timer := time.NewTimer(c.cfg.HandshakeTimeout.Std())
	defer timer.Stop()
	select {
	case err := <-c.configCh:
		if err != nil {
			c.tr.Close()
			c.setState(StateDisconnected)
			return err
		}
	case <-timer.C:
		c.tr.Close()
		c.setState(StateDisconnected)
		return ErrHandshakeTimeout
	case <-ctx.Done():
		c.tr.Close()
		c.setState(StateDisconnected)
		return ctx.Err()
	}

	c.mu.Lock()
	c.pingStop = make(chan struct{})
	stop := c.pingStop
	c.mu.Unlock()
	go c.pingLoop(stop)

	c.SendPing()
	return nil
}

func (c *Client[W, I, A]) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client[W, I, A]) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.SendPing()
		}
	}
}

// SendPing opens one clock-sync exchange, reporting the current offset
// estimate so the server can feed lag compensation.
func (c *Client[W, I, A]) SendPing() {
	c.mu.Lock()
	msg := protocol.Ping{ClientTime: c.now()}
	if c.clock.HasEstimate() {
		msg.ClockOffset = c.clock.Offset()
		msg.RTT = c.clock.RTT()
		msg.Reported = true
	}
	c.mu.Unlock()

	payload, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("ping encode failed", "err", err)
		return
	}
	if err := c.tr.Send(protocol.ChannelPing, payload); err != nil {
		slog.Debug("ping send failed", "err", err)
	}
}

// SendInput samples one local input: assigns a sequence number, buffers
// it for reconciliation, transmits it and advances the predicted slice
// by the real inter-input delta. Inputs sent before the session is
// ready are held back and flushed after the first snapshot establishes
// the baseline.
func (c *Client[W, I, A]) SendInput(in I) error {
	now := c.now()

	c.mu.Lock()
	if c.state != StateReady {
		if c.state == StateConnecting || c.state == StateAwaitingConfig {
			c.preReady = append(c.preReady, in)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return ErrNotReady
	}
	err := c.sendInputLocked(in, now)
	c.mu.Unlock()
	return err
}

// sendInputLocked does the seq/buffer/transmit/predict dance. Caller
// holds the lock.
func (c *Client[W, I, A]) sendInputLocked(in I, now float64) error {
	msg := c.buf.Push(in, now)

	dt := c.cfg.TickIntervalMs()
	if c.lastInputAt > 0 {
		dt = now - c.lastInputAt
	}
	c.lastInputAt = now

	predicted := c.predictor.ApplyInput(in, dt)
	if c.owner != nil {
		if tr, ok := c.localTransform(predicted); ok {
			c.owner.Push(uint64(msg.Seq), tr)
		}
	}

	inputPayload, err := protocol.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}
	payload, err := protocol.Marshal(protocol.Input{
		Seq:       msg.Seq,
		Payload:   inputPayload,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("encoding input message: %w", err)
	}
	if err := c.tr.Send(protocol.ChannelInput, payload); err != nil {
		return fmt.Errorf("sending input: %w", err)
	}
	return nil
}

// SendAction transmits a discrete action stamped with the client clock.
func (c *Client[W, I, A]) SendAction(action A) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	seq := c.actionSeq
	c.actionSeq++
	now := c.now()
	c.mu.Unlock()

	actionPayload, err := protocol.Marshal(action)
	if err != nil {
		return fmt.Errorf("encoding action: %w", err)
	}
	payload, err := protocol.Marshal(protocol.Action{
		Seq:             seq,
		Payload:         actionPayload,
		ClientTimestamp: now,
	})
	if err != nil {
		return fmt.Errorf("encoding action message: %w", err)
	}
	if err := c.tr.Send(protocol.ChannelAction, payload); err != nil {
		return fmt.Errorf("sending action: %w", err)
	}
	return nil
}

// StateForRendering composes the world to draw at the given wall-clock
// time: interpolated remote entities, the predicted local slice eased
// by the owner smoother, and the decaying visual offset on top.
func (c *Client[W, I, A]) StateForRendering(now float64) (W, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero W
	if c.state != StateReady {
		return zero, false
	}

	base, ok := c.interp.StateAt(now)
	if !ok {
		return zero, false
	}

	dt := frameDeltaMs(c.lastRenderAt, now)
	c.lastRenderAt = now

	w := c.predictor.MergeInto(base)

	src, hasSrc := any(c.g).(game.TransformSource[W])
	app, hasApp := any(c.g).(game.TransformApplier[W])
	if !hasSrc || !hasApp {
		return w, true
	}

	// Remote entities: eased by their spectator smoothers.
	for id, sm := range c.spectators {
		tr := sm.Step(dt)
		w = app.ApplyTransform(w, id, tr)
	}

	// Local player: owner smoother plus the reconciliation offset.
	if tr, ok := src.Transforms(w)[c.localID]; ok {
		if c.owner != nil && c.owner.HasTarget() {
			tr = c.owner.Step(dt)
		}
		c.visual.Step(dt)
		ox, oy := c.visual.Offset()
		tr.X += ox
		tr.Y += oy
		w = app.ApplyTransform(w, c.localID, tr)
	}

	return w, true
}

func frameDeltaMs(last, now float64) float64 {
	if last <= 0 || now <= last {
		return 1000.0 / 60.0
	}
	dt := now - last
	if dt > predict.MaxDeltaMs {
		dt = predict.MaxDeltaMs
	}
	return dt
}

// Disconnect tears the session down and releases all per-session state.
func (c *Client[W, I, A]) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.mu.Unlock()

	err := c.tr.Close()

	c.mu.Lock()
	c.resetSessionLocked()
	c.state = StateDisconnected
	c.mu.Unlock()
	return err
}

// resetSessionLocked clears everything tied to the server session.
// Caller holds the lock.
func (c *Client[W, I, A]) resetSessionLocked() {
	if c.buf != nil {
		c.buf.Clear()
	}
	if c.predictor != nil {
		c.predictor.Reset()
	}
	if c.interp != nil {
		c.interp.Clear()
	}
	if c.visual != nil {
		c.visual.Reset()
	}
	c.spectators = make(map[string]*smooth.TickSmoother)
	c.haveTick = false
	c.lastTick = 0
	c.lastInputAt = 0
	c.preReady = nil
}

func (c *Client[W, I, A]) handleDisconnect(err error) {
	c.mu.Lock()
	wasReady := c.state == StateReady || c.state == StateAwaitingConfig
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.resetSessionLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	if wasReady {
		slog.Info("transport closed", "err", err)
	}
}

func (c *Client[W, I, A]) handleMessage(channel string, payload []byte) {
	switch channel {
	case protocol.ChannelConfig:
		c.handleConfig(payload)
	case protocol.ChannelSnapshot:
		c.handleSnapshot(payload)
	case protocol.ChannelServerTiming:
		// Informational; the ping exchange is the clock authority.
	case protocol.ChannelPong:
		c.handlePong(payload)
	case protocol.ChannelActionResult:
		c.handleActionResult(payload)
	case protocol.ChannelJoin:
		c.handleJoin(payload)
	case protocol.ChannelLeave:
		c.handleLeave(payload)
	default:
		slog.Warn("message on unknown channel dropped", "channel", channel)
	}
}

func (c *Client[W, I, A]) handleConfig(payload []byte) {
	var msg protocol.Config
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		c.deliverConfig(fmt.Errorf("malformed config: %w", err))
		return
	}

	if math.Abs(msg.TickIntervalMs-c.cfg.TickIntervalMs()) > tickIntervalToleranceMs {
		c.deliverConfig(fmt.Errorf("%w: server %.3fms, client %.3fms",
			ErrTickRateMismatch, msg.TickIntervalMs, c.cfg.TickIntervalMs()))
		return
	}

	c.mu.Lock()
	c.localID = msg.PlayerID
	c.buf = input.NewBuffer[I](c.cfg.MaxInputBufferSize)
	c.predictor = predict.NewPredictor(c.scope, c.localID)
	c.reconciler = predict.NewReconciler(c.buf, c.predictor, c.localID, c.cfg.TickIntervalMs())
	c.interp = smooth.NewInterpolator(c.g.Interpolate, msg.InterpolationDelayMs)
	c.visual = smooth.NewVisualSmoother(c.cfg.Visual.SmoothFactor, c.cfg.Visual.SnapThreshold)
	c.owner = smooth.NewTickSmoother(c.smootherOptions(smooth.ModeOwner))
	c.reconciler.OnReplay(c.onReplayed)
	c.state = StateReady
	c.mu.Unlock()

	slog.Info("session ready", "player", msg.PlayerID, "tick_rate", msg.TickRate)
	c.deliverConfig(nil)
}

func (c *Client[W, I, A]) deliverConfig(err error) {
	select {
	case c.configCh <- err:
	default:
	}
}

// onReplayed receives each replayed input during reconciliation and
// feeds the corrected pose to the owner smoother.
func (c *Client[W, I, A]) onReplayed(seq uint32, predicted W) {
	if c.owner == nil {
		return
	}
	if tr, ok := c.localTransform(predicted); ok {
		c.owner.ReplaceTarget(uint64(seq), tr)
	}
}

func (c *Client[W, I, A]) localTransform(w W) (game.Transform, bool) {
	src, ok := any(c.g).(game.TransformSource[W])
	if !ok {
		return game.Transform{}, false
	}
	tr, ok := src.Transforms(w)[c.localID]
	return tr, ok
}

func (c *Client[W, I, A]) smootherOptions(mode smooth.Mode) smooth.Options {
	sc := c.cfg.Smoothing
	return smooth.Options{
		Mode:               mode,
		Interpolation:      sc.Interpolation,
		MaxOverBuffer:      sc.MaxOverBuffer,
		TeleportThreshold:  sc.TeleportThreshold,
		TickIntervalMs:     c.cfg.TickIntervalMs(),
		SmoothPosition:     sc.SmoothPosition,
		SmoothRotation:     sc.SmoothRotation,
		SmoothScale:        sc.SmoothScale,
		PositionRate:       sc.PositionRate,
		RotationRate:       sc.RotationRate,
		ScaleRate:          sc.ScaleRate,
		ExtrapolationTicks: sc.ExtrapolationTicks,
		AdaptiveMin:        sc.AdaptiveMin,
		AdaptiveMax:        sc.AdaptiveMax,
		AdjustIntervalMs:   sc.AdjustInterval.Ms(),
	}
}

func (c *Client[W, I, A]) handleSnapshot(payload []byte) {
	var msg protocol.Snapshot
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed snapshot dropped", "err", err)
		return
	}
	raw, err := protocol.Unpack(msg.State)
	if err != nil {
		slog.Warn("snapshot state unpack failed", "tick", msg.Tick, "err", err)
		return
	}
	state, err := c.codec.Deserialize(raw)
	if err != nil {
		slog.Warn("snapshot state decode failed", "tick", msg.Tick, "err", err)
		return
	}

	snap := snapshot.Snapshot[W]{
		Tick:      msg.Tick,
		Timestamp: msg.Timestamp,
		State:     state,
		InputAcks: msg.InputAcks,
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return
	}

	if c.haveTick && snap.Tick <= c.lastTick {
		if c.lastTick-snap.Tick > uint64(c.cfg.SnapshotHistorySize) {
			// Regression beyond the whole history window: the server
			// restarted. Drop the session's derived state and
			// re-bootstrap from this snapshot.
			slog.Warn("server reset detected", "snapshot_tick", snap.Tick, "last_tick", c.lastTick)
			c.resetSessionLocked()
			c.state = StateReady
		} else {
			// Small regression: an old snapshot arriving late. The
			// per-entity smoothers would discard its keys anyway.
			return
		}
	}

	first := !c.haveTick
	c.lastTick = snap.Tick
	c.haveTick = true

	// Reconcile prediction: remember where the player was drawn,
	// rewind to the authoritative state, replay pending inputs, and
	// hand the visible difference to the visual smoother.
	var oldTr game.Transform
	var hadOld bool
	if prev, ok := c.predictor.State(); ok {
		oldTr, hadOld = c.localTransform(prev)
	}

	corrected := c.reconciler.Reconcile(snap)

	if newTr, ok := c.localTransform(corrected); ok && hadOld {
		c.visual.OnCorrection(oldTr.X, oldTr.Y, newTr.X, newTr.Y)
	}

	c.interp.Add(snap, now)
	c.feedSpectators(snap)

	if first {
		c.flushPreReady()
	}
}

// feedSpectators pushes remote entity poses into their smoothers,
// creating one per entity on first sighting. Caller holds the lock.
func (c *Client[W, I, A]) feedSpectators(snap snapshot.Snapshot[W]) {
	src, ok := any(c.g).(game.TransformSource[W])
	if !ok {
		return
	}
	rtt := c.clock.RTT()
	for id, tr := range src.Transforms(snap.State) {
		if id == c.localID {
			continue
		}
		sm := c.spectators[id]
		if sm == nil {
			sm = smooth.NewTickSmoother(c.smootherOptions(smooth.ModeSpectator))
			c.spectators[id] = sm
		}
		sm.Push(snap.Tick, tr)
		if rtt > 0 {
			sm.AddNetworkSample(rtt)
		}
	}
}

// flushPreReady transmits the inputs captured before the baseline
// snapshot arrived. Caller holds the lock.
func (c *Client[W, I, A]) flushPreReady() {
	pending := c.preReady
	c.preReady = nil
	now := c.now()
	for _, in := range pending {
		if err := c.sendInputLocked(in, now); err != nil {
			slog.Warn("buffered input send failed", "err", err)
		}
	}
}

func (c *Client[W, I, A]) handlePong(payload []byte) {
	var msg protocol.Pong
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed pong dropped", "err", err)
		return
	}
	c.mu.Lock()
	c.clock.AddPong(msg.ClientTime, msg.ServerTime, c.now())
	c.mu.Unlock()
}

// ClockOffset returns the current clock offset estimate in
// milliseconds, and whether any estimate exists.
func (c *Client[W, I, A]) ClockOffset() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.clock.HasEstimate() {
		return 0, false
	}
	return c.clock.Offset(), true
}

func (c *Client[W, I, A]) handleActionResult(payload []byte) {
	var msg protocol.ActionResult
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed action result dropped", "err", err)
		return
	}
	if c.onActionResult != nil {
		c.onActionResult(msg)
	}
}

func (c *Client[W, I, A]) handleJoin(payload []byte) {
	var msg protocol.Join
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed join dropped", "err", err)
		return
	}
	if c.onJoin != nil {
		c.onJoin(msg.PlayerID)
	}
}

func (c *Client[W, I, A]) handleLeave(payload []byte) {
	var msg protocol.Leave
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed leave dropped", "err", err)
		return
	}

	c.mu.Lock()
	delete(c.spectators, msg.PlayerID)
	c.mu.Unlock()

	if c.onLeave != nil {
		c.onLeave(msg.PlayerID)
	}
}
