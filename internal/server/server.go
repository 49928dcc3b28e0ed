// Package server drives the authoritative simulation: the fixed-rate
// tick loop, snapshot broadcast, join/leave handling, clock sync
// responses and lag-compensated action validation.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/netstep/internal/clock"
	"github.com/udisondev/netstep/internal/config"
	"github.com/udisondev/netstep/internal/game"
	"github.com/udisondev/netstep/internal/input"
	"github.com/udisondev/netstep/internal/lagcomp"
	"github.com/udisondev/netstep/internal/protocol"
	"github.com/udisondev/netstep/internal/sim"
	"github.com/udisondev/netstep/internal/snapshot"
	"github.com/udisondev/netstep/internal/transport"
)

// maxPendingActions bounds undrained actions per client per tick.
const maxPendingActions = 32

// ActionValidator decides the outcome of a client action against a
// lag-compensated world. result is an opaque game payload echoed to the
// client in the action-result message.
type ActionValidator[W, A any] func(w W, clientID string, action A) (success bool, result []byte)

// Option configures a Server.
type Option[W, I, A any] func(*Server[W, I, A])

// WithValidator installs the game's action validator. Without one every
// action fails.
func WithValidator[W, I, A any](v ActionValidator[W, A]) Option[W, I, A] {
	return func(s *Server[W, I, A]) { s.validator = v }
}

// WithMetrics installs prometheus instrumentation.
func WithMetrics[W, I, A any](m *Metrics) Option[W, I, A] {
	return func(s *Server[W, I, A]) { s.metrics = m }
}

// WithCodec overrides the default msgpack world codec.
func WithCodec[W, I, A any](c game.Codec[W]) Option[W, I, A] {
	return func(s *Server[W, I, A]) { s.codec = c }
}

// WithNow overrides the wall clock, for tests.
func WithNow[W, I, A any](now func() float64) Option[W, I, A] {
	return func(s *Server[W, I, A]) { s.now = now }
}

// Server owns the world state and everything feeding it: the input and
// action queues, the snapshot history, the per-client clock figures and
// the lag compensator. All mutation is serialized behind one mutex, so
// transport deliveries and the ticker never interleave inside a tick.
type Server[W, I, A any] struct {
	mu sync.Mutex

	g         game.Game[W, I, A]
	codec     game.Codec[W]
	cfg       config.Engine
	tr        transport.ServerTransport
	validator ActionValidator[W, A]
	metrics   *Metrics
	now       func() float64

	world     W
	tick      uint64
	processor *sim.Processor[W, I, A]

	conns   map[string]transport.Conn
	players map[string]struct{} // in-world at the current tick boundary
	joins   []string            // applied at the next tick boundary
	leaves  []string

	inputs    *input.Queue[I]
	actions   *input.ActionQueue[A]
	snapshots *snapshot.Buffer[W]
	clocks    *clock.Store
	comp      *lagcomp.Compensator[W]

	lastAcks map[string]uint32
}

// New creates a server over the given game, transport and engine
// options. world is the initial world state.
func New[W, I, A any](g game.Game[W, I, A], tr transport.ServerTransport, cfg config.Engine, world W, opts ...Option[W, I, A]) *Server[W, I, A] {
	s := &Server[W, I, A]{
		g:         g,
		codec:     protocol.MsgpackCodec[W]{},
		cfg:       cfg,
		tr:        tr,
		now:       nowMillis,
		world:     world,
		processor: sim.NewProcessor[W, I, A](g, cfg.TickIntervalMs()),
		conns:     make(map[string]transport.Conn),
		players:   make(map[string]struct{}),
		inputs:    input.NewQueue[I](),
		actions:   input.NewActionQueue[A](maxPendingActions),
		snapshots: snapshot.NewBuffer[W](cfg.SnapshotHistorySize),
		clocks:    clock.NewStore(),
		lastAcks:  make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.comp = lagcomp.NewCompensator(s.snapshots, s.clocks, cfg.InterpolationDelayMs(), cfg.MaxRewindMs(), s.now)

	tr.OnConnect(s.handleConnect)
	tr.OnDisconnect(s.handleDisconnect)
	tr.OnMessage(s.handleMessage)
	return s
}

func nowMillis() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}

// Tick returns the current tick number.
func (s *Server[W, I, A]) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// World returns the current world state.
func (s *Server[W, I, A]) World() W {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world
}

// Snapshots exposes the snapshot history, e.g. for replay tooling.
func (s *Server[W, I, A]) Snapshots() *snapshot.Buffer[W] { return s.snapshots }

// Start runs the transport and the tick loop until ctx is canceled.
func (s *Server[W, I, A]) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.tr.Start(ctx) })
	eg.Go(func() error { return s.tickLoop(ctx) })
	return eg.Wait()
}

func (s *Server[W, I, A]) tickLoop(ctx context.Context) error {
	interval := s.cfg.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("tick loop started", "rate_hz", s.cfg.TickRate, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("tick loop stopping")
			return ctx.Err()
		case <-ticker.C:
			s.RunTick()
		}
	}
}

// RunTick advances the world by exactly one tick and broadcasts the
// resulting snapshot. Exposed so tests and offline tooling can step the
// server without the wall-clock ticker.
func (s *Server[W, I, A]) RunTick() {
	started := time.Now()

	s.mu.Lock()

	s.applyMembership()

	players := make([]string, 0, len(s.players))
	for id := range s.players {
		players = append(players, id)
	}

	pending := s.inputs.PendingBatched()
	world, acks := s.processor.Step(s.world, players, pending)
	s.world = world
	s.tick++

	for id, seq := range acks {
		s.inputs.Acknowledge(id, seq)
		if last, ok := s.lastAcks[id]; !ok || seq > last {
			s.lastAcks[id] = seq
		}
	}

	now := s.now()
	snap := snapshot.Snapshot[W]{
		Tick:      s.tick,
		Timestamp: now,
		State:     s.world,
		InputAcks: make(map[string]uint32, len(s.lastAcks)),
	}
	for id, seq := range s.lastAcks {
		snap.InputAcks[id] = seq
	}
	s.snapshots.Add(snap)

	results := s.validateActions()

	payload, err := s.encodeSnapshot(snap)
	conns := make([]transport.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	tick := s.tick
	s.mu.Unlock()

	if err != nil {
		slog.Error("snapshot encode failed", "tick", tick, "err", err)
		return
	}

	for _, c := range conns {
		if err := c.Send(protocol.ChannelSnapshot, payload); err != nil {
			slog.Debug("snapshot send failed", "conn", c.ID(), "err", err)
		}
	}
	for _, r := range results {
		if err := r.conn.Send(protocol.ChannelActionResult, r.payload); err != nil {
			slog.Debug("action result send failed", "conn", r.conn.ID(), "err", err)
		}
	}

	// Server timing at ~1 Hz keeps client clocks honest between pings.
	if tick%uint64(s.cfg.TickRate) == 0 {
		s.broadcastTiming(conns, tick)
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(started).Seconds())
		s.metrics.SnapshotBytes.Observe(float64(len(payload)))
	}
}

// applyMembership applies queued joins and leaves at the tick boundary.
// Caller holds the lock.
func (s *Server[W, I, A]) applyMembership() {
	for _, id := range s.joins {
		s.world = s.g.AddPlayer(s.world, id)
		s.players[id] = struct{}{}
		slog.Info("player joined", "player", id, "tick", s.tick)
	}
	s.joins = s.joins[:0]

	for _, id := range s.leaves {
		s.world = s.g.RemovePlayer(s.world, id)
		delete(s.players, id)
		delete(s.lastAcks, id)
		slog.Info("player left", "player", id, "tick", s.tick)
	}
	s.leaves = s.leaves[:0]
}

type actionResult struct {
	conn    transport.Conn
	payload []byte
}

// validateActions drains the action queue and runs each action through
// the lag compensator. Caller holds the lock.
func (s *Server[W, I, A]) validateActions() []actionResult {
	drained := s.actions.Drain()
	if len(drained) == 0 {
		return nil
	}

	var results []actionResult
	for clientID, msgs := range drained {
		conn := s.conns[clientID]
		if conn == nil {
			continue
		}
		for _, msg := range msgs {
			outcome := lagcomp.Outcome{Success: false, RewoundTick: -1}
			if s.validator != nil {
				action := msg.Action
				outcome = s.comp.Validate(clientID, msg.ClientTimestamp, func(w W, id string) (bool, []byte) {
					return s.validator(w, id, action)
				})
				if s.metrics != nil {
					s.metrics.RewindMs.Observe(s.now() - outcome.RewoundTime)
				}
			}

			payload, err := protocol.Marshal(protocol.ActionResult{
				Seq:             msg.Seq,
				Success:         outcome.Success,
				Result:          outcome.Result,
				ServerTimestamp: s.now(),
			})
			if err != nil {
				slog.Error("action result encode failed", "client", clientID, "err", err)
				continue
			}
			results = append(results, actionResult{conn: conn, payload: payload})
		}
	}
	return results
}

func (s *Server[W, I, A]) encodeSnapshot(snap snapshot.Snapshot[W]) ([]byte, error) {
	state, err := s.codec.Serialize(snap.State)
	if err != nil {
		return nil, err
	}
	packed, err := protocol.Pack(state)
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(protocol.Snapshot{
		Tick:      snap.Tick,
		Timestamp: snap.Timestamp,
		State:     packed,
		InputAcks: snap.InputAcks,
	})
}

func (s *Server[W, I, A]) broadcastTiming(conns []transport.Conn, tick uint64) {
	payload, err := protocol.Marshal(protocol.ServerTiming{
		ServerTick: tick,
		ServerTime: s.now(),
	})
	if err != nil {
		slog.Error("server timing encode failed", "err", err)
		return
	}
	for _, c := range conns {
		if err := c.Send(protocol.ChannelServerTiming, payload); err != nil {
			slog.Debug("server timing send failed", "conn", c.ID(), "err", err)
		}
	}
}

func (s *Server[W, I, A]) handleConnect(conn transport.Conn) {
	id := conn.ID()

	payload, err := protocol.Marshal(protocol.Config{
		PlayerID:             id,
		TickRate:             s.cfg.TickRate,
		TickIntervalMs:       s.cfg.TickIntervalMs(),
		InterpolationDelayMs: s.cfg.InterpolationDelayMs(),
	})
	if err != nil {
		slog.Error("config encode failed", "conn", id, "err", err)
		conn.Close()
		return
	}
	if err := conn.Send(protocol.ChannelConfig, payload); err != nil {
		slog.Warn("config send failed", "conn", id, "err", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[id] = conn
	s.joins = append(s.joins, id)
	conns := s.peerConns(id)
	count := len(s.conns)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(count))
	}
	s.announce(conns, protocol.ChannelJoin, protocol.Join{PlayerID: id})
	slog.Info("client connected", "conn", id, "clients", count)
}

func (s *Server[W, I, A]) handleDisconnect(conn transport.Conn) {
	id := conn.ID()

	s.mu.Lock()
	if _, ok := s.conns[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, id)
	s.leaves = append(s.leaves, id)
	s.inputs.RemoveClient(id)
	s.actions.RemoveClient(id)
	s.clocks.Remove(id)
	conns := s.peerConns(id)
	count := len(s.conns)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(count))
		s.metrics.ClientRTT.DeleteLabelValues(id)
	}
	s.announce(conns, protocol.ChannelLeave, protocol.Leave{PlayerID: id})
	slog.Info("client disconnected", "conn", id, "clients", count)
}

// peerConns returns every connection except id. Caller holds the lock.
func (s *Server[W, I, A]) peerConns(id string) []transport.Conn {
	conns := make([]transport.Conn, 0, len(s.conns))
	for cid, c := range s.conns {
		if cid != id {
			conns = append(conns, c)
		}
	}
	return conns
}

func (s *Server[W, I, A]) announce(conns []transport.Conn, channel string, msg any) {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("announce encode failed", "channel", channel, "err", err)
		return
	}
	for _, c := range conns {
		if err := c.Send(channel, payload); err != nil {
			slog.Debug("announce send failed", "conn", c.ID(), "err", err)
		}
	}
}

func (s *Server[W, I, A]) handleMessage(conn transport.Conn, channel string, payload []byte) {
	id := conn.ID()
	switch channel {
	case protocol.ChannelInput:
		s.handleInput(id, payload)
	case protocol.ChannelAction:
		s.handleAction(id, payload)
	case protocol.ChannelPing:
		s.handlePing(conn, payload)
	default:
		slog.Warn("message on unknown channel dropped", "conn", id, "channel", channel)
	}
}

func (s *Server[W, I, A]) handleInput(clientID string, payload []byte) {
	var msg protocol.Input
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed input dropped", "conn", clientID, "err", err)
		return
	}
	var in I
	if err := protocol.Unmarshal(msg.Payload, &in); err != nil {
		slog.Warn("malformed input payload dropped", "conn", clientID, "seq", msg.Seq, "err", err)
		return
	}

	accepted := s.inputs.Enqueue(clientID, input.Message[I]{
		Seq:       msg.Seq,
		Input:     in,
		Timestamp: msg.Timestamp,
	})
	if s.metrics != nil {
		if accepted {
			s.metrics.InputsReceived.Inc()
		} else {
			s.metrics.InputsRejected.Inc()
		}
	}
}

func (s *Server[W, I, A]) handleAction(clientID string, payload []byte) {
	var msg protocol.Action
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed action dropped", "conn", clientID, "err", err)
		return
	}
	var action A
	if err := protocol.Unmarshal(msg.Payload, &action); err != nil {
		slog.Warn("malformed action payload dropped", "conn", clientID, "seq", msg.Seq, "err", err)
		return
	}

	accepted := s.actions.Enqueue(clientID, input.ActionMessage[A]{
		Seq:             msg.Seq,
		Action:          action,
		ClientTimestamp: msg.ClientTimestamp,
	})
	if s.metrics != nil {
		if accepted {
			s.metrics.ActionsReceived.Inc()
		} else {
			s.metrics.ActionsRejected.Inc()
		}
	}
}

func (s *Server[W, I, A]) handlePing(conn transport.Conn, payload []byte) {
	var msg protocol.Ping
	if err := protocol.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed ping dropped", "conn", conn.ID(), "err", err)
		return
	}

	if msg.Reported {
		s.clocks.Set(conn.ID(), clock.Timing{Offset: msg.ClockOffset, RTT: msg.RTT})
		if s.metrics != nil {
			s.metrics.ClientRTT.WithLabelValues(conn.ID()).Set(msg.RTT)
		}
	}

	out, err := protocol.Marshal(protocol.Pong{
		ClientTime: msg.ClientTime,
		ServerTime: s.now(),
	})
	if err != nil {
		slog.Error("pong encode failed", "err", err)
		return
	}
	if err := conn.Send(protocol.ChannelPong, out); err != nil {
		slog.Debug("pong send failed", "conn", conn.ID(), "err", err)
	}
}
