// Package platformer is the reference game shipped with the engine: a
// 2D platformer with gravity, grounded movement, jumping and hitscan
// shooting. It exists to exercise every engine contract end to end;
// real games implement the same interfaces against their own state.
package platformer

import (
	"sort"

	"github.com/udisondev/netstep/internal/game"
	"github.com/udisondev/netstep/internal/protocol"
)

// Tuning constants, units per second (Y-up).
const (
	MoveSpeed = 200.0
	JumpSpeed = 350.0
	Gravity   = -800.0

	// Player AABB: feet at (X, Y), box HalfWidth wide on each side and
	// Height tall.
	PlayerHalfWidth = 16.0
	PlayerHeight    = 32.0
)

// Player is one simulated entity. Y is the feet position.
type Player struct {
	ID       string  `msgpack:"id"`
	X        float64 `msgpack:"x"`
	Y        float64 `msgpack:"y"`
	VX       float64 `msgpack:"vx"`
	VY       float64 `msgpack:"vy"`
	Grounded bool    `msgpack:"grounded"`
	Facing   float64 `msgpack:"facing"` // -1 left, +1 right
}

// World is the whole platformer state. Spawn point and floor height are
// level data carried in the state so every peer simulates identically.
type World struct {
	Players map[string]Player `msgpack:"players"`
	FloorY  float64           `msgpack:"floor_y"`
	SpawnX  float64           `msgpack:"spawn_x"`
	SpawnY  float64           `msgpack:"spawn_y"`
	Elapsed float64           `msgpack:"elapsed"` // shared timer, seconds
}

// NewWorld creates an empty world with the given floor height and spawn
// point.
func NewWorld(floorY, spawnX, spawnY float64) World {
	return World{
		Players: map[string]Player{},
		FloorY:  floorY,
		SpawnX:  spawnX,
		SpawnY:  spawnY,
	}
}

func (w World) clone() World {
	players := make(map[string]Player, len(w.Players))
	for id, p := range w.Players {
		players[id] = p
	}
	w.Players = players
	return w
}

// Input is one sampled control state.
type Input struct {
	MoveX float64 `msgpack:"move_x"` // -1..1
	Jump  bool    `msgpack:"jump"`
}

// ShootAction is a hitscan shot from Origin along Dir.
type ShootAction struct {
	OriginX float64 `msgpack:"origin_x"`
	OriginY float64 `msgpack:"origin_y"`
	DirX    float64 `msgpack:"dir_x"`
	DirY    float64 `msgpack:"dir_y"`
}

// HitResult is the payload of a successful shot validation.
type HitResult struct {
	TargetID string  `msgpack:"target_id"`
	HitX     float64 `msgpack:"hit_x"`
	HitY     float64 `msgpack:"hit_y"`
}

// Game implements the engine's game contract for the platformer.
type Game struct{}

var _ interface {
	game.InputMerger[Input]
	game.PredictionScope[World, Input]
	game.TransformSource[World]
	game.TransformApplier[World]
} = Game{}

// Simulate advances every player by one fixed step. Deterministic:
// players step in id order and all math is plain float64 arithmetic.
func (Game) Simulate(w World, inputs map[string]Input, dtMs float64) World {
	dt := dtMs / 1000.0
	out := w.clone()
	out.Elapsed += dt

	ids := make([]string, 0, len(out.Players))
	for id := range out.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := out.Players[id]
		in := inputs[id]

		p.VX = in.MoveX * MoveSpeed
		if in.MoveX > 0 {
			p.Facing = 1
		} else if in.MoveX < 0 {
			p.Facing = -1
		}

		if in.Jump && p.Grounded {
			p.VY = JumpSpeed
			p.Grounded = false
		}
		if !p.Grounded {
			p.VY += Gravity * dt
		}

		p.X += p.VX * dt
		p.Y += p.VY * dt

		if p.Y <= out.FloorY {
			p.Y = out.FloorY
			p.VY = 0
			p.Grounded = true
		}

		out.Players[id] = p
	}
	return out
}

// Interpolate blends player positions; players present only in the
// newer world appear as-is.
func (Game) Interpolate(from, to World, alpha float64) World {
	out := to.clone()
	for id, tp := range out.Players {
		fp, ok := from.Players[id]
		if !ok {
			continue
		}
		tp.X = fp.X + (tp.X-fp.X)*alpha
		tp.Y = fp.Y + (tp.Y-fp.Y)*alpha
		out.Players[id] = tp
	}
	out.Elapsed = from.Elapsed + (to.Elapsed-from.Elapsed)*alpha
	return out
}

// AddPlayer spawns a player at the world's spawn point.
func (Game) AddPlayer(w World, id string) World {
	out := w.clone()
	out.Players[id] = Player{
		ID:       id,
		X:        out.SpawnX,
		Y:        out.SpawnY,
		Grounded: out.SpawnY <= out.FloorY,
		Facing:   1,
	}
	return out
}

// RemovePlayer drops a player.
func (Game) RemovePlayer(w World, id string) World {
	out := w.clone()
	delete(out.Players, id)
	return out
}

// CreateIdleInput returns the no-op input: no movement, no jump.
// Gravity still applies to an idle player.
func (Game) CreateIdleInput() Input { return Input{} }

// MergeInputs collapses a burst of inputs captured within one tick:
// last-wins for movement, OR for the jump edge so a press between two
// ticks is never lost.
func (Game) MergeInputs(inputs []Input) Input {
	if len(inputs) == 0 {
		return Input{}
	}
	merged := inputs[len(inputs)-1]
	for _, in := range inputs {
		if in.Jump {
			merged.Jump = true
			break
		}
	}
	return merged
}

// ExtractPredictable returns the slice of the world the local player
// may simulate ahead: their own entity plus the level data.
func (g Game) ExtractPredictable(w World, localID string) World {
	slice := World{
		Players: map[string]Player{},
		FloorY:  w.FloorY,
		SpawnX:  w.SpawnX,
		SpawnY:  w.SpawnY,
		Elapsed: w.Elapsed,
	}
	if p, ok := w.Players[localID]; ok {
		slice.Players[localID] = p
	}
	return slice
}

// SimulatePredicted advances only the predictable slice.
func (g Game) SimulatePredicted(slice World, in Input, dtMs float64, localID string) World {
	return g.Simulate(slice, map[string]Input{localID: in}, dtMs)
}

// MergePrediction overlays the predicted local player on authoritative
// remote state.
func (g Game) MergePrediction(server, predicted World, localID string) World {
	out := server.clone()
	if p, ok := predicted.Players[localID]; ok {
		out.Players[localID] = p
	}
	return out
}

// Transforms exposes player poses to the smoothing layer.
func (Game) Transforms(w World) map[string]game.Transform {
	out := make(map[string]game.Transform, len(w.Players))
	for id, p := range w.Players {
		out[id] = game.Transform{X: p.X, Y: p.Y, Rotation: 0, Scale: 1}
	}
	return out
}

// ApplyTransform writes a smoothed pose back for rendering.
func (Game) ApplyTransform(w World, id string, tr game.Transform) World {
	p, ok := w.Players[id]
	if !ok {
		return w
	}
	out := w.clone()
	p.X = tr.X
	p.Y = tr.Y
	out.Players[id] = p
	return out
}

// BoundsOf returns a player's AABB.
func BoundsOf(p Player) AABB {
	return AABB{
		MinX: p.X - PlayerHalfWidth,
		MinY: p.Y,
		MaxX: p.X + PlayerHalfWidth,
		MaxY: p.Y + PlayerHeight,
	}
}

// ValidateShot is the engine action validator: it raycasts the shot
// against every other player in the rewound world and reports the
// nearest hit.
func ValidateShot(w World, shooterID string, action ShootAction) (bool, []byte) {
	bestDist := -1.0
	var best HitResult

	for id, p := range w.Players {
		if id == shooterID {
			continue
		}
		dist, ok := RaycastAABB(action.OriginX, action.OriginY, action.DirX, action.DirY, BoundsOf(p))
		if !ok {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			best = HitResult{
				TargetID: id,
				HitX:     action.OriginX + action.DirX*dist,
				HitY:     action.OriginY + action.DirY*dist,
			}
		}
	}

	if bestDist < 0 {
		return false, nil
	}
	payload, err := protocol.Marshal(best)
	if err != nil {
		return false, nil
	}
	return true, payload
}
