// Package lagcomp validates client actions against the world state the
// client actually saw when it acted, by rewinding through the snapshot
// history.
package lagcomp

import (
	"github.com/udisondev/netstep/internal/clock"
	"github.com/udisondev/netstep/internal/snapshot"
)

// Validator inspects a rewound world and decides whether the action
// succeeds; result is an opaque game payload returned to the client.
type Validator[W any] func(w W, clientID string) (success bool, result []byte)

// Outcome is the result of a lag-compensated validation, with the
// rewind metadata. RewoundTick is -1 when no snapshot covered the
// rewound moment.
type Outcome struct {
	Success     bool
	Result      []byte
	RewoundTick int64
	RewoundTime float64
}

// Compensator rewinds snapshot state to a client's perceived moment.
// The rewound time subtracts the interpolation delay because the client
// rendered remote entities that far in the past; its action targeted
// those past positions.
type Compensator[W any] struct {
	snapshots   *snapshot.Buffer[W]
	clocks      *clock.Store
	delayMs     float64
	maxRewindMs float64
	now         func() float64
}

// NewCompensator wires a compensator over the server's snapshot buffer
// and clock store. delayMs is the interpolation delay announced to
// clients; maxRewindMs clamps how far back an action may reach.
func NewCompensator[W any](snapshots *snapshot.Buffer[W], clocks *clock.Store, delayMs, maxRewindMs float64, now func() float64) *Compensator[W] {
	return &Compensator[W]{
		snapshots:   snapshots,
		clocks:      clocks,
		delayMs:     delayMs,
		maxRewindMs: maxRewindMs,
		now:         now,
	}
}

// RewoundTime computes the server-side moment the client perceived when
// it acted at clientTimestamp, clamped to [now-maxRewind, now].
// Presence in the clock store is the signal that clock info exists; an
// offset of zero from a synchronized client is a legitimate value and
// must not fall back to the no-info path.
func (c *Compensator[W]) RewoundTime(clientID string, clientTimestamp float64) float64 {
	now := c.now()

	var rewound float64
	if t, ok := c.clocks.Get(clientID); ok {
		rewound = clientTimestamp + t.Offset - c.delayMs
	} else {
		rewound = now - c.delayMs
	}

	if min := now - c.maxRewindMs; rewound < min {
		rewound = min
	}
	if rewound > now {
		rewound = now
	}
	return rewound
}

// Validate rewinds to the client's perceived moment and runs the
// validator against the nearest snapshot.
func (c *Compensator[W]) Validate(clientID string, clientTimestamp float64, validate Validator[W]) Outcome {
	rewound := c.RewoundTime(clientID, clientTimestamp)

	snap, ok := c.snapshots.AtTimestamp(rewound)
	if !ok {
		return Outcome{Success: false, RewoundTick: -1, RewoundTime: rewound}
	}

	success, result := validate(snap.State, clientID)
	return Outcome{
		Success:     success,
		Result:      result,
		RewoundTick: int64(snap.Tick),
		RewoundTime: rewound,
	}
}
