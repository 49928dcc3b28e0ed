package predict

import (
	"github.com/udisondev/netstep/internal/input"
	"github.com/udisondev/netstep/internal/snapshot"
)

// ReplayFunc observes one replayed input during reconciliation: the seq
// that was re-applied and the predicted slice after it. The presentation
// smoothers subscribe to ease corrected positions in rather than snap.
type ReplayFunc[W any] func(seq uint32, predicted W)

// Reconciler rewinds the predictor to each arriving authoritative
// snapshot and replays the inputs the server has not processed yet.
type Reconciler[W, I any] struct {
	buffer         *input.Buffer[I]
	predictor      *Predictor[W, I]
	localID        string
	tickIntervalMs float64
	observers      []ReplayFunc[W]
}

// NewReconciler wires a reconciler over the client input buffer and the
// predictor. tickIntervalMs is the server's fixed tick interval.
func NewReconciler[W, I any](buf *input.Buffer[I], p *Predictor[W, I], localID string, tickIntervalMs float64) *Reconciler[W, I] {
	return &Reconciler[W, I]{
		buffer:         buf,
		predictor:      p,
		localID:        localID,
		tickIntervalMs: tickIntervalMs,
	}
}

// OnReplay subscribes fn to replayed inputs. Subscription happens during
// setup, before any snapshot flows; not synchronized.
func (r *Reconciler[W, I]) OnReplay(fn ReplayFunc[W]) {
	r.observers = append(r.observers, fn)
}

// Reconcile applies one authoritative snapshot:
//
//  1. acknowledge everything the snapshot covers,
//  2. reset the predicted slice to the snapshot state,
//  3. replay the remaining unacknowledged inputs with the server's
//     fixed tick delta — the delta the server will use when it
//     processes them, so the final slice converges to the server's
//     future authoritative state.
//
// Returns the predicted slice after replay.
func (r *Reconciler[W, I]) Reconcile(s snapshot.Snapshot[W]) W {
	var pending []input.Message[I]
	if lastAck, ok := s.AckFor(r.localID); ok {
		r.buffer.Acknowledge(lastAck)
		pending = r.buffer.PendingAfter(lastAck)
	} else {
		pending = r.buffer.Pending()
	}

	r.predictor.SetBaseState(s.State)

	var out W
	for _, msg := range pending {
		out = r.predictor.ApplyInputWithDelta(msg.Input, r.tickIntervalMs)
		for _, fn := range r.observers {
			fn(msg.Seq, out)
		}
	}
	if len(pending) == 0 {
		out, _ = r.predictor.State()
	}
	return out
}
