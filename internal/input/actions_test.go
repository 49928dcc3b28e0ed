package input

import "testing"

func action(seq uint32) ActionMessage[string] {
	return ActionMessage[string]{Seq: seq, Action: "shoot"}
}

func TestActionQueue_DedupBySeq(t *testing.T) {
	q := NewActionQueue[string](8)

	if !q.Enqueue("c", action(0)) {
		t.Fatal("first action rejected")
	}
	if q.Enqueue("c", action(0)) {
		t.Error("duplicate action accepted")
	}

	drained := q.Drain()
	if len(drained["c"]) != 1 {
		t.Errorf("drained %d actions, want 1", len(drained["c"]))
	}

	// Dedup history survives the drain.
	if q.Enqueue("c", action(0)) {
		t.Error("duplicate accepted after drain")
	}
}

func TestActionQueue_PerClientDedup(t *testing.T) {
	q := NewActionQueue[string](8)
	if !q.Enqueue("a", action(0)) {
		t.Fatal("client a action rejected")
	}
	if !q.Enqueue("b", action(0)) {
		t.Error("same seq from another client rejected")
	}
}

func TestActionQueue_DrainClears(t *testing.T) {
	q := NewActionQueue[string](8)
	q.Enqueue("c", action(0))
	q.Enqueue("c", action(1))

	first := q.Drain()
	if len(first["c"]) != 2 {
		t.Fatalf("first drain returned %d, want 2", len(first["c"]))
	}
	if second := q.Drain(); len(second) != 0 {
		t.Errorf("second drain returned %d clients, want 0", len(second))
	}
}

func TestActionQueue_OverflowDropsOldest(t *testing.T) {
	q := NewActionQueue[string](2)
	q.Enqueue("c", action(0))
	q.Enqueue("c", action(1))
	q.Enqueue("c", action(2))

	drained := q.Drain()["c"]
	if len(drained) != 2 {
		t.Fatalf("drained %d, want 2", len(drained))
	}
	if drained[0].Seq != 1 || drained[1].Seq != 2 {
		t.Errorf("drained seqs = %d, %d; want 1, 2", drained[0].Seq, drained[1].Seq)
	}
}

func TestActionQueue_SeenWindowAges(t *testing.T) {
	q := NewActionQueue[string](seenWindow * 2)
	for seq := uint32(0); seq < seenWindow+1; seq++ {
		q.Enqueue("c", action(seq))
	}
	q.Drain()

	// Seq 0 aged out of the window; a very late duplicate re-enters,
	// which the ordered transport makes harmless in practice.
	if !q.Enqueue("c", action(0)) {
		t.Error("seq 0 still deduplicated after the window aged past it")
	}
	if q.Enqueue("c", action(seenWindow)) {
		t.Error("recent seq not deduplicated")
	}
}

func TestActionQueue_RemoveClient(t *testing.T) {
	q := NewActionQueue[string](8)
	q.Enqueue("c", action(0))
	q.RemoveClient("c")

	if drained := q.Drain(); len(drained) != 0 {
		t.Error("actions survived RemoveClient")
	}
	if !q.Enqueue("c", action(0)) {
		t.Error("dedup history survived RemoveClient")
	}
}
