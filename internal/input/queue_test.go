package input

import "testing"

func msg(seq uint32) Message[string] {
	return Message[string]{Seq: seq, Input: "in"}
}

func TestQueue_OutOfOrderInsertSorted(t *testing.T) {
	q := NewQueue[string]()
	for _, seq := range []uint32{3, 0, 2, 1} {
		if !q.Enqueue("c", msg(seq)) {
			t.Fatalf("Enqueue(%d) rejected", seq)
		}
	}

	pending := q.PendingBatched()["c"]
	if len(pending) != 4 {
		t.Fatalf("pending holds %d, want 4", len(pending))
	}
	for i, m := range pending {
		if m.Seq != uint32(i) {
			t.Errorf("pending[%d].Seq = %d, want %d", i, m.Seq, i)
		}
	}
}

func TestQueue_DuplicateDropped(t *testing.T) {
	q := NewQueue[string]()
	if !q.Enqueue("c", msg(1)) {
		t.Fatal("first Enqueue(1) rejected")
	}
	if q.Enqueue("c", msg(1)) {
		t.Error("duplicate Enqueue(1) accepted")
	}
	if q.PendingCount("c") != 1 {
		t.Errorf("PendingCount = %d, want 1", q.PendingCount("c"))
	}
}

func TestQueue_StaleDroppedAfterAck(t *testing.T) {
	q := NewQueue[string]()
	for seq := uint32(0); seq <= 4; seq++ {
		q.Enqueue("c", msg(seq))
	}
	q.Acknowledge("c", 2)

	if q.PendingCount("c") != 2 {
		t.Fatalf("PendingCount after ack = %d, want 2", q.PendingCount("c"))
	}
	if q.Enqueue("c", msg(1)) {
		t.Error("stale seq 1 accepted after ack(2)")
	}
	if q.Enqueue("c", msg(2)) {
		t.Error("stale seq 2 accepted after ack(2)")
	}
	if !q.Enqueue("c", msg(5)) {
		t.Error("fresh seq 5 rejected")
	}
}

func TestQueue_AcknowledgeIdempotent(t *testing.T) {
	q := NewQueue[string]()
	for seq := uint32(0); seq <= 3; seq++ {
		q.Enqueue("c", msg(seq))
	}
	q.Acknowledge("c", 1)
	q.Acknowledge("c", 1)

	if q.PendingCount("c") != 2 {
		t.Errorf("PendingCount = %d, want 2", q.PendingCount("c"))
	}
}

func TestQueue_PendingBatchedIsCopy(t *testing.T) {
	q := NewQueue[string]()
	q.Enqueue("c", msg(0))

	batch := q.PendingBatched()
	batch["c"][0].Seq = 99

	if got := q.PendingBatched()["c"][0].Seq; got != 0 {
		t.Errorf("mutating the batch leaked into the queue: seq = %d", got)
	}
}

func TestQueue_RemoveClient(t *testing.T) {
	q := NewQueue[string]()
	q.Enqueue("c", msg(0))
	q.Acknowledge("c", 0)
	q.RemoveClient("c")

	if q.PendingCount("c") != 0 {
		t.Errorf("PendingCount after remove = %d, want 0", q.PendingCount("c"))
	}
	// A fresh session may legitimately reuse low seqs.
	if !q.Enqueue("c", msg(0)) {
		t.Error("seq 0 rejected after RemoveClient")
	}
}
