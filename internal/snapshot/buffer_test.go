package snapshot

import "testing"

func snap(tick uint64, ts float64) Snapshot[int] {
	return Snapshot[int]{Tick: tick, Timestamp: ts, State: int(tick)}
}

func TestBuffer_AddEvictsOldest(t *testing.T) {
	b := NewBuffer[int](3)
	for i := uint64(1); i <= 5; i++ {
		b.Add(snap(i, float64(i)*100))
		if b.Len() > 3 {
			t.Fatalf("Len() = %d, want <= 3", b.Len())
		}
	}

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if _, ok := b.AtTick(2); ok {
		t.Error("tick 2 should have been evicted")
	}
	latest, ok := b.Latest()
	if !ok || latest.Tick != 5 {
		t.Errorf("Latest().Tick = %d, want 5", latest.Tick)
	}
}

func TestBuffer_AddRejectsNonMonotonicTick(t *testing.T) {
	b := NewBuffer[int](10)
	b.Add(snap(5, 500))
	b.Add(snap(5, 501)) // duplicate tick
	b.Add(snap(3, 300)) // regression

	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestBuffer_AtTimestampNearest(t *testing.T) {
	b := NewBuffer[int](10)
	b.Add(snap(1, 100))
	b.Add(snap(2, 200))
	b.Add(snap(3, 300))

	tests := []struct {
		name     string
		ts       float64
		wantTick uint64
	}{
		{"exact", 200, 2},
		{"closer to previous", 240, 2},
		{"closer to next", 260, 3},
		{"before all", -50, 1},
		{"after all", 900, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := b.AtTimestamp(tt.ts)
			if !ok {
				t.Fatal("AtTimestamp returned no snapshot")
			}
			if s.Tick != tt.wantTick {
				t.Errorf("AtTimestamp(%v).Tick = %d, want %d", tt.ts, s.Tick, tt.wantTick)
			}
		})
	}
}

func TestBuffer_AtTimestampEmpty(t *testing.T) {
	b := NewBuffer[int](10)
	if _, ok := b.AtTimestamp(100); ok {
		t.Error("AtTimestamp on empty buffer should report no snapshot")
	}
}

func TestBuffer_Bracketing(t *testing.T) {
	b := NewBuffer[int](10)
	b.Add(snap(1, 100))
	b.Add(snap(2, 200))
	b.Add(snap(3, 400))

	tests := []struct {
		name      string
		ts        float64
		wantFrom  uint64
		wantTo    uint64
		wantAlpha float64
	}{
		{"midpoint", 150, 1, 2, 0.5},
		{"quarter of wide gap", 250, 2, 3, 0.25},
		{"saturates low", 50, 1, 1, 0},
		{"saturates high", 900, 3, 3, 1},
		{"exact boundary", 200, 1, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br, ok := b.Bracketing(tt.ts)
			if !ok {
				t.Fatal("Bracketing returned no bracket")
			}
			if br.From.Tick != tt.wantFrom || br.To.Tick != tt.wantTo {
				t.Errorf("Bracketing(%v) = [%d, %d], want [%d, %d]",
					tt.ts, br.From.Tick, br.To.Tick, tt.wantFrom, tt.wantTo)
			}
			if diff := br.Alpha - tt.wantAlpha; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Bracketing(%v).Alpha = %v, want %v", tt.ts, br.Alpha, tt.wantAlpha)
			}
		})
	}
}

func TestBuffer_Range(t *testing.T) {
	b := NewBuffer[int](10)
	for i := uint64(1); i <= 6; i++ {
		b.Add(snap(i, float64(i)*100))
	}
	got := b.Range(2, 4)
	if len(got) != 3 {
		t.Fatalf("Range(2,4) returned %d snapshots, want 3", len(got))
	}
	for i, s := range got {
		if want := uint64(2 + i); s.Tick != want {
			t.Errorf("Range[%d].Tick = %d, want %d", i, s.Tick, want)
		}
	}
}

func TestSnapshot_AckFor(t *testing.T) {
	s := Snapshot[int]{InputAcks: map[string]uint32{"a": 0, "b": 7}}

	if seq, ok := s.AckFor("a"); !ok || seq != 0 {
		t.Errorf("AckFor(a) = (%d, %v), want (0, true)", seq, ok)
	}
	if seq, ok := s.AckFor("b"); !ok || seq != 7 {
		t.Errorf("AckFor(b) = (%d, %v), want (7, true)", seq, ok)
	}
	if _, ok := s.AckFor("missing"); ok {
		t.Error("AckFor(missing) should report no ack")
	}
}
