package tunnel

import "testing"

func TestAckQueueAddRemoveRoundTrip(t *testing.T) {
	q := NewAckQueue()
	q.Add(1, "conn-a")
	q.Add(2, "conn-b")

	conn, found := q.Remove(1)
	if !found || conn != "conn-a" {
		t.Fatalf("Remove(1) = (%v, %v), want (conn-a, true)", conn, found)
	}
	if !q.Contains(2) {
		t.Fatalf("expected token 2 to still be present")
	}
}

func TestAckQueueRemoveUnknownTokenIsNoop(t *testing.T) {
	q := NewAckQueue()
	q.Add(1, "conn-a")

	conn, found := q.Remove(99)
	if found || conn != nil {
		t.Fatalf("Remove of unknown token = (%v, %v), want (nil, false)", conn, found)
	}
	if !q.Contains(1) {
		t.Fatalf("unrelated entry should be untouched by a miss")
	}
}

func TestAckQueueDoubleRemoveIsIdempotent(t *testing.T) {
	q := NewAckQueue()
	q.Add(1, "conn-a")

	if _, found := q.Remove(1); !found {
		t.Fatalf("first Remove should find the entry")
	}
	if _, found := q.Remove(1); found {
		t.Fatalf("second Remove of the same token should report not found")
	}
}

// TestAckQueueNoLeakAfterMatchedSessions exercises the invariant restated
// from spec §8: after any sequence of matched adds/removes, both internal
// counters return to zero — no slot or reuse-count leak survives draining
// the queue.
func TestAckQueueNoLeakAfterMatchedSessions(t *testing.T) {
	q := NewAckQueue()

	for round := 0; round < 3; round++ {
		var tokens []Token
		for i := Token(1); i <= 10; i++ {
			q.Add(i, nil)
			tokens = append(tokens, i)
		}

		// Remove out of order: evens first, then odds, to exercise both
		// the trailing-slot-shrink and the vacated-slot-reuse paths.
		for _, tok := range tokens {
			if tok%2 == 0 {
				q.Remove(tok)
			}
		}
		for _, tok := range tokens {
			if tok%2 != 0 {
				q.Remove(tok)
			}
		}

		if q.Size() != 0 || q.Reuse() != 0 {
			t.Fatalf("round %d: after draining, Size()=%d Reuse()=%d, want 0, 0", round, q.Size(), q.Reuse())
		}
	}
}

func TestAckQueueReusesVacatedSlotBeforeGrowing(t *testing.T) {
	q := NewAckQueue()
	q.Add(1, "a")
	q.Add(2, "b")
	q.Add(3, "c")

	q.Remove(2)
	if q.Size() != 3 || q.Reuse() != 1 {
		t.Fatalf("after removing middle slot: Size()=%d Reuse()=%d, want 3, 1", q.Size(), q.Reuse())
	}

	q.Add(4, "d")
	if q.Size() != 3 || q.Reuse() != 0 {
		t.Fatalf("after re-adding into vacated slot: Size()=%d Reuse()=%d, want 3, 0", q.Size(), q.Reuse())
	}
	if !q.Contains(4) {
		t.Fatalf("expected token 4 to be present after reuse-add")
	}
}

func TestAckQueueGrowsPastInitialCapacity(t *testing.T) {
	q := NewAckQueue()
	for i := Token(0); i < initialCapacity+5; i++ {
		q.Add(i, nil)
	}
	if q.Size() != initialCapacity+5 {
		t.Fatalf("Size() = %d, want %d", q.Size(), initialCapacity+5)
	}
	if !q.Contains(initialCapacity + 4) {
		t.Fatalf("expected last-added token to be present after growth")
	}
}
