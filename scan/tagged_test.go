package scan

import (
	"sort"
	"sync"
	"testing"
)

// TestSlotLifecycle verifies the tagged-word encoding: a fresh slot is Unset,
// a published slot answers readiness and payload from one load.
func TestSlotLifecycle(t *testing.T) {
	s := newSlots(4)

	for i := 0; i < 4; i++ {
		if v, ok := s.poll(i); ok || v != 0 {
			t.Errorf("fresh slot %d: got (%d, %v), want (0, false)", i, v, ok)
		}
	}

	s.publish(2, 12345)
	if v, ok := s.poll(2); !ok || v != 12345 {
		t.Errorf("published slot: got (%d, %v), want (12345, true)", v, ok)
	}
	if _, ok := s.poll(1); ok {
		t.Error("neighbor slot became ready without a publish")
	}

	// The full 31-bit payload range must round-trip.
	s.publish(3, payloadMask)
	if v, ok := s.poll(3); !ok || v != payloadMask {
		t.Errorf("max payload: got (%d, %v), want (%d, true)", v, ok, payloadMask)
	}
}

// TestSlotOverflowPanics verifies that a payload colliding with the ready
// flag is rejected instead of silently corrupting the protocol.
func TestSlotOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("publish with bit 31 set did not panic")
		}
	}()
	newSlots(1).publish(0, flagReady|7)
}

// TestClaimPartition verifies the allocator hands out a dense, duplicate-free
// range under concurrent claims.
func TestClaimPartition(t *testing.T) {
	const n = 512
	st := newState(n)

	claimed := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			claimed[i] = st.claimPartition()
		}(i)
	}
	wg.Wait()

	sort.Ints(claimed)
	for i, c := range claimed {
		if c != i {
			t.Fatalf("claimed indices not dense: position %d holds %d", i, c)
		}
	}
}
