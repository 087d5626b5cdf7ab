package scan

import (
	"errors"
	"testing"
)

// TestLookBackPartitionZero: partition 0 never walks; its exclusive prefix is
// the identity even when nothing at all has been published.
func TestLookBackPartitionZero(t *testing.T) {
	st := newState(4)
	got, err := st.lookBack(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("partition 0 exclusive prefix = %d, want 0", got)
	}
}

// TestLookBackAggregateFallback: with only raw aggregates published (every
// inclusive prefix withheld), the walk must consume aggregates all the way
// down to partition 0 and still produce the correct exclusive prefix.
func TestLookBackAggregateFallback(t *testing.T) {
	st := newState(6)
	totals := []uint32{5, 10, 20, 40, 80}
	for p, v := range totals {
		st.publishAggregate(p, v)
	}

	got, err := st.lookBack(5, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint32(155); got != want {
		t.Errorf("exclusive prefix = %d, want %d", got, want)
	}
}

// TestLookBackShortCircuit: a ready inclusive prefix terminates the walk
// immediately, so aggregates below it must not be consulted (they are left
// unset here, which would otherwise stall).
func TestLookBackShortCircuit(t *testing.T) {
	st := newState(8)
	st.publishInclusive(6, 90, 10) // sum over partitions [0..=6] = 100
	// partitions 0..5 deliberately left fully unset

	got, err := st.lookBack(7, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 100 {
		t.Errorf("exclusive prefix = %d, want 100", got)
	}
}

// TestLookBackMixed: aggregates for the nearest predecessors, an inclusive
// prefix further back — the walk sums the aggregates, then short-circuits.
func TestLookBackMixed(t *testing.T) {
	st := newState(8)
	st.publishInclusive(3, 0, 1000) // inclusive through partition 3
	st.publishAggregate(4, 7)
	st.publishAggregate(5, 11)
	st.publishAggregate(6, 13)

	got, err := st.lookBack(7, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint32(1031); got != want {
		t.Errorf("exclusive prefix = %d, want %d", got, want)
	}
}

// TestLookBackStalls: a withheld predecessor exhausts a finite spin budget.
func TestLookBackStalls(t *testing.T) {
	st := newState(3)
	st.publishAggregate(0, 1)
	// partition 1 never publishes anything

	_, err := st.lookBack(2, 16)
	if !errors.Is(err, ErrStalled) {
		t.Errorf("got err %v, want ErrStalled", err)
	}
}
