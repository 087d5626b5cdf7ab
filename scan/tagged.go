package scan

import (
	"fmt"
	"sync/atomic"
)

// Slot words pack readiness and payload into one u32 so a single atomic load
// answers both questions. Bit 31 is the ready flag; the payload is limited to
// 31 bits.
const (
	flagReady   uint32 = 1 << 31
	payloadMask uint32 = flagReady - 1
)

// slots is one tagged word per partition. Each slot is written exactly once
// by its owning partition and polled by every later partition's look-back
// walk. The zero value of every word is Unset, so a freshly allocated array
// satisfies the zero-init precondition.
type slots struct {
	words []atomic.Uint32
}

func newSlots(n int) *slots {
	return &slots{words: make([]atomic.Uint32, n)}
}

// publish stores flagReady|v into slot i. A payload that reaches bit 31 would
// silently collide with the ready flag and corrupt the protocol, so it panics
// instead: callers must bound input magnitude (spec'd precondition of the
// tagged encoding).
func (s *slots) publish(i int, v uint32) {
	if v&flagReady != 0 {
		panic(fmt.Sprintf("scan: payload %#x overflows 31-bit slot %d", v, i))
	}
	s.words[i].Store(flagReady | v)
}

// poll loads slot i once, returning the payload and whether it is ready.
func (s *slots) poll(i int) (uint32, bool) {
	w := s.words[i].Load()
	return w & payloadMask, w&flagReady != 0
}

// state is the cross-partition coordination surface: one aggregate slot and
// one inclusive-prefix slot per partition, plus the partition counter used by
// allocated indexing. All of it is single-run, freshly zeroed by the
// dispatcher.
type state struct {
	aggregates *slots
	prefixes   *slots
	counter    atomic.Uint32
}

func newState(partitions int) *state {
	return &state{
		aggregates: newSlots(partitions),
		prefixes:   newSlots(partitions),
	}
}

// claimPartition hands out the next logical partition index. Multi-writer via
// atomic increment; each returned index is observed by exactly one group.
func (st *state) claimPartition() int {
	return int(st.counter.Add(1) - 1)
}
