package scan

import (
	"errors"
	"runtime"
)

// ErrStalled is returned when a look-back walk exhausts its spin budget
// without a predecessor publishing anything. With an honest scheduler this
// only happens with a deliberately small SpinLimit; limit 0 preserves the
// original unbounded behavior.
var ErrStalled = errors.New("scan: look-back stalled waiting on predecessor partition")

// publishAggregate makes partition p's local total visible to later
// partitions. This is the first cross-partition publication and happens
// before p has resolved its own prefix — the decoupling that lets walks
// overlap instead of serializing.
func (st *state) publishAggregate(p int, total uint32) {
	st.aggregates.publish(p, total)
}

// publishInclusive records the sum over partitions [0..=p] so any later walk
// through p terminates in one step.
func (st *state) publishInclusive(p int, exclusive, total uint32) {
	st.prefixes.publish(p, exclusive+total)
}

// lookBack resolves partition p's exclusive prefix by walking backward over
// predecessors' published state. For each cursor position it prefers the
// inclusive prefix (which already folds in everything from partition 0) and
// short-circuits; otherwise it consumes the raw aggregate and steps back;
// otherwise it spins. The cursor strictly decreases and partition 0 always
// publishes an aggregate unconditionally, so the walk terminates.
//
// spinLimit bounds the number of polls of a not-yet-ready slot pair across
// the whole walk; 0 means spin forever.
func (st *state) lookBack(p int, spinLimit int) (uint32, error) {
	var exclusive uint32
	if p == 0 {
		return 0, nil
	}
	spins := 0
	for c := p - 1; ; {
		if v, ok := st.prefixes.poll(c); ok {
			return exclusive + v, nil
		}
		if v, ok := st.aggregates.poll(c); ok {
			exclusive += v
			if c == 0 {
				return exclusive, nil
			}
			c--
			continue
		}
		spins++
		if spinLimit > 0 && spins >= spinLimit {
			return 0, ErrStalled
		}
		// Cooperative schedulers have no fairness guarantee either; yield so
		// the owning partition's goroutines can run even at GOMAXPROCS=1.
		runtime.Gosched()
	}
}
