// Package scan computes inclusive prefix sums with the decoupled look-back
// protocol: the input is cut into fixed-size partitions, each processed by an
// independent synchronization group, and a group discovers its exclusive
// prefix by polling the published state of prior partitions instead of
// waiting on any global barrier.
//
// The engine here runs the protocol on the CPU with goroutine groups that
// mirror the GPU execution model (shared scratch, paired barriers, atomic
// tagged slots), so the protocol itself is what gets exercised and tested.
// The gpu package dispatches the same protocol as a WGSL kernel.
package scan

import (
	"fmt"
	"runtime"
	"sync"
)

// Indexing selects how a group discovers its partition identity.
type Indexing int

const (
	// DirectIndex uses the group's dispatch index as the partition index.
	// Only valid when launch order coincides with partition order; the
	// allocated variant makes the stronger guarantee.
	DirectIndex Indexing = iota
	// AllocatedIndex claims a dense, order-preserving index from the shared
	// atomic counter, decoupling partition identity from the scheduler's
	// indeterminate launch order.
	AllocatedIndex
)

// Engine configures one scan dispatch. The two shipped variants are Simple
// (one element per thread, direct indexing) and Scaled (eight elements per
// thread, allocated indexing); they are kept as distinct presets rather than
// unified because they make different launch-order assumptions.
type Engine struct {
	Workgroup      int      // threads per group, power of two
	ElemsPerThread int      // contiguous elements owned by each thread
	Indexing       Indexing // partition identity source
	// SpinLimit bounds how many times a look-back walk may poll a partition
	// whose slots are both unset before the run is declared stalled.
	// 0 spins without bound, matching the original protocol.
	SpinLimit int
	// MaxResident caps how many groups run concurrently, mirroring the
	// bounded workgroup residency of a real device. Groups are launched in
	// partition order, so every resolver's predecessors are already running
	// or finished. 0 picks a multiple of GOMAXPROCS.
	MaxResident int
}

// Simple returns the one-element-per-thread, direct-index variant.
func Simple(workgroup int) *Engine {
	return &Engine{Workgroup: workgroup, ElemsPerThread: 1, Indexing: DirectIndex}
}

// Scaled returns the eight-elements-per-thread, allocated-index variant.
func Scaled(workgroup int) *Engine {
	return &Engine{Workgroup: workgroup, ElemsPerThread: 8, Indexing: AllocatedIndex}
}

// PartitionSize is the number of input elements one group owns.
func (e *Engine) PartitionSize() int {
	return e.Workgroup * e.ElemsPerThread
}

func (e *Engine) validate() error {
	if e.Workgroup < 1 || e.Workgroup&(e.Workgroup-1) != 0 {
		return fmt.Errorf("scan: workgroup size %d must be a power of two", e.Workgroup)
	}
	if e.ElemsPerThread < 1 {
		return fmt.Errorf("scan: elems per thread %d must be at least 1", e.ElemsPerThread)
	}
	return nil
}

// Run computes the inclusive prefix sum of input into a fresh output slice.
// The output buffer is always distinct from the input: a partition writing
// results in place could race with another partition's in-flight read.
func (e *Engine) Run(input []uint32) ([]uint32, error) {
	output := make([]uint32, len(input))
	_, err := e.run(input, output)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// run dispatches ceil(N/partitionSize) groups. Launch is in partition order
// with bounded residency, but groups execute concurrently with no ordering
// guarantee beyond that; all cross-group coordination goes through the slot
// state, which is also returned so tests can inspect published words.
func (e *Engine) run(input, output []uint32) (*state, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	n := len(input)
	if n == 0 {
		return newState(0), nil
	}
	parts := (n + e.PartitionSize() - 1) / e.PartitionSize()
	st := newState(parts)

	resident := e.MaxResident
	if resident <= 0 {
		resident = 4 * runtime.GOMAXPROCS(0)
	}

	errs := make([]error, parts)
	residency := make(chan struct{}, resident)
	var wg sync.WaitGroup
	wg.Add(parts)
	for i := 0; i < parts; i++ {
		residency <- struct{}{}
		go func(dispatch int) {
			defer wg.Done()
			defer func() { <-residency }()
			errs[dispatch] = e.runGroup(st, dispatch, input, output)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return st, err
		}
	}
	return st, nil
}

// runGroup executes one group's kernel on Workgroup goroutines.
func (e *Engine) runGroup(st *state, dispatch int, input, output []uint32) error {
	g := newWorkgroup(e.Workgroup)
	s := e.ElemsPerThread
	var groupErr error // written by thread 0 only, read after run returns

	g.run(func(tid int) {
		part := dispatch
		if e.Indexing == AllocatedIndex {
			var claimed uint32
			if tid == 0 {
				claimed = uint32(st.claimPartition())
			}
			part = int(g.broadcast(tid, 0, claimed))
		}

		// Sequential fold over this thread's S contiguous elements, keeping
		// every running partial: they become the final per-element outputs
		// once the thread's starting offset is known. Elements past the end
		// of the input contribute the identity.
		base := part*e.PartitionSize() + tid*s
		partials := make([]uint32, s)
		var acc uint32
		for j := 0; j < s; j++ {
			if idx := base + j; idx < len(input) {
				acc += input[idx]
			}
			partials[j] = acc
		}
		threadTotal := acc

		total := g.reduce(tid, threadTotal)

		var exclusive uint32
		if tid == 0 {
			// The aggregate goes out before this group resolves its own
			// prefix, so successors can already consume it.
			st.publishAggregate(part, total)
			var err error
			exclusive, err = st.lookBack(part, e.SpinLimit)
			if err != nil {
				groupErr = err
				exclusive = 0
				// Still publish below: a stalled run is already failed, but
				// leaving the slot unset would wedge every successor too.
			}
			st.publishInclusive(part, exclusive, total)
		}
		exclusive = g.broadcast(tid, 0, exclusive)

		// Second tree pass: inclusive combine of thread totals turns the
		// group-wide exclusive prefix into a per-thread starting offset.
		running := g.inclusiveScan(tid, threadTotal)
		offset := exclusive + running - threadTotal
		for j := 0; j < s; j++ {
			if idx := base + j; idx < len(output) {
				output[idx] = offset + partials[j]
			}
		}
	})

	return groupErr
}
