package scan

import "sync"

// barrier is a reusable rendezvous for a fixed set of goroutines, standing in
// for workgroupBarrier(). All width participants must reach Wait before any
// of them continues; the phase counter lets the same barrier be reused across
// tree levels.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	width int
	count int
	phase uint64
}

func newBarrier(width int) *barrier {
	b := &barrier{width: width}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) Wait() {
	b.mu.Lock()
	phase := b.phase
	b.count++
	if b.count == b.width {
		b.count = 0
		b.phase++
		b.cond.Broadcast()
	} else {
		for phase == b.phase {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// workgroup emulates one fixed-width synchronization group: threads share
// scratch memory and a broadcast word, and synchronize only through the
// barrier. One workgroup instance is built per partition and discarded.
type workgroup struct {
	width   int
	scratch []uint32
	bcast   uint32
	bar     *barrier
}

func newWorkgroup(width int) *workgroup {
	return &workgroup{
		width:   width,
		scratch: make([]uint32, width),
		bar:     newBarrier(width),
	}
}

// run executes kernel on width goroutines, one per thread id, and blocks
// until all of them return.
func (g *workgroup) run(kernel func(tid int)) {
	var wg sync.WaitGroup
	wg.Add(g.width)
	for tid := 0; tid < g.width; tid++ {
		go func(tid int) {
			defer wg.Done()
			kernel(tid)
		}(tid)
	}
	wg.Wait()
}

// reduce combines the per-thread values into a group-wide total using a
// binary tree over scratch: at each level a thread folds in a higher-indexed
// neighbor's value. Every level pairs a barrier after the neighbor read with
// a barrier after the write-back so no slot is overwritten while another
// thread still reads it. Returns the total, uniformly visible to all threads.
func (g *workgroup) reduce(tid int, v uint32) uint32 {
	g.scratch[tid] = v
	for stride := 1; stride < g.width; stride <<= 1 {
		g.bar.Wait()
		var other uint32
		if tid+stride < g.width {
			other = g.scratch[tid+stride]
		}
		g.bar.Wait()
		v += other
		g.scratch[tid] = v
	}
	g.bar.Wait()
	total := g.scratch[0]
	g.bar.Wait() // scratch may be reused right after return
	return total
}

// inclusiveScan runs the same tree machinery as reduce but keeps a running
// inclusive combine: thread k returns v[0]+...+v[k]. Used to turn per-thread
// totals into per-thread output offsets.
func (g *workgroup) inclusiveScan(tid int, v uint32) uint32 {
	g.scratch[tid] = v
	for stride := 1; stride < g.width; stride <<= 1 {
		g.bar.Wait()
		var other uint32
		if tid >= stride {
			other = g.scratch[tid-stride]
		}
		g.bar.Wait()
		v += other
		g.scratch[tid] = v
	}
	g.bar.Wait() // writes settle before scratch is reused
	return v
}

// broadcast publishes v from the sole writer thread to the whole group:
// writer stores, barrier, uniform load, barrier.
func (g *workgroup) broadcast(tid, writer int, v uint32) uint32 {
	if tid == writer {
		g.bcast = v
	}
	g.bar.Wait()
	out := g.bcast
	g.bar.Wait()
	return out
}
