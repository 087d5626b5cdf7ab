package gpu

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// PrefixSumSpec defines configuration for the decoupled look-back prefix sum
// kernel. Two variants ship: direct indexing with one element per thread, and
// allocated indexing with eight elements per thread, where each workgroup
// claims its logical partition index from an atomic counter instead of
// trusting launch order.
type PrefixSumSpec struct {
	WorkgroupSize  int  // threads per workgroup (64 or 256)
	NumElements    int  // input length
	ElemsPerThread int  // elements folded sequentially by each thread
	Allocated      bool // partition index from atomic counter
}

// SimpleSpec is the one-element-per-thread, direct-index variant.
func SimpleSpec(workgroupSize, numElements int) PrefixSumSpec {
	return PrefixSumSpec{WorkgroupSize: workgroupSize, NumElements: numElements, ElemsPerThread: 1}
}

// ScaledSpec is the eight-elements-per-thread, allocated-index variant.
func ScaledSpec(workgroupSize, numElements int) PrefixSumSpec {
	return PrefixSumSpec{WorkgroupSize: workgroupSize, NumElements: numElements, ElemsPerThread: 8, Allocated: true}
}

// PartitionSize is the number of elements one workgroup owns.
func (s PrefixSumSpec) PartitionSize() int {
	return s.WorkgroupSize * s.ElemsPerThread
}

// NumPartitions is the number of workgroups the dispatch needs.
func (s PrefixSumSpec) NumPartitions() int {
	return (s.NumElements + s.PartitionSize() - 1) / s.PartitionSize()
}

func (s PrefixSumSpec) validate() error {
	if s.WorkgroupSize != 64 && s.WorkgroupSize != 256 {
		return fmt.Errorf("workgroup size %d not supported (want 64 or 256)", s.WorkgroupSize)
	}
	if s.ElemsPerThread < 1 || s.ElemsPerThread > 8 {
		return fmt.Errorf("elems per thread %d out of range [1,8]", s.ElemsPerThread)
	}
	if s.NumElements < 1 {
		return fmt.Errorf("num elements %d must be positive", s.NumElements)
	}
	return nil
}

// PrefixSumKernel holds GPU resources for the scan.
type PrefixSumKernel struct {
	Spec PrefixSumSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer     *wgpu.Buffer
	OutputBuffer    *wgpu.Buffer
	AggregateBuffer *wgpu.Buffer // one tagged word per partition
	PrefixBuffer    *wgpu.Buffer // one tagged word per partition
	CounterBuffer   *wgpu.Buffer // allocated variant only
	StagingBuffer   *wgpu.Buffer
}

func (k *PrefixSumKernel) AllocateBuffers(ctx *Context, labelPrefix string) error {
	var err error

	n := k.Spec.NumElements
	parts := k.Spec.NumPartitions()

	k.InputBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_In",
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}

	k.OutputBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Out",
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return err
	}

	k.AggregateBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Aggregates",
		Size:  uint64(parts * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}

	k.PrefixBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Prefixes",
		Size:  uint64(parts * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}

	if k.Spec.Allocated {
		k.CounterBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: labelPrefix + "_Counter",
			Size:  4,
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return err
		}
	}

	k.StagingBuffer, err = ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: labelPrefix + "_Staging",
		Size:  uint64(n * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	return err
}

// GenerateShader emits the WGSL for the configured variant.
//
// Protocol per workgroup: fold S elements per thread keeping running
// partials, tree-reduce the thread totals over workgroup scratch (paired
// barriers per level), thread 0 publishes the tagged aggregate, walks
// predecessors until it hits a ready inclusive prefix (consuming raw
// aggregates on the way), publishes its own inclusive prefix, broadcasts the
// exclusive prefix, then a second tree pass turns it into per-thread offsets.
func (k *PrefixSumKernel) GenerateShader() string {
	wg := k.Spec.WorkgroupSize
	lgWG := bits.Len32(uint32(wg)) - 1

	counterBinding := ""
	partSetup := "	let part = wg_id.x;"
	if k.Spec.Allocated {
		counterBinding = "@group(0) @binding(4) var<storage, read_write> counter : atomic<u32>;\n"
		// Workgroups launch in arbitrary order; claim a dense logical index
		// so the look-back walk sees a strict partition ordering.
		partSetup = `	if (tid == 0u) {
		sh_broadcast = atomicAdd(&counter, 1u);
	}
	workgroupBarrier();
	let part = sh_broadcast;
	workgroupBarrier();`
	}

	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<u32>;
		@group(0) @binding(1) var<storage, read_write> output : array<u32>;
		@group(0) @binding(2) var<storage, read_write> aggregates : array<atomic<u32>>;
		@group(0) @binding(3) var<storage, read_write> prefixes : array<atomic<u32>>;
		%s
		const WG: u32 = %du;
		const LG_WG: u32 = %du;
		const ELEMS_PER_THREAD: u32 = %du;
		const N: u32 = %du;
		const FLAG_READY: u32 = 0x80000000u;
		const PAYLOAD_MASK: u32 = 0x7fffffffu;

		var<workgroup> scratch: array<u32, WG>;
		var<workgroup> sh_broadcast: u32;

		@compute @workgroup_size(%d)
		fn main(
			@builtin(workgroup_id) wg_id: vec3<u32>,
			@builtin(local_invocation_id) local_id: vec3<u32>
		) {
			let tid = local_id.x;
		%s

			// Phase 1: sequential fold, retaining every running partial.
			let base = part * WG * ELEMS_PER_THREAD + tid * ELEMS_PER_THREAD;
			var partials: array<u32, ELEMS_PER_THREAD>;
			var acc = 0u;
			for (var j = 0u; j < ELEMS_PER_THREAD; j++) {
				let idx = base + j;
				if (idx < N) {
					acc += input[idx];
				}
				partials[j] = acc;
			}
			let thread_total = acc;

			// Phase 2: tree reduction of thread totals. Each level pairs a
			// barrier after the neighbor read with one after the write-back.
			scratch[tid] = acc;
			var agg = acc;
			for (var i = 0u; i < LG_WG; i++) {
				workgroupBarrier();
				var other = 0u;
				if (tid + (1u << i) < WG) {
					other = scratch[tid + (1u << i)];
				}
				workgroupBarrier();
				agg += other;
				scratch[tid] = agg;
			}
			workgroupBarrier();
			let total = scratch[0];

			// Phase 3: thread 0 publishes the aggregate, resolves the
			// exclusive prefix by decoupled look-back, then publishes the
			// inclusive prefix so later partitions short-circuit here.
			if (tid == 0u) {
				atomicStore(&aggregates[part], FLAG_READY | total);
				var exclusive = 0u;
				if (part > 0u) {
					var c = part - 1u;
					loop {
						let pfx = atomicLoad(&prefixes[c]);
						if ((pfx & FLAG_READY) != 0u) {
							exclusive += pfx & PAYLOAD_MASK;
							break;
						}
						let agg_c = atomicLoad(&aggregates[c]);
						if ((agg_c & FLAG_READY) != 0u) {
							exclusive += agg_c & PAYLOAD_MASK;
							if (c == 0u) {
								break;
							}
							c = c - 1u;
						}
					}
				}
				atomicStore(&prefixes[part], FLAG_READY | (exclusive + total));
				sh_broadcast = exclusive;
			}
			workgroupBarrier();
			let exclusive = sh_broadcast;

			// Phase 4: inclusive scan of thread totals gives each thread its
			// starting offset; combine with the retained partials.
			scratch[tid] = thread_total;
			var running = thread_total;
			for (var i = 0u; i < LG_WG; i++) {
				workgroupBarrier();
				var other = 0u;
				if (tid >= (1u << i)) {
					other = scratch[tid - (1u << i)];
				}
				workgroupBarrier();
				running += other;
				scratch[tid] = running;
			}
			let offset = exclusive + running - thread_total;
			for (var j = 0u; j < ELEMS_PER_THREAD; j++) {
				let idx = base + j;
				if (idx < N) {
					output[idx] = offset + partials[j];
				}
			}
		}
	`, counterBinding, wg, lgWG, k.Spec.ElemsPerThread, k.Spec.NumElements, wg, partSetup)
}

func (k *PrefixSumKernel) Compile(ctx *Context, labelPrefix string) error {
	if err := k.Spec.validate(); err != nil {
		return err
	}
	shader := k.GenerateShader()
	module, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shader},
	})
	if err != nil {
		return err
	}

	k.pipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	return err
}

func (k *PrefixSumKernel) CreateBindGroup(ctx *Context, labelPrefix string) error {
	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: k.InputBuffer, Size: k.InputBuffer.GetSize()},
		{Binding: 1, Buffer: k.OutputBuffer, Size: k.OutputBuffer.GetSize()},
		{Binding: 2, Buffer: k.AggregateBuffer, Size: k.AggregateBuffer.GetSize()},
		{Binding: 3, Buffer: k.PrefixBuffer, Size: k.PrefixBuffer.GetSize()},
	}
	if k.Spec.Allocated {
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: 4, Buffer: k.CounterBuffer, Size: k.CounterBuffer.GetSize(),
		})
	}
	var err error
	k.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   labelPrefix + "_Bind",
		Layout:  k.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	return err
}

// checkPayload verifies the grand total stays clear of the ready flag. A sum
// reaching bit 31 would collide with the tag inside the kernel, where no
// assertion can fire, so the host rejects it before dispatch.
func checkPayload(input []uint32) error {
	var total uint64
	for _, v := range input {
		total += uint64(v)
	}
	if total >= 1<<31 {
		return fmt.Errorf("input total %d overflows the 31-bit slot payload", total)
	}
	return nil
}

// Upload writes the input and resets the slot buffers and counter to Unset.
// This is the dispatcher-side zero-init precondition of the protocol.
func (k *PrefixSumKernel) Upload(ctx *Context, input []uint32) error {
	if len(input) != k.Spec.NumElements {
		return fmt.Errorf("input length %d does not match spec %d", len(input), k.Spec.NumElements)
	}
	if err := checkPayload(input); err != nil {
		return err
	}
	ctx.Queue.WriteBuffer(k.InputBuffer, 0, wgpu.ToBytes(input))
	parts := k.Spec.NumPartitions()
	if err := ZeroBuffer(k.AggregateBuffer, parts); err != nil {
		return err
	}
	if err := ZeroBuffer(k.PrefixBuffer, parts); err != nil {
		return err
	}
	if k.Spec.Allocated {
		return ZeroBuffer(k.CounterBuffer, 1)
	}
	return nil
}

func (k *PrefixSumKernel) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(uint32(k.Spec.NumPartitions()), 1, 1)
}

// Download copies the output back through the kernel's own staging buffer.
func (k *PrefixSumKernel) Download(ctx *Context) ([]uint32, error) {
	n := k.Spec.NumElements
	sizeBytes := uint64(n * 4)

	encoder, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	encoder.CopyBufferToBuffer(k.OutputBuffer, 0, k.StagingBuffer, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	ctx.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = k.StagingBuffer.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("MapAsync failed: %v", err)
	}

	timeout := time.After(2 * time.Second)
Loop:
	for {
		ctx.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("Download timed out after 2s")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := k.StagingBuffer.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	result := make([]uint32, n)
	copy(result, wgpu.FromBytes[uint32](data))
	k.StagingBuffer.Unmap()

	return result, nil
}

func (k *PrefixSumKernel) Cleanup() {
	for _, b := range []*wgpu.Buffer{
		k.InputBuffer, k.OutputBuffer, k.AggregateBuffer,
		k.PrefixBuffer, k.CounterBuffer, k.StagingBuffer,
	} {
		if b != nil {
			b.Destroy()
		}
	}
	if k.pipeline != nil {
		k.pipeline.Release()
	}
	if k.bindGroup != nil {
		k.bindGroup.Release()
	}
}

// PrefixSum runs the whole flow for one input: allocate, compile, upload,
// dispatch, read back.
func PrefixSum(input []uint32, spec PrefixSumSpec) ([]uint32, error) {
	if err := checkPayload(input); err != nil {
		return nil, err
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	if spec.NumElements == 0 {
		spec.NumElements = len(input)
	}

	k := &PrefixSumKernel{Spec: spec}
	defer k.Cleanup()

	if err := k.AllocateBuffers(c, "PrefixSum"); err != nil {
		return nil, err
	}
	if err := k.Compile(c, "PrefixSum"); err != nil {
		return nil, err
	}
	if err := k.CreateBindGroup(c, "PrefixSum"); err != nil {
		return nil, err
	}
	if err := k.Upload(c, input); err != nil {
		return nil, err
	}

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := encoder.BeginComputePass(nil)
	k.Dispatch(pass)
	pass.End()
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cmd)

	return k.Download(c)
}
