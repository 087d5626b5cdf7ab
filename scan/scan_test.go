package scan

import (
	"math/rand"
	"testing"
)

// TestScenarioOnes: eight ones with partition size 4 crosses one partition
// boundary; the second group's look-back must pick up the first's total.
func TestScenarioOnes(t *testing.T) {
	input := []uint32{1, 1, 1, 1, 1, 1, 1, 1}
	want := []uint32{1, 2, 3, 4, 5, 6, 7, 8}

	got, err := Simple(4).Run(input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("output[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestScenarioZeros: three partitions of zeros stay zeros.
func TestScenarioZeros(t *testing.T) {
	e := Scaled(4)
	input := make([]uint32, 3*e.PartitionSize())

	got, err := e.Run(input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, v := range got {
		if v != 0 {
			t.Errorf("output[%d] = %d, want 0", i, v)
		}
	}
}

// TestScenarioSinglePartition: input shorter than one partition never enters
// look-back; the local reducer and finalizer alone produce the result, and
// the published inclusive prefix equals the aggregate.
func TestScenarioSinglePartition(t *testing.T) {
	e := Simple(64)
	input := []uint32{3, 1, 4, 1, 5}
	output := make([]uint32, len(input))

	st, err := e.run(input, output)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := Sequential(input, true)
	for i := range want {
		if output[i] != want[i] {
			t.Errorf("output[%d] = %d, want %d", i, output[i], want[i])
		}
	}

	agg, ok := st.aggregates.poll(0)
	if !ok || agg != 14 {
		t.Errorf("aggregate slot = (%d, %v), want (14, true)", agg, ok)
	}
	pfx, ok := st.prefixes.poll(0)
	if !ok || pfx != agg {
		t.Errorf("partition 0 inclusive prefix = %d, want aggregate %d", pfx, agg)
	}
}

// TestMatchesSequential exercises both variants and odd geometries against
// the sequential oracle, including partial tail partitions.
func TestMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	engines := []struct {
		name   string
		engine *Engine
	}{
		{"simple_w1", Simple(1)},
		{"simple_w4", Simple(4)},
		{"simple_w64", Simple(64)},
		{"scaled_w4", Scaled(4)},
		{"scaled_w64", Scaled(64)},
		{"direct_multi_elem", &Engine{Workgroup: 8, ElemsPerThread: 4, Indexing: DirectIndex}},
		{"allocated_single_elem", &Engine{Workgroup: 16, ElemsPerThread: 1, Indexing: AllocatedIndex}},
	}
	sizes := []int{0, 1, 3, 4, 5, 64, 257, 1000, 4096, 10000}

	for _, tc := range engines {
		t.Run(tc.name, func(t *testing.T) {
			for _, n := range sizes {
				input := make([]uint32, n)
				for i := range input {
					// Keep the grand total well below 2^31.
					input[i] = uint32(rng.Intn(1000))
				}

				got, err := tc.engine.Run(input)
				if err != nil {
					t.Fatalf("n=%d: Run failed: %v", n, err)
				}
				want := Sequential(input, true)
				for i := range want {
					if got[i] != want[i] {
						t.Fatalf("n=%d: output[%d] = %d, want %d", n, i, got[i], want[i])
					}
				}
			}
		})
	}
}

// TestDeterminism: repeated dispatches race differently every time, but the
// result depends only on logical partition indices, never on which group's
// resolver ran first.
func TestDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	input := make([]uint32, 2048)
	for i := range input {
		input[i] = uint32(rng.Intn(100))
	}

	e := Scaled(16)
	first, err := e.Run(input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for run := 1; run < 25; run++ {
		got, err := e.Run(input)
		if err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
		for i := range first {
			if got[i] != first[i] {
				t.Fatalf("run %d diverged at %d: %d vs %d", run, i, got[i], first[i])
			}
		}
	}
}

// TestSpinLimitHonored: a generous budget never trips on an honest run.
func TestSpinLimitHonored(t *testing.T) {
	e := Scaled(8)
	e.SpinLimit = 1 << 20
	input := make([]uint32, 8*e.PartitionSize())
	for i := range input {
		input[i] = 1
	}

	got, err := e.Run(input)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got[len(got)-1] != uint32(len(input)) {
		t.Errorf("final element = %d, want %d", got[len(got)-1], len(input))
	}
}

// TestEngineValidation rejects geometries the group machinery cannot run.
func TestEngineValidation(t *testing.T) {
	tests := []struct {
		name   string
		engine *Engine
	}{
		{"zero_workgroup", &Engine{Workgroup: 0, ElemsPerThread: 1}},
		{"non_power_of_two", &Engine{Workgroup: 6, ElemsPerThread: 1}},
		{"zero_elems", &Engine{Workgroup: 4, ElemsPerThread: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.engine.Run([]uint32{1, 2, 3}); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

// TestSequential covers the oracle itself.
func TestSequential(t *testing.T) {
	input := []uint32{1, 2, 3, 4}

	inc := Sequential(input, true)
	if inc[0] != 1 || inc[3] != 10 {
		t.Errorf("inclusive = %v, want [1 3 6 10]", inc)
	}
	exc := Sequential(input, false)
	if exc[0] != 0 || exc[3] != 6 {
		t.Errorf("exclusive = %v, want [0 1 3 6]", exc)
	}
	if out := Sequential(nil, true); len(out) != 0 {
		t.Errorf("empty input produced %v", out)
	}
}

func BenchmarkSimple64(b *testing.B) {
	input := make([]uint32, 1<<16)
	for i := range input {
		input[i] = uint32(i & 31)
	}
	e := Simple(64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Run(input); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkScaled64(b *testing.B) {
	input := make([]uint32, 1<<16)
	for i := range input {
		input[i] = uint32(i & 31)
	}
	e := Scaled(64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Run(input); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSequential(b *testing.B) {
	input := make([]uint32, 1<<16)
	for i := range input {
		input[i] = uint32(i & 31)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Sequential(input, true)
	}
}
