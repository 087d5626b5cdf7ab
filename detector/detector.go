package detector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// Report summarizes the compute capabilities that bound a scan dispatch:
// how wide a workgroup may be, how many workgroups one dispatch may launch,
// and how large the four storage buffers may get.
type Report struct {
	Backend     string `json:"backend"`
	AdapterType string `json:"adapter_type"`
	Name        string `json:"name"`
	Driver      string `json:"driver"`
	Limits      Limits `json:"limits"`
	// RecommendedWorkgroup is the widest supported size out of the two the
	// scan kernel ships with (64 or 256).
	RecommendedWorkgroup uint32 `json:"recommended_workgroup"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxComputeWorkgroupStorageSize    uint32 `json:"max_compute_workgroup_storage_size"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// DetectJSON runs a probe and returns the JSON string.
func DetectJSON() (string, error) {
	rep, err := Detect()
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect probes the default adapter and synthesizes a report.
func Detect() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	rep := &Report{
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxComputeWorkgroupStorageSize:    limits.Limits.MaxComputeWorkgroupStorageSize,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
		RecommendedWorkgroup: chooseWorkgroup(limits),
	}
	return rep, nil
}

func chooseWorkgroup(l wgpu.SupportedLimits) uint32 {
	for _, c := range []uint32{256, 64} {
		if c <= l.Limits.MaxComputeWorkgroupSizeX && c <= l.Limits.MaxComputeInvocationsPerWorkgroup {
			return c
		}
	}
	return 0
}
