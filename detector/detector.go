package detector

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/graveler/planner"
)

/* ---------- public API ---------- */

// Report is a portable summary of one adapter's caps.
type Report struct {
	Index       int               `json:"index" yaml:"index"`
	WhenISO     string            `json:"when_iso" yaml:"when_iso"`
	Runtime     string            `json:"runtime" yaml:"runtime"`
	Backend     string            `json:"backend" yaml:"backend"`
	AdapterType string            `json:"adapter_type" yaml:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex" yaml:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex" yaml:"device_id_hex"`
	Name        string            `json:"name" yaml:"name"`
	Vendor      string            `json:"vendor" yaml:"vendor"`
	Driver      string            `json:"driver" yaml:"driver"`
	Recommended Recommendations   `json:"recommended" yaml:"recommended"`
	Limits      Limits            `json:"limits" yaml:"limits"`
	Features    []string          `json:"features" yaml:"features"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup" yaml:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x" yaml:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupSizeY          uint32 `json:"max_compute_workgroup_size_y" yaml:"max_compute_workgroup_size_y"`
	MaxComputeWorkgroupSizeZ          uint32 `json:"max_compute_workgroup_size_z" yaml:"max_compute_workgroup_size_z"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension" yaml:"max_compute_workgroups_per_dimension"`
	MaxComputeWorkgroupStorageSize    uint32 `json:"max_compute_workgroup_storage_size" yaml:"max_compute_workgroup_storage_size"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size" yaml:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size" yaml:"max_buffer_size"`
}

// Recommendations is what a default run would use on this adapter.
type Recommendations struct {
	InvocationsPerGroup uint32 `json:"invocations_per_group" yaml:"invocations_per_group"`
	GroupsPerDispatch   uint32 `json:"groups_per_dispatch" yaml:"groups_per_dispatch"`
	DispatchCount       uint64 `json:"dispatch_count" yaml:"dispatch_count"`
	TargetTrials        uint64 `json:"target_trials" yaml:"target_trials"`
	// ResultBytes is the result buffer size the plan needs.
	ResultBytes uint64 `json:"result_bytes" yaml:"result_bytes"`
}

// DefaultTarget is the trial count recommendations are computed for; it
// can be overridden with GRAVELER_TARGET.
const DefaultTarget = 1_000_000_000

// DeviceLimits is the planner's view of the report.
func (r *Report) DeviceLimits() planner.DeviceLimits {
	return planner.DeviceLimits{
		MaxInvocationsPerGroup: r.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxGroupSizeX:          r.Limits.MaxComputeWorkgroupSizeX,
		MaxGroupCountX:         r.Limits.MaxComputeWorkgroupsPerDimension,
	}
}

// Detect probes the high-performance adapter.
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

	return probe(adapter, 0), nil
}

// List probes every adapter the instance enumerates, in enumeration order
// so Index matches the --adapter flag.
func List() ([]Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapters := inst.EnumerateAdapters(nil)
	out := make([]Report, 0, len(adapters))
	for i, a := range adapters {
		out = append(out, *probe(a, i))
		a.Release()
	}
	return out, nil
}

/* ---------- helpers ---------- */

func probe(adapter *wgpu.Adapter, index int) *Report {
	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, featureName(f))
	}

	rep := &Report{
		Index:       index,
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     backendName(info.BackendType),
		AdapterType: adapterTypeName(info.AdapterType),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Vendor:      strings.TrimSpace(info.VendorName),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupSizeY:          limits.Limits.MaxComputeWorkgroupSizeY,
			MaxComputeWorkgroupSizeZ:          limits.Limits.MaxComputeWorkgroupSizeZ,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxComputeWorkgroupStorageSize:    limits.Limits.MaxComputeWorkgroupStorageSize,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
		Features: feats,
		Env:      pickEnv([]string{"GRAVELER_TARGET"}),
	}
	rep.Recommended = recommend(rep.DeviceLimits(), targetFromEnv())
	return rep
}

// recommend plans a default run; unusable limits give zero values.
func recommend(l planner.DeviceLimits, target uint64) Recommendations {
	p, err := planner.New(l, target)
	if err != nil {
		return Recommendations{TargetTrials: target}
	}
	return Recommendations{
		InvocationsPerGroup: p.InvocationsPerGroup,
		GroupsPerDispatch:   p.GroupsPerDispatch,
		DispatchCount:       p.DispatchCount,
		TargetTrials:        target,
		ResultBytes:         p.ResultBytes(),
	}
}

func targetFromEnv() uint64 {
	if s := os.Getenv("GRAVELER_TARGET"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return DefaultTarget
}

func featureName(f wgpu.FeatureName) string     { return f.String() }
func backendName(b wgpu.BackendType) string     { return b.String() }
func adapterTypeName(t wgpu.AdapterType) string { return t.String() }

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
