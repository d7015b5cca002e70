package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/graveler/dice"
)

// seedUniformSize is the seed struct as laid out for the uniform address
// space: two words of seed and two of padding.
const seedUniformSize = 16

// GenerateShader returns the WGSL dice kernel for a group of
// invocationsPerGroup invocations. Each invocation runs one trial; lane 0
// of every group stores the group's largest count in results[group].
func GenerateShader(invocationsPerGroup uint32) string {
	return fmt.Sprintf(`
struct Seed {
    lo: u32,
    hi: u32,
    pad: vec2<u32>,
}

@group(0) @binding(0) var<storage, read_write> results: array<u32>;
@group(0) @binding(1) var<uniform> seed: Seed;

var<workgroup> best: atomic<u32>;

fn pcg(v: u32) -> u32 {
    let state = v * 747796405u + 2891336453u;
    let word = ((state >> ((state >> 28u) + 4u)) ^ state) * 277803737u;
    return (word >> 22u) ^ word;
}

@compute @workgroup_size(%d, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>,
        @builtin(local_invocation_index) lid: u32,
        @builtin(workgroup_id) wid: vec3<u32>) {
    if (lid == 0u) {
        atomicStore(&best, 0u);
    }
    workgroupBarrier();

    var state = pcg(gid.x ^ seed.lo) ^ pcg(seed.hi + 0x9e3779b9u);
    var ones = 0u;
    var remaining = %du;
    loop {
        if (remaining == 0u) {
            break;
        }
        state = pcg(state);
        let n = min(remaining, %du);
        for (var k = 0u; k < n; k++) {
            if (((state >> (2u * k)) & %du) == 0u) {
                ones++;
            }
        }
        remaining -= n;
    }

    atomicMax(&best, ones);
    workgroupBarrier();
    if (lid == 0u) {
        results[wid.x] = atomicLoad(&best);
    }
}
`, invocationsPerGroup, dice.RollsPerTrial, dice.RollsPerWord, dice.Sides-1)
}

// Kernel is the compiled dice pipeline and its bind group layout.
type Kernel struct {
	Pipeline *wgpu.ComputePipeline
	Layout   *wgpu.BindGroupLayout

	InvocationsPerGroup uint32
}

// CompileKernel builds the pipeline for groups of invocationsPerGroup.
func CompileKernel(c *Context, invocationsPerGroup uint32) (*Kernel, error) {
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Dice_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: GenerateShader(invocationsPerGroup)},
	})
	if err != nil {
		return nil, fmt.Errorf("shader compile: %w", err)
	}
	defer module.Release()

	layout, err := c.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "Dice_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}}, // results
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}}, // seed
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bgl: %w", err)
	}

	pipelineLayout, err := c.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "Dice_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{layout},
	})
	if err != nil {
		layout.Release()
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	defer pipelineLayout.Release()

	pipeline, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "Dice_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		layout.Release()
		return nil, fmt.Errorf("pipeline create: %w", err)
	}
	return &Kernel{Pipeline: pipeline, Layout: layout, InvocationsPerGroup: invocationsPerGroup}, nil
}

// Release frees the pipeline and layout.
func (k *Kernel) Release() {
	if k.Pipeline != nil {
		k.Pipeline.Release()
		k.Pipeline = nil
	}
	if k.Layout != nil {
		k.Layout.Release()
		k.Layout = nil
	}
}
