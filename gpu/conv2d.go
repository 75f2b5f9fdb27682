package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// maxWorkgroups is the WebGPU per-dimension dispatch limit
const maxWorkgroups = 65535

// Conv2DSpec defines configuration for 2D Convolution layer.
// Tensors are channel-major: input [InChannels][InputHeight][InputWidth].
type Conv2DSpec struct {
	InChannels  int       // Input channels
	OutChannels int       // Output channels (filters)
	KernelSize  int       // Kernel size (squared)
	Stride      int       // Stride (default 1)
	Padding     int       // Padding (default 0)
	InputHeight int       // Input height
	InputWidth  int       // Input width
	Weights     []float32 // [OutChannels * InChannels * KernelSize * KernelSize]
	Bias        []float32 // [OutChannels]
}

// Conv2DLayer holds GPU resources for 2D Convolution: a forward pipeline
// producing the pre-activation output, and a backward pipeline producing the
// gradient w.r.t. the input. Weight gradients are not computed.
type Conv2DLayer struct {
	Spec Conv2DSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer  *wgpu.Buffer
	OutputBuffer *wgpu.Buffer
	WeightBuffer *wgpu.Buffer
	BiasBuffer   *wgpu.Buffer

	GradOutputBuffer    *wgpu.Buffer
	InputGradientBuffer *wgpu.Buffer

	bwPipeline  *wgpu.ComputePipeline
	bwBindGroup *wgpu.BindGroup

	outputH, outputW int
}

func (l *Conv2DLayer) stride() int {
	if l.Spec.Stride < 1 {
		return 1
	}
	return l.Spec.Stride
}

func (l *Conv2DLayer) computeOutputSize() (int, int) {
	h := (l.Spec.InputHeight+2*l.Spec.Padding-l.Spec.KernelSize)/l.stride() + 1
	w := (l.Spec.InputWidth+2*l.Spec.Padding-l.Spec.KernelSize)/l.stride() + 1
	return h, w
}

// InputSize is the number of float32 values in the input
func (l *Conv2DLayer) InputSize() int {
	return l.Spec.InChannels * l.Spec.InputHeight * l.Spec.InputWidth
}

// OutputSize is the number of float32 values in the output
func (l *Conv2DLayer) OutputSize() int {
	h, w := l.computeOutputSize()
	return l.Spec.OutChannels * h * w
}

// Init allocates buffers, compiles both pipelines and binds them
func (l *Conv2DLayer) Init(ctx *Context, labelPrefix string) error {
	for _, n := range []int{l.InputSize(), l.OutputSize()} {
		if (n+255)/256 > maxWorkgroups {
			return fmt.Errorf("%s: %d elements exceed the dispatch limit", labelPrefix, n)
		}
	}
	if err := l.AllocateBuffers(ctx, labelPrefix); err != nil {
		return err
	}
	if err := l.Compile(ctx, labelPrefix); err != nil {
		return err
	}
	if err := l.CompileBackward(ctx, labelPrefix); err != nil {
		return err
	}
	if err := l.CreateBindGroup(ctx, labelPrefix); err != nil {
		return err
	}
	return l.CreateBackwardBindGroup(ctx, labelPrefix)
}

func (l *Conv2DLayer) AllocateBuffers(ctx *Context, labelPrefix string) error {
	var err error

	l.outputH, l.outputW = l.computeOutputSize()
	weightSize := l.Spec.OutChannels * l.Spec.InChannels * l.Spec.KernelSize * l.Spec.KernelSize
	if len(l.Spec.Weights) != weightSize {
		return fmt.Errorf("%s: weights have %d values, expected %d", labelPrefix, len(l.Spec.Weights), weightSize)
	}

	if l.InputBuffer, err = newStorageBuffer(ctx, labelPrefix+"_In", l.InputSize()); err != nil {
		return err
	}
	if l.OutputBuffer, err = newStorageBuffer(ctx, labelPrefix+"_Out", l.OutputSize()); err != nil {
		return err
	}
	if l.GradOutputBuffer, err = newStorageBuffer(ctx, labelPrefix+"_OutGrad", l.OutputSize()); err != nil {
		return err
	}
	if l.InputGradientBuffer, err = newStorageBuffer(ctx, labelPrefix+"_InGrad", l.InputSize()); err != nil {
		return err
	}

	l.WeightBuffer, err = NewFloatBuffer(l.Spec.Weights, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return err
	}

	bias := l.Spec.Bias
	if len(bias) == 0 {
		bias = make([]float32, l.Spec.OutChannels)
	}
	l.BiasBuffer, err = NewFloatBuffer(bias, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	return err
}

func (l *Conv2DLayer) GenerateShader() string {
	outH, outW := l.computeOutputSize()

	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read> bias : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;

		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const STRIDE: u32 = %du;
		const PADDING: i32 = %d;
		const OUT_H: u32 = %du;
		const OUT_W: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= OUT_CH * OUT_H * OUT_W) { return; }

			// Output layout: [C, H, W]
			let out_c = idx / (OUT_H * OUT_W);
			let out_h = (idx / OUT_W) %% OUT_H;
			let out_w = idx %% OUT_W;

			var sum: f32 = bias[out_c];

			for (var in_c: u32 = 0u; in_c < IN_CH; in_c++) {
				for (var kh: u32 = 0u; kh < K; kh++) {
					let ih = i32(out_h * STRIDE + kh) - PADDING;
					if (ih < 0 || ih >= i32(IN_H)) { continue; }
					for (var kw: u32 = 0u; kw < K; kw++) {
						let iw = i32(out_w * STRIDE + kw) - PADDING;
						if (iw < 0 || iw >= i32(IN_W)) { continue; }
						let i_idx = (in_c * IN_H + u32(ih)) * IN_W + u32(iw);
						// Weights: [OUT_CH, IN_CH, K, K]
						let w_idx = ((out_c * IN_CH + in_c) * K + kh) * K + kw;
						sum += input[i_idx] * weights[w_idx];
					}
				}
			}

			output[idx] = sum;
		}
	`, l.Spec.InputHeight, l.Spec.InputWidth, l.Spec.InChannels, l.Spec.OutChannels,
		l.Spec.KernelSize, l.stride(), l.Spec.Padding, outH, outW)
}

// GenerateBackwardShader computes dInput as a transposed convolution.
// Each invocation owns one input element and visits only the output
// positions whose receptive field covers it.
func (l *Conv2DLayer) GenerateBackwardShader() string {
	outH, outW := l.computeOutputSize()

	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> d_output : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read_write> d_input : array<f32>;

		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const STRIDE: i32 = %d;
		const PADDING: i32 = %d;
		const OUT_H: i32 = %d;
		const OUT_W: i32 = %d;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= IN_CH * IN_H * IN_W) { return; }

			// Input layout: [C, H, W]
			let in_c = idx / (IN_H * IN_W);
			let in_h = i32((idx / IN_W) %% IN_H);
			let in_w = i32(idx %% IN_W);

			var grad: f32 = 0.0;

			for (var kh: u32 = 0u; kh < K; kh++) {
				let th = in_h + PADDING - i32(kh);
				if (th < 0 || th %% STRIDE != 0) { continue; }
				let oh = th / STRIDE;
				if (oh >= OUT_H) { continue; }
				for (var kw: u32 = 0u; kw < K; kw++) {
					let tw = in_w + PADDING - i32(kw);
					if (tw < 0 || tw %% STRIDE != 0) { continue; }
					let ow = tw / STRIDE;
					if (ow >= OUT_W) { continue; }
					for (var out_c: u32 = 0u; out_c < OUT_CH; out_c++) {
						// d_output: [OUT_CH, OUT_H, OUT_W]
						let do_idx = (out_c * u32(OUT_H) + u32(oh)) * u32(OUT_W) + u32(ow);
						let w_idx = ((out_c * IN_CH + in_c) * K + kh) * K + kw;
						grad += d_output[do_idx] * weights[w_idx];
					}
				}
			}

			d_input[idx] = grad;
		}
	`, l.Spec.InputHeight, l.Spec.InputWidth, l.Spec.InChannels, l.Spec.OutChannels,
		l.Spec.KernelSize, l.stride(), l.Spec.Padding, outH, outW)
}

func (l *Conv2DLayer) Compile(ctx *Context, labelPrefix string) error {
	mod, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return err
	}
	defer mod.Release()
	l.pipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	return err
}

func (l *Conv2DLayer) CompileBackward(ctx *Context, labelPrefix string) error {
	mod, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_BwdShader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateBackwardShader()},
	})
	if err != nil {
		return err
	}
	defer mod.Release()
	l.bwPipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_BwdPipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	return err
}

func (l *Conv2DLayer) CreateBindGroup(ctx *Context, labelPrefix string) error {
	var err error
	l.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

func (l *Conv2DLayer) CreateBackwardBindGroup(ctx *Context, labelPrefix string) error {
	var err error
	l.bwBindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  labelPrefix + "_BwdBind",
		Layout: l.bwPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.GradOutputBuffer, Size: l.GradOutputBuffer.GetSize()},
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.InputGradientBuffer, Size: l.InputGradientBuffer.GetSize()},
		},
	})
	return err
}

func (l *Conv2DLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(l.pipeline)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(uint32((l.OutputSize()+255)/256), 1, 1)
}

func (l *Conv2DLayer) DispatchBackward(pass *wgpu.ComputePassEncoder) {
	pass.SetPipeline(l.bwPipeline)
	pass.SetBindGroup(0, l.bwBindGroup, nil)
	pass.DispatchWorkgroups(uint32((l.InputSize()+255)/256), 1, 1)
}

// Forward uploads input, runs the convolution and returns the pre-activation output
func (l *Conv2DLayer) Forward(ctx *Context, input []float32) ([]float32, error) {
	if len(input) != l.InputSize() {
		return nil, fmt.Errorf("input size mismatch: got %d, expected %d", len(input), l.InputSize())
	}
	if err := l.run(ctx, l.InputBuffer, input, l.Dispatch); err != nil {
		return nil, err
	}
	return ReadBuffer(l.OutputBuffer, l.OutputSize())
}

// BackwardInput uploads dLoss/dPreActivation and returns dLoss/dInput
func (l *Conv2DLayer) BackwardInput(ctx *Context, gradOutput []float32) ([]float32, error) {
	if len(gradOutput) != l.OutputSize() {
		return nil, fmt.Errorf("gradient size mismatch: got %d, expected %d", len(gradOutput), l.OutputSize())
	}
	if err := l.run(ctx, l.GradOutputBuffer, gradOutput, l.DispatchBackward); err != nil {
		return nil, err
	}
	return ReadBuffer(l.InputGradientBuffer, l.InputSize())
}

func (l *Conv2DLayer) run(ctx *Context, dst *wgpu.Buffer, data []float32, dispatch func(*wgpu.ComputePassEncoder)) error {
	ctx.submit.Lock()
	defer ctx.submit.Unlock()

	ctx.Queue.WriteBuffer(dst, 0, wgpu.ToBytes(data))

	enc, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %v", err)
	}
	pass := enc.BeginComputePass(nil)
	dispatch(pass)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command: %v", err)
	}
	ctx.Queue.Submit(cmd)
	return nil
}

func (l *Conv2DLayer) Cleanup() {
	bufs := []*wgpu.Buffer{l.InputBuffer, l.OutputBuffer, l.WeightBuffer, l.BiasBuffer, l.GradOutputBuffer, l.InputGradientBuffer}
	for _, b := range bufs {
		if b != nil {
			b.Destroy()
		}
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
	if l.bwPipeline != nil {
		l.bwPipeline.Release()
	}
	if l.bwBindGroup != nil {
		l.bwBindGroup.Release()
	}
}
