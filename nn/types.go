package nn

import "fmt"

// ActivationType defines the activation function fused into a layer
type ActivationType int

const (
	ActivationLinear ActivationType = 0 // v
	ActivationReLU   ActivationType = 1 // max(0, v)
)

// LayerType defines the type of backbone layer
type LayerType int

const (
	LayerConv2D  LayerType = 0 // 2D Convolutional layer
	LayerMaxPool LayerType = 1 // 2D max-pooling layer
)

// Device selects where a session executes its convolutions
type Device int

const (
	DeviceCPU Device = 0 // gonum BLAS on the host
	DeviceGPU Device = 1 // WebGPU compute shaders
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice accepts "cpu", "gpu" or the numeric selector ("0", "1")
func ParseDevice(s string) (Device, error) {
	switch s {
	case "cpu", "0", "":
		return DeviceCPU, nil
	case "gpu", "webgpu", "1":
		return DeviceGPU, nil
	}
	return DeviceCPU, fmt.Errorf("unknown device %q", s)
}

func (d Device) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Device) UnmarshalText(text []byte) error {
	parsed, err := ParseDevice(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LayerConfig holds configuration for one layer of the stack
type LayerConfig struct {
	Type       LayerType
	Name       string // e.g. "conv4_2"; empty for pooling layers
	Activation ActivationType

	// Conv2D specific parameters
	KernelSize    int       // Size of convolution kernel (e.g., 3 for 3x3)
	Stride        int       // Stride for convolution
	Padding       int       // Padding for convolution
	Filters       int       // Number of output filters/channels
	InputChannels int       // Number of input channels
	Kernel        []float32 // Convolution kernel weights [filters][inChannels][kernelH][kernelW]
	Bias          []float32 // Bias terms [filters]

	// MaxPool specific parameters
	PoolSize   int
	PoolStride int

	// Index of the module in the torchvision features stack ("features.<idx>.weight")
	SourceIndex int
}

// Network is a sequential convolutional backbone.
// Weights are treated as read-only once loaded; a single Network is safely
// shared by concurrent sessions.
type Network struct {
	InputChannels int
	Layers        []LayerConfig
}

// Shape is the [channels, height, width] of an activation (batch is always 1)
type Shape struct {
	C, H, W int
}

func (s Shape) Size() int { return s.C * s.H * s.W }

// LayerIndex returns the position of a named layer, or -1
func (n *Network) LayerIndex(name string) int {
	for i := range n.Layers {
		if n.Layers[i].Name == name {
			return i
		}
	}
	return -1
}

// LayerNames returns the names of all named layers in order
func (n *Network) LayerNames() []string {
	var names []string
	for _, l := range n.Layers {
		if l.Name != "" {
			names = append(names, l.Name)
		}
	}
	return names
}

// OutputShape computes the output shape of a layer given its input shape.
// A window that does not fit yields a zero dimension.
func (l *LayerConfig) OutputShape(in Shape) Shape {
	switch l.Type {
	case LayerConv2D:
		stride := l.Stride
		if stride < 1 {
			stride = 1
		}
		return Shape{
			C: l.Filters,
			H: windowCount(in.H+2*l.Padding, l.KernelSize, stride),
			W: windowCount(in.W+2*l.Padding, l.KernelSize, stride),
		}
	case LayerMaxPool:
		return Shape{
			C: in.C,
			H: windowCount(in.H, l.PoolSize, l.PoolStride),
			W: windowCount(in.W, l.PoolSize, l.PoolStride),
		}
	}
	return in
}

func windowCount(extent, window, stride int) int {
	if extent < window {
		return 0
	}
	return (extent-window)/stride + 1
}

// Validate checks that every conv layer has weights of the expected size
func (n *Network) Validate() error {
	channels := n.InputChannels
	for i := range n.Layers {
		l := &n.Layers[i]
		switch l.Type {
		case LayerConv2D:
			if l.InputChannels != channels {
				return fmt.Errorf("layer %d (%s): expects %d input channels, previous layer produces %d", i, l.Name, l.InputChannels, channels)
			}
			want := l.Filters * l.InputChannels * l.KernelSize * l.KernelSize
			if len(l.Kernel) != want {
				return fmt.Errorf("layer %d (%s): kernel has %d values, expected %d", i, l.Name, len(l.Kernel), want)
			}
			if len(l.Bias) != l.Filters {
				return fmt.Errorf("layer %d (%s): bias has %d values, expected %d", i, l.Name, len(l.Bias), l.Filters)
			}
			channels = l.Filters
		case LayerMaxPool:
			if l.PoolSize < 1 || l.PoolStride < 1 {
				return fmt.Errorf("layer %d: invalid pooling window %d/%d", i, l.PoolSize, l.PoolStride)
			}
		default:
			return fmt.Errorf("layer %d: unknown layer type %d", i, l.Type)
		}
	}
	return nil
}
