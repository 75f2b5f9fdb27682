package nn

// ModelTelemetry represents a single network's structure
type ModelTelemetry struct {
	ID            string           `json:"id"`
	InputChannels int              `json:"input_channels"`
	TotalLayers   int              `json:"total_layers"`
	TotalParams   int              `json:"total_parameters"`
	Loaded        bool             `json:"weights_loaded"`
	Layers        []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific layer
type LayerTelemetry struct {
	Index       int    `json:"index"`
	SourceIndex int    `json:"source_index"`
	Name        string `json:"name,omitempty"`

	// Layer info
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`
	Parameters int    `json:"parameters"`

	// Geometry
	KernelSize int `json:"kernel_size,omitempty"`
	Stride     int `json:"stride,omitempty"`
	Padding    int `json:"padding,omitempty"`

	InputChannels  int `json:"input_channels"`
	OutputChannels int `json:"output_channels"`
}

// ExtractNetworkBlueprint extracts telemetry data from a loaded network.
func ExtractNetworkBlueprint(n *Network, modelID string) ModelTelemetry {
	telemetry := ModelTelemetry{
		ID:            modelID,
		InputChannels: n.InputChannels,
		TotalLayers:   len(n.Layers),
		Loaded:        true,
		Layers:        make([]LayerTelemetry, 0, len(n.Layers)),
	}

	channels := n.InputChannels
	for i, layerConfig := range n.Layers {
		layerTel := extractLayerTelemetry(layerConfig, channels)
		layerTel.Index = i

		if layerConfig.Type == LayerConv2D && len(layerConfig.Kernel) == 0 {
			telemetry.Loaded = false
		}

		telemetry.Layers = append(telemetry.Layers, layerTel)
		telemetry.TotalParams += layerTel.Parameters
		channels = layerTel.OutputChannels
	}

	return telemetry
}

func extractLayerTelemetry(config LayerConfig, inChannels int) LayerTelemetry {
	tel := LayerTelemetry{
		SourceIndex:   config.SourceIndex,
		Name:          config.Name,
		Type:          layerTypeToString(config.Type),
		InputChannels: inChannels,
	}

	switch config.Type {
	case LayerConv2D:
		// Kernels + Biases
		tel.Parameters = (config.Filters * config.InputChannels * config.KernelSize * config.KernelSize) + config.Filters
		tel.Activation = activationToString(config.Activation)
		tel.KernelSize = config.KernelSize
		tel.Stride = config.Stride
		tel.Padding = config.Padding
		tel.OutputChannels = config.Filters

	case LayerMaxPool:
		tel.KernelSize = config.PoolSize
		tel.Stride = config.PoolStride
		tel.OutputChannels = inChannels
	}

	return tel
}

func layerTypeToString(t LayerType) string {
	switch t {
	case LayerConv2D:
		return "conv2d"
	case LayerMaxPool:
		return "maxpool"
	default:
		return "unknown"
	}
}
