package nn

// activateCPU applies the activation function on CPU
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	default:
		return v
	}
}

// activateDerivativeCPU computes the derivative of the activation function.
// Note: this takes the POST-activation value; for ReLU and identity the
// derivative is recoverable from the output alone, so pre-activations are not stored.
func activateDerivativeCPU(output float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		// d/dv max(0, v) = 1 if v > 0, else 0
		if output > 0 {
			return 1
		}
		return 0
	default:
		return 1
	}
}

// activateInPlace applies the activation to every element of data
func activateInPlace(data []float32, activation ActivationType) {
	if activation == ActivationLinear {
		return
	}
	for i, v := range data {
		data[i] = activateCPU(v, activation)
	}
}

// activationBackward returns gradOutput * f'(output), element-wise
func activationBackward(gradOutput, output []float32, activation ActivationType) []float32 {
	grad := make([]float32, len(gradOutput))
	if activation == ActivationLinear {
		copy(grad, gradOutput)
		return grad
	}
	for i, g := range gradOutput {
		grad[i] = g * activateDerivativeCPU(output[i], activation)
	}
	return grad
}

func activationToString(a ActivationType) string {
	switch a {
	case ActivationReLU:
		return "relu"
	default:
		return "linear"
	}
}
