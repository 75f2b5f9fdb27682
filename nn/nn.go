// Package nn provides the frozen convolutional backbone used for feature extraction.
//
// A backbone is a sequential stack of layers (3x3 convolutions with a fused
// rectifier and 2x2 max-pooling) in the VGG arrangement, where conv layers are
// named by block and position: conv1_1, conv1_2, conv2_1, ...
//
// The network supports a forward pass that captures the activations of named
// layers and a backward pass that propagates gradients given at those layers
// back to the network input. Weights are never updated: gradients only flow to
// the input, which is what image optimization needs.
//
// Example usage:
//
//	net, _ := nn.NewVGG(nn.VGG19, 3, "conv5_1")
//	tensors, _ := nn.LoadSafetensors("vgg19.safetensors")
//	_ = nn.LoadVGGWeights(net, tensors)
//
//	session, _ := net.NewSession(nn.DeviceCPU, 300, 400, []string{"conv1_1", "conv4_2"})
//	defer session.Release()
//
//	pass, _ := session.Forward(input)
//	act, _ := pass.Activation("conv4_2")
//
//	// Gradient of a loss w.r.t. the input, given dLoss/dActivation
//	gradInput, _ := pass.Backward(map[string]*nn.Tensor{"conv4_2": gradAct})
//
// Execution runs on the CPU (gonum BLAS) or on a WebGPU device (DeviceGPU).
// Optimizers and learning rate schedules for the optimized input live here too.
package nn
