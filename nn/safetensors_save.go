package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// TensorWithShape is a tensor staged for serialization
type TensorWithShape struct {
	DType  string
	Shape  []int
	Values []float32
}

// SaveSafetensors writes tensors to a safetensors file
func SaveSafetensors(filepath string, tensors map[string]TensorWithShape) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// SerializeSafetensors converts tensors to safetensors format bytes (F32, F16, BF16)
func SerializeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(tensors))
	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		bytesPerElement := getBytesPerElement(tensor.DType)
		if bytesPerElement == 0 {
			return nil, fmt.Errorf("tensor %s: unsupported dtype: %s", name, tensor.DType)
		}

		numElements := 1
		for _, dim := range tensor.Shape {
			numElements *= dim
		}
		if numElements != len(tensor.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", name, tensor.Shape, len(tensor.Values))
		}
		dataSize := numElements * bytesPerElement

		header[name] = TensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := len(headerJSON)
	result := make([]byte, 8+headerSize+currentOffset)
	binary.LittleEndian.PutUint64(result[0:8], uint64(headerSize))
	copy(result[8:], headerJSON)

	dest := result[8+headerSize:]
	for _, name := range names {
		info := header[name]
		writeTensorData(dest[info.Offset[0]:info.Offset[1]], tensors[name])
	}

	return result, nil
}

// getBytesPerElement returns bytes per element for a writable dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// writeTensorData writes tensor data in the specified dtype format
func writeTensorData(dest []byte, tensor TensorWithShape) {
	switch tensor.DType {
	case "F32":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(val))
		}
	case "F16":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToFloat16(val))
		}
	case "BF16":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToBFloat16(val))
		}
	}
}

// float32ToFloat16 converts to half precision, rounding to nearest even.
// Values beyond the half range become ±Inf; tiny values flush to zero.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	switch {
	case (bits>>23)&0xFF == 0xFF:
		// Inf or NaN
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		// Subnormal half
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := mant >> shift
		rem := mant & (1<<shift - 1)
		if rem > 1<<(shift-1) || (rem == 1<<(shift-1) && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}

	half := uint32(exp)<<10 | mant>>13
	rem := mant & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		// Carry may roll into the exponent, which is the correct result
		half++
	}
	return sign | uint16(half)
}

// float32ToBFloat16 keeps the top 16 bits, rounding to nearest even
func float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if (bits>>23)&0xFF == 0xFF {
		return uint16(bits >> 16)
	}
	bits += 0x7FFF + (bits>>16)&1
	return uint16(bits >> 16)
}

// SaveWeightsToSafetensors saves the conv weights of a VGG stack under
// torchvision names ("features.{index}.weight"), readable by LoadVGGWeights
func (n *Network) SaveWeightsToSafetensors(filepath string) error {
	tensors := make(map[string]TensorWithShape)

	for i := range n.Layers {
		l := &n.Layers[i]
		if l.Type != LayerConv2D || len(l.Kernel) == 0 {
			continue
		}
		prefix := fmt.Sprintf("features.%d", l.SourceIndex)
		tensors[prefix+".weight"] = TensorWithShape{
			DType:  "F32",
			Shape:  []int{l.Filters, l.InputChannels, l.KernelSize, l.KernelSize},
			Values: l.Kernel,
		}
		tensors[prefix+".bias"] = TensorWithShape{
			DType:  "F32",
			Shape:  []int{l.Filters},
			Values: l.Bias,
		}
	}

	return SaveSafetensors(filepath, tensors)
}
