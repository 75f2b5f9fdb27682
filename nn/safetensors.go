package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
)

// TensorInfo describes a tensor's properties in a safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(filepath string) (map[string]*Tensor, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and returns tensors by name.
// F32, F16 and BF16 tensors are widened to float32; other dtypes are skipped.
func LoadSafetensorsFromBytes(data []byte) (map[string]*Tensor, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	tensors := make(map[string]*Tensor, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("tensor %s: expected 2 data offsets, got %d", name, len(info.Offset))
		}

		width := 0
		switch info.DType {
		case "F32":
			width = 4
		case "F16", "BF16":
			width = 2
		default:
			slog.Warn("skipping tensor with unsupported dtype", "tensor", name, "dtype", info.DType)
			continue
		}

		numElements := 1
		for _, dim := range info.Shape {
			numElements *= dim
		}
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || end > len(allData) || end-start != numElements*width {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		raw := allData[start:end]

		values := make([]float32, numElements)
		switch info.DType {
		case "F32":
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
		case "F16":
			for i := range values {
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			}
		case "BF16":
			for i := range values {
				values[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			}
		}

		tensors[name] = NewTensorFromSlice(values, info.Shape...)
	}

	return tensors, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		// Normal
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is just the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}
