package gguf

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// DequantizeF32 reinterprets little-endian float32 payload bytes.
func DequantizeF32(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// DequantizeF16 widens a half-precision payload to float32.
func DequantizeF16(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
	}
	return out
}

// DequantizeQ8 expands Q8_0 blocks (f16 scale + 32 int8 quants) to
// float32. n must be a multiple of Q8BlockSize.
func DequantizeQ8(data []byte, n int) []float32 {
	out := make([]float32, n)
	blocks := n / Q8BlockSize
	for b := 0; b < blocks; b++ {
		d := Q8BlockScale(data, b)
		qs := data[b*Q8BlockBytes+2 : b*Q8BlockBytes+2+Q8BlockSize]
		for i := 0; i < Q8BlockSize; i++ {
			out[b*Q8BlockSize+i] = d * float32(int8(qs[i]))
		}
	}
	return out
}

// UnpackTernary expands an I2_S packed payload into {-1, 0, +1}
// weights. Four weights per byte, most-significant pair first,
// code 0 → -1, 1 → 0, 2 → +1.
func UnpackTernary(data []byte, n int) []int8 {
	out := make([]int8, n)
	for i := 0; i < n; i++ {
		b := data[i/4]
		shift := uint(6 - 2*(i%4))
		out[i] = int8((b>>shift)&0x3) - 1
	}
	return out
}

// TernaryScale reads the per-tensor float32 scale stored after the
// packed I2_S payload for a tensor of n weights.
func TernaryScale(data []byte, n int) float32 {
	off := (n + 3) / 4
	return math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
}

// Q8BlockScale reads the f16 scale of block b in a Q8_0 payload.
func Q8BlockScale(data []byte, b int) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(data[b*Q8BlockBytes:])).Float32()
}
