package compute

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/bitbow/internal/gguf"
	"github.com/23skdu/bitbow/internal/tensor"
)

// MatVec computes dst = W·x for a row-major weight tensor, fused with
// dequantization. len(x) must equal W.Cols and len(dst) W.Rows.
func MatVec(w *tensor.Tensor, x, dst []float32) {
	switch w.Kind {
	case tensor.KindTernary:
		matVecTernary(w, x, dst)
	case tensor.KindInt8Block:
		matVecQ8(w, x, dst)
	case tensor.KindF16:
		matVecF16(w, x, dst)
	default:
		matVecF32(w, x, dst)
	}
}

// matVecTernary is the BitLinear core: the activation vector is
// quantized to int8 by absmax, the packed {-1,0,+1} weights accumulate
// in int32, and the result is rescaled by the weight scale times the
// activation scale.
func matVecTernary(w *tensor.Tensor, x, dst []float32) {
	var amax float32
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
		}
	}
	if amax == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}

	inv := 127 / amax
	q := make([]int32, len(x))
	for i, v := range x {
		q[i] = int32(math.RoundToEven(float64(v * inv)))
	}

	rescale := w.Scale * amax / 127
	cols := w.Cols
	for r := 0; r < w.Rows; r++ {
		var acc int32
		base := r * cols
		for c := 0; c < cols; c++ {
			idx := base + c
			code := (w.Data[idx>>2] >> uint(6-2*(idx&3))) & 0x3
			switch code {
			case 0:
				acc -= q[c]
			case 2:
				acc += q[c]
			}
		}
		dst[r] = float32(acc) * rescale
	}
}

func matVecQ8(w *tensor.Tensor, x, dst []float32) {
	cols := w.Cols
	blocksPerRow := cols / gguf.Q8BlockSize
	for r := 0; r < w.Rows; r++ {
		rowOff := r * blocksPerRow * gguf.Q8BlockBytes
		var acc float32
		for b := 0; b < blocksPerRow; b++ {
			d := gguf.Q8BlockScale(w.Data[rowOff:], b)
			qs := w.Data[rowOff+b*gguf.Q8BlockBytes+2 : rowOff+b*gguf.Q8BlockBytes+2+gguf.Q8BlockSize]
			xs := x[b*gguf.Q8BlockSize:]
			var sum float32
			for i := 0; i < gguf.Q8BlockSize; i++ {
				sum += float32(int8(qs[i])) * xs[i]
			}
			acc += d * sum
		}
		dst[r] = acc
	}
}

func matVecF16(w *tensor.Tensor, x, dst []float32) {
	cols := w.Cols
	for r := 0; r < w.Rows; r++ {
		row := w.Data[r*cols*2:]
		var acc float32
		for c := 0; c < cols; c++ {
			acc += float16.Frombits(binary.LittleEndian.Uint16(row[c*2:])).Float32() * x[c]
		}
		dst[r] = acc
	}
}

func matVecF32(w *tensor.Tensor, x, dst []float32) {
	cols := w.Cols
	for r := 0; r < w.Rows; r++ {
		row := w.Data[r*cols*4:]
		var acc float32
		for c := 0; c < cols; c++ {
			acc += math.Float32frombits(binary.LittleEndian.Uint32(row[c*4:])) * x[c]
		}
		dst[r] = acc
	}
}

// EmbedRow copies row r of an embedding tensor into dst as float32.
func EmbedRow(w *tensor.Tensor, r int, dst []float32) {
	cols := w.Cols
	switch w.Kind {
	case tensor.KindF32:
		copy(dst, gguf.DequantizeF32(w.Data[r*cols*4:], cols))
	case tensor.KindF16:
		copy(dst, gguf.DequantizeF16(w.Data[r*cols*2:], cols))
	case tensor.KindInt8Block:
		blocksPerRow := cols / gguf.Q8BlockSize
		copy(dst, gguf.DequantizeQ8(w.Data[r*blocksPerRow*gguf.Q8BlockBytes:], cols))
	case tensor.KindTernary:
		for c := 0; c < cols; c++ {
			idx := r*cols + c
			code := (w.Data[idx>>2] >> uint(6-2*(idx&3))) & 0x3
			dst[c] = float32(int8(code)-1) * w.Scale
		}
	}
}
