// Package compute holds the CPU kernels for the decode path. All
// accumulation happens in float32 (int32 for ternary matmuls)
// regardless of storage precision. Shapes are validated when the
// checkpoint is mapped, not here.
package compute

import (
	"math"

	"github.com/23skdu/bitbow/internal/config"
)

// RMSNorm writes x normalized by its root-mean-square and scaled by
// weight into dst. dst may alias x.
func RMSNorm(dst, x, weight []float32, eps float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	inv := 1 / float32(math.Sqrt(float64(ss/float32(len(x))+eps)))
	for i, v := range x {
		dst[i] = v * inv * weight[i]
	}
}

// Softmax normalizes x in place, max-subtracted for stability.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - max)))
		x[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

// RoPE rotates x (heads * headDim) in place for the given absolute
// position. Pairs are split across the head halves: element i rotates
// with element i+headDim/2.
func RoPE(x []float32, heads, headDim, pos int, theta float32) {
	half := headDim / 2
	for h := 0; h < heads; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			freq := float64(pos) * math.Pow(float64(theta), -2*float64(i)/float64(headDim))
			sin, cos := math.Sincos(freq)
			a := x[base+i]
			b := x[base+i+half]
			x[base+i] = a*float32(cos) - b*float32(sin)
			x[base+i+half] = a*float32(sin) + b*float32(cos)
		}
	}
}

// Activate applies the configured feed-forward nonlinearity in place.
func Activate(act config.Activation, x []float32) {
	switch act {
	case config.ActivationReLU2:
		for i, v := range x {
			if v > 0 {
				x[i] = v * v
			} else {
				x[i] = 0
			}
		}
	default: // SiLU
		for i, v := range x {
			x[i] = v / (1 + float32(math.Exp(float64(-v))))
		}
	}
}

// Mul multiplies a by b elementwise into dst.
func Mul(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Attend runs grouped-query attention for one query position against
// all cached keys/values and writes the merged head outputs to dst
// (heads * headDim). scores is caller-provided scratch with capacity
// for len(keys) entries.
func Attend(dst, q []float32, keys, values [][]float32, heads, kvHeads, headDim int, scores []float32) {
	group := heads / kvHeads
	invSqrt := 1 / float32(math.Sqrt(float64(headDim)))
	n := len(keys)
	scores = scores[:n]

	for h := 0; h < heads; h++ {
		qh := q[h*headDim : (h+1)*headDim]
		kvOff := (h / group) * headDim

		for t := 0; t < n; t++ {
			scores[t] = dot(qh, keys[t][kvOff:kvOff+headDim]) * invSqrt
		}
		Softmax(scores)

		out := dst[h*headDim : (h+1)*headDim]
		for i := range out {
			out[i] = 0
		}
		for t := 0; t < n; t++ {
			w := scores[t]
			v := values[t][kvOff : kvOff+headDim]
			for i := range out {
				out[i] += w * v[i]
			}
		}
	}
}
