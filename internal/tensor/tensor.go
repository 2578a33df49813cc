package tensor

import (
	"fmt"

	"github.com/23skdu/bitbow/internal/gguf"
)

// Kind tags the storage layout of a quantized tensor.
type Kind uint8

const (
	KindF32 Kind = iota
	KindF16
	KindInt8Block // Q8_0: 32-weight blocks, f16 scale + int8 quants
	KindTernary   // I2_S: 2-bit packed {-1,0,+1} with per-tensor scale
)

func (k Kind) String() string {
	switch k {
	case KindF32:
		return "f32"
	case KindF16:
		return "f16"
	case KindInt8Block:
		return "int8_block"
	case KindTernary:
		return "ternary"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tensor is an immutable view into the mapped checkpoint. Rows is the
// output dimension, Cols the input (contraction) dimension; for 1-D
// tensors Rows is 1.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Kind Kind
	Data []byte // quantized payload, excluding the ternary scale tail

	// Scale is the per-tensor dequantization scale for ternary
	// tensors; unused otherwise.
	Scale float32
}

func (t *Tensor) Elements() int { return t.Rows * t.Cols }

// Floats widens the whole tensor to float32. Intended for small
// tensors (norm weights); matmul paths read the payload directly.
func (t *Tensor) Floats() []float32 {
	n := t.Elements()
	switch t.Kind {
	case KindF32:
		return gguf.DequantizeF32(t.Data, n)
	case KindF16:
		return gguf.DequantizeF16(t.Data, n)
	case KindInt8Block:
		return gguf.DequantizeQ8(t.Data, n)
	case KindTernary:
		w := gguf.UnpackTernary(t.Data, n)
		out := make([]float32, n)
		for i, v := range w {
			out[i] = float32(v) * t.Scale
		}
		return out
	default:
		return nil
	}
}

// ErrUnsupportedQuant is the class sentinel for recognized-but-
// unimplemented quantization schemes.
var ErrUnsupportedQuant = fmt.Errorf("unsupported quantization")

type UnsupportedQuantError struct {
	Tensor string
	Type   gguf.GGMLType
}

func (e UnsupportedQuantError) Error() string {
	return fmt.Sprintf("tensor %q uses unsupported quantization %s", e.Tensor, e.Type)
}

func (e UnsupportedQuantError) Is(target error) bool { return target == ErrUnsupportedQuant }

// ValidationError reports a checkpoint whose tensor directory does not
// describe a usable model.
type ValidationError struct {
	Tensor string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Tensor == "" {
		return "invalid checkpoint: " + e.Reason
	}
	return fmt.Sprintf("invalid checkpoint: tensor %q: %s", e.Tensor, e.Reason)
}

func (e ValidationError) Is(target error) bool { return target == gguf.ErrCorrupt }

// ErrStoreClosed is returned by lookups after Close.
var ErrStoreClosed = fmt.Errorf("tensor store is closed")
