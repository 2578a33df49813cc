package gguf

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Writer builds a GGUF v3 image in memory. Tooling and tests use it to
// produce synthetic checkpoints small enough to hand-check.
type Writer struct {
	kv      []kvEntry
	tensors []pendingTensor
}

type kvEntry struct {
	key string
	typ GGUFMetadataValueType
	val interface{}
}

type pendingTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) SetString(key, val string) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeString, val})
}

func (w *Writer) SetUint32(key string, val uint32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeUint32, val})
}

func (w *Writer) SetFloat32(key string, val float32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeFloat32, val})
}

func (w *Writer) SetBool(key string, val bool) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeBool, val})
}

func (w *Writer) SetStringArray(key string, vals []string) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeArray, vals})
}

func (w *Writer) SetUint32Array(key string, vals []uint32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeArray, vals})
}

// AddF32 appends a float32 tensor. dims follows GGUF order: dims[0] is
// the row length (input dimension for weight matrices).
func (w *Writer) AddF32(name string, dims []uint64, vals []float32) {
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	w.tensors = append(w.tensors, pendingTensor{name, dims, GGMLTypeF32, data})
}

// AddF16 appends a half-precision tensor converted from float32 values.
func (w *Writer) AddF16(name string, dims []uint64, vals []float32) {
	data := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
	}
	w.tensors = append(w.tensors, pendingTensor{name, dims, GGMLTypeF16, data})
}

// AddQ8 quantizes float32 values into Q8_0 blocks. len(vals) must be a
// multiple of Q8BlockSize.
func (w *Writer) AddQ8(name string, dims []uint64, vals []float32) {
	blocks := len(vals) / Q8BlockSize
	data := make([]byte, blocks*Q8BlockBytes)
	for b := 0; b < blocks; b++ {
		chunk := vals[b*Q8BlockSize : (b+1)*Q8BlockSize]
		var amax float32
		for _, v := range chunk {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		var inv float32
		if d != 0 {
			inv = 1 / d
		}
		blk := data[b*Q8BlockBytes:]
		binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(d).Bits())
		for i, v := range chunk {
			blk[2+i] = byte(int8(math.RoundToEven(float64(v * inv))))
		}
	}
	w.tensors = append(w.tensors, pendingTensor{name, dims, GGMLTypeQ8_0, data})
}

// AddTernary packs {-1, 0, +1} weights into the I2_S layout: four
// weights per byte, most-significant pair first, with the per-tensor
// float32 scale appended after the packed payload.
func (w *Writer) AddTernary(name string, dims []uint64, weights []int8, scale float32) {
	packed := make([]byte, (len(weights)+3)/4+4)
	for i, t := range weights {
		code := byte(t + 1)
		shift := uint(6 - 2*(i%4))
		packed[i/4] |= code << shift
	}
	binary.LittleEndian.PutUint32(packed[(len(weights)+3)/4:], math.Float32bits(scale))
	w.tensors = append(w.tensors, pendingTensor{name, dims, GGMLTypeI2S, packed})
}

// Bytes serializes the accumulated metadata and tensors.
func (w *Writer) Bytes() []byte {
	var buf bytes.Buffer

	writeU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
	writeString := func(s string) {
		writeU64(uint64(len(s)))
		buf.WriteString(s)
	}

	writeU32(GGUFMagic)
	writeU32(GGUFVersion)
	writeU64(uint64(len(w.tensors)))
	writeU64(uint64(len(w.kv)))

	for _, e := range w.kv {
		writeString(e.key)
		writeU32(uint32(e.typ))
		switch v := e.val.(type) {
		case string:
			writeString(v)
		case uint32:
			writeU32(v)
		case float32:
			writeU32(math.Float32bits(v))
		case bool:
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case []string:
			writeU32(uint32(GGUFMetadataValueTypeString))
			writeU64(uint64(len(v)))
			for _, s := range v {
				writeString(s)
			}
		case []uint32:
			writeU32(uint32(GGUFMetadataValueTypeUint32))
			writeU64(uint64(len(v)))
			for _, n := range v {
				writeU32(n)
			}
		}
	}

	// Tensor directory. Offsets are relative to the aligned data
	// section start, each tensor itself aligned.
	offsets := make([]uint64, len(w.tensors))
	cur := uint64(0)
	for i, t := range w.tensors {
		if pad := cur % DefaultAlignment; pad != 0 {
			cur += DefaultAlignment - pad
		}
		offsets[i] = cur
		cur += uint64(len(t.data))
	}

	for i, t := range w.tensors {
		writeString(t.name)
		writeU32(uint32(len(t.dims)))
		for _, d := range t.dims {
			writeU64(d)
		}
		writeU32(uint32(t.typ))
		writeU64(offsets[i])
	}

	if pad := buf.Len() % DefaultAlignment; pad != 0 {
		buf.Write(make([]byte, DefaultAlignment-pad))
	}

	dataStart := uint64(buf.Len())
	for i, t := range w.tensors {
		want := dataStart + offsets[i]
		if gap := want - uint64(buf.Len()); gap > 0 {
			buf.Write(make([]byte, gap))
		}
		buf.Write(t.data)
	}

	return buf.Bytes()
}
