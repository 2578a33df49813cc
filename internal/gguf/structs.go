package gguf

import "fmt"

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	// DefaultAlignment pads the tensor data section unless
	// general.alignment says otherwise.
	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32   GGMLType = 0
	GGMLTypeF16   GGMLType = 1
	GGMLTypeQ4_0  GGMLType = 2
	GGMLTypeQ4_1  GGMLType = 3
	GGMLTypeQ5_0  GGMLType = 6
	GGMLTypeQ8_0  GGMLType = 8
	GGMLTypeQ2_K  GGMLType = 10
	GGMLTypeQ3_K  GGMLType = 11
	GGMLTypeQ4_K  GGMLType = 12
	GGMLTypeQ5_K  GGMLType = 13
	GGMLTypeQ6_K  GGMLType = 14
	GGMLTypeQ8_K  GGMLType = 15
	GGMLTypeTQ1_0 GGMLType = 34
	GGMLTypeTQ2_0 GGMLType = 35
	GGMLTypeI2S   GGMLType = 36
)

// Q8_0 packs 32 weights per block: one f16 scale plus 32 int8 quants.
const (
	Q8BlockSize  = 32
	Q8BlockBytes = 34
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne per dimension; Dimensions[0] is the fastest-varying (row length)
	Type       GGMLType
	Offset     uint64 // relative to the data section start
	Data       []byte // slice into the mmap'd (or in-memory) file, length SizeBytes
}

func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// SizeBytes reports the on-disk payload size, or 0 for types whose
// layout we do not know.
func (t *TensorInfo) SizeBytes() uint64 {
	n := t.Elements()
	switch t.Type {
	case GGMLTypeF32:
		return n * 4
	case GGMLTypeF16:
		return n * 2
	case GGMLTypeQ8_0:
		return (n / Q8BlockSize) * Q8BlockBytes
	case GGMLTypeI2S:
		// 2 bits per weight, four per byte, one trailing f32 scale.
		return (n+3)/4 + 4
	case GGMLTypeQ4_0:
		return (n / 32) * 18
	case GGMLTypeQ5_0:
		return (n / 32) * 22
	case GGMLTypeQ4_K:
		return (n / 256) * 144
	case GGMLTypeQ6_K:
		return (n / 256) * 210
	case GGMLTypeQ3_K:
		return (n / 256) * 110
	default:
		return 0
	}
}

type File struct {
	Header     Header
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // full file bytes (mmap'd when opened from disk)
	DataOffset uint64 // where the aligned tensor data section starts
	mapped     bool
}

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// ErrCorrupt is the class sentinel for malformed containers; the
// concrete error types below all match it through errors.Is.
var ErrCorrupt = fmt.Errorf("corrupt gguf file")

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

func (e ErrInvalidMagic) Is(target error) bool { return target == ErrCorrupt }

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

func (e ErrUnsupportedVersion) Is(target error) bool { return target == ErrCorrupt }

// CorruptError covers structural damage past the header: truncated
// sections, out-of-range offsets, undecodable metadata.
type CorruptError struct {
	Offset uint64
	Reason string
}

func (e CorruptError) Error() string {
	return fmt.Sprintf("corrupt GGUF at offset %d: %s", e.Offset, e.Reason)
}

func (e CorruptError) Is(target error) bool { return target == ErrCorrupt }

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ2_K:
		return "Q2_K"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ5_K:
		return "Q5_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeQ8_K:
		return "Q8_K"
	case GGMLTypeTQ1_0:
		return "TQ1_0"
	case GGMLTypeTQ2_0:
		return "TQ2_0"
	case GGMLTypeI2S:
		return "I2_S"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(t))
	}
}
