package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"syscall"
)

// LoadFile maps a GGUF file into memory and parses the header, metadata
// KV table and tensor directory. The returned File keeps the mapping
// alive until Close.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.mapped = true
	return file, nil
}

// Parse decodes a GGUF image already resident in memory. Used by
// LoadFile and by tests that build checkpoints with the Writer.
func Parse(data []byte) (*File, error) {
	file := &File{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	if len(data) < 24 {
		return nil, CorruptError{Offset: 0, Reason: "file shorter than header"}
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, CorruptError{Offset: offset, Reason: "truncated metadata value type"}
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, err
		}
		offset += n
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, CorruptError{Offset: offset, Reason: "truncated tensor dimension count"}
		}
		ndims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		if ndims > 4 {
			return nil, CorruptError{Offset: offset, Reason: fmt.Sprintf("tensor %q has %d dimensions", name, ndims)}
		}

		if offset+uint64(ndims)*8+12 > uint64(len(data)) {
			return nil, CorruptError{Offset: offset, Reason: "truncated tensor info"}
		}
		dims := make([]uint64, ndims)
		elems := uint64(1)
		for j := uint32(0); j < ndims; j++ {
			dims[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
			if dims[j] > 0 && elems > math.MaxUint64/dims[j] {
				return nil, CorruptError{Offset: offset, Reason: fmt.Sprintf("tensor %q dimensions overflow", name)}
			}
			elems *= dims[j]
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dims,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		return nil, CorruptError{Offset: offset, Reason: "general.alignment is zero"}
	}

	if pad := offset % alignment; pad != 0 {
		step := alignment - pad
		if step > math.MaxUint64-offset {
			return nil, CorruptError{Offset: offset, Reason: "alignment padding overflows"}
		}
		offset += step
	}
	file.DataOffset = offset

	// All arithmetic below is phrased against the bytes remaining so
	// adversarial 64-bit offsets cannot wrap past the checks.
	end := uint64(len(data))
	for _, t := range file.Tensors {
		size := t.SizeBytes()
		if size == 0 {
			// Unknown layout: leave Data nil, the store layer decides
			// whether the type is acceptable.
			continue
		}
		if t.Offset > end || file.DataOffset > end-t.Offset || size > end-file.DataOffset-t.Offset {
			return nil, CorruptError{Offset: t.Offset, Reason: fmt.Sprintf("tensor %q data out of bounds", t.Name)}
		}
		start := file.DataOffset + t.Offset
		t.Data = data[start : start+size]
	}

	return file, nil
}

func (f *File) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

// Lookup returns the tensor info for a canonical name, or nil.
func (f *File) Lookup(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if uint64(len(data)) < 8 || offset > uint64(len(data))-8 {
		return "", 0, CorruptError{Offset: offset, Reason: "truncated string length"}
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if length > uint64(len(data))-offset-8 {
		return "", 0, CorruptError{Offset: offset, Reason: "string length exceeds remaining bytes"}
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	need := func(n uint64) error {
		if offset > uint64(len(data)) || n > uint64(len(data))-offset {
			return CorruptError{Offset: offset, Reason: "truncated metadata value"}
		}
		return nil
	}

	switch typ {
	case GGUFMetadataValueTypeUint8:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		if err := need(12); err != nil {
			return nil, 0, err
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		read := uint64(12)
		cur := offset + 12

		// Every element occupies at least one byte, so a declared
		// length past the remaining bytes can never decode; rejecting
		// it here also keeps the preallocation honest.
		if arrLen > uint64(len(data))-cur {
			return nil, 0, CorruptError{Offset: offset, Reason: "array length exceeds remaining bytes"}
		}
		arr := make([]interface{}, 0, arrLen)
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, cur, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			cur += n
			read += n
		}
		return arr, read, nil
	case GGUFMetadataValueTypeUint64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, CorruptError{Offset: offset, Reason: fmt.Sprintf("unknown metadata type %d", typ)}
	}
}
