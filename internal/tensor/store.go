package tensor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/23skdu/bitbow/internal/config"
	"github.com/23skdu/bitbow/internal/gguf"
	"github.com/23skdu/bitbow/internal/logger"
	"github.com/23skdu/bitbow/internal/metrics"
)

// Store is the read-only tensor container backing an engine. It owns
// the file mapping; tensors are views into it and share its lifetime.
type Store struct {
	file    *gguf.File
	cfg     config.Config
	tensors map[string]*Tensor
	closed  atomic.Bool
}

// Open maps a checkpoint from disk and validates it end to end:
// container structure, metadata-derived config, quantization kinds,
// and the tensor shapes the architecture requires.
func Open(path string) (*Store, error) {
	start := time.Now()
	file, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := fromFile(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	logger.Log.Info("checkpoint loaded",
		"path", path,
		"arch", s.cfg.Architecture,
		"layers", s.cfg.Layers,
		"dim", s.cfg.Dim,
		"vocab", s.cfg.VocabSize,
		"tensors", len(s.tensors),
		"duration", time.Since(start))
	metrics.RecordModelLoad(time.Since(start))
	return s, nil
}

// FromBytes builds a store over an in-memory GGUF image.
func FromBytes(data []byte) (*Store, error) {
	file, err := gguf.Parse(data)
	if err != nil {
		return nil, err
	}
	return fromFile(file)
}

func fromFile(file *gguf.File) (*Store, error) {
	cfg, err := config.FromFile(file)
	if err != nil {
		return nil, err
	}

	s := &Store{
		file:    file,
		cfg:     cfg,
		tensors: make(map[string]*Tensor, len(file.Tensors)),
	}

	for _, ti := range file.Tensors {
		t, err := convert(ti)
		if err != nil {
			return nil, err
		}
		s.tensors[t.Name] = t
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	if s.tensors["output.weight"] == nil {
		s.cfg.TiedEmbeddings = true
		logger.Log.Debug("output.weight absent, tying lm head to token embedding")
	}

	return s, nil
}

func convert(ti *gguf.TensorInfo) (*Tensor, error) {
	var kind Kind
	switch ti.Type {
	case gguf.GGMLTypeF32:
		kind = KindF32
	case gguf.GGMLTypeF16:
		kind = KindF16
	case gguf.GGMLTypeQ8_0:
		kind = KindInt8Block
	case gguf.GGMLTypeI2S:
		kind = KindTernary
	default:
		return nil, UnsupportedQuantError{Tensor: ti.Name, Type: ti.Type}
	}

	if len(ti.Dimensions) == 0 {
		return nil, ValidationError{Tensor: ti.Name, Reason: "no dimensions"}
	}
	cols := int(ti.Dimensions[0])
	rows := 1
	for _, d := range ti.Dimensions[1:] {
		rows *= int(d)
	}

	t := &Tensor{
		Name: ti.Name,
		Rows: rows,
		Cols: cols,
		Kind: kind,
		Data: ti.Data,
	}

	if kind == KindTernary {
		n := t.Elements()
		t.Scale = gguf.TernaryScale(ti.Data, n)
		t.Data = ti.Data[:(n+3)/4]
	}
	if kind == KindInt8Block && cols%gguf.Q8BlockSize != 0 {
		return nil, ValidationError{Tensor: ti.Name,
			Reason: fmt.Sprintf("row length %d not a multiple of the Q8 block size", cols)}
	}

	return t, nil
}

// validate checks that every tensor the architecture needs exists with
// the expected shape. Optional tensors (gate, sub-norms, lm head) are
// checked only when present.
func (s *Store) validate() error {
	c := s.cfg
	qDim := c.Heads * c.HeadDim
	kvDim := c.KVHeads * c.HeadDim

	type shape struct {
		rows, cols int
		required   bool
	}
	expect := map[string]shape{
		"token_embd.weight":  {c.VocabSize, c.Dim, true},
		"output_norm.weight": {1, c.Dim, true},
		"output.weight":      {c.VocabSize, c.Dim, false},
	}
	for l := 0; l < c.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		expect[p+"attn_norm.weight"] = shape{1, c.Dim, true}
		expect[p+"attn_q.weight"] = shape{qDim, c.Dim, true}
		expect[p+"attn_k.weight"] = shape{kvDim, c.Dim, true}
		expect[p+"attn_v.weight"] = shape{kvDim, c.Dim, true}
		expect[p+"attn_output.weight"] = shape{c.Dim, qDim, true}
		expect[p+"attn_sub_norm.weight"] = shape{1, qDim, false}
		expect[p+"ffn_norm.weight"] = shape{1, c.Dim, true}
		expect[p+"ffn_up.weight"] = shape{c.HiddenDim, c.Dim, true}
		expect[p+"ffn_gate.weight"] = shape{c.HiddenDim, c.Dim, false}
		expect[p+"ffn_down.weight"] = shape{c.Dim, c.HiddenDim, true}
		expect[p+"ffn_sub_norm.weight"] = shape{1, c.HiddenDim, false}
	}

	for name, want := range expect {
		t, ok := s.tensors[name]
		if !ok {
			if want.required {
				return ValidationError{Tensor: name, Reason: "missing"}
			}
			continue
		}
		if t.Rows != want.rows || t.Cols != want.cols {
			return ValidationError{Tensor: name,
				Reason: fmt.Sprintf("shape %dx%d, expected %dx%d", t.Rows, t.Cols, want.rows, want.cols)}
		}
	}
	return nil
}

// Config returns the metadata-derived hyperparameters.
func (s *Store) Config() config.Config { return s.cfg }

// File exposes the underlying container for metadata reads (vocab,
// special tokens). Callers must not mutate it.
func (s *Store) File() *gguf.File { return s.file }

// Lookup returns a tensor by canonical name.
func (s *Store) Lookup(name string) (*Tensor, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	t, ok := s.tensors[name]
	if !ok {
		return nil, ValidationError{Tensor: name, Reason: "not found"}
	}
	return t, nil
}

// Has reports whether a tensor exists without touching its data.
func (s *Store) Has(name string) bool {
	if s.closed.Load() {
		return false
	}
	_, ok := s.tensors[name]
	return ok
}

// Close unmaps the checkpoint. Tensor views handed out earlier must
// not be used afterwards; lookups fail with ErrStoreClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.file.Close()
}
