// Package testmodel builds a tiny hand-checkable BitNet checkpoint
// used by tests across the repository.
//
// The model has one layer whose ternary projections are all zero, so
// the residual stream carries the token embedding through untouched.
// The embedding is the 8x8 identity and the lm head is the embedding
// rotated down one row, which makes greedy decoding emit token id
// (last+1) mod 8 every step.
package testmodel

import "github.com/23skdu/bitbow/internal/gguf"

const (
	Dim       = 8
	Vocab     = 8
	Heads     = 2
	KVHeads   = 1
	HeadDim   = 4
	HiddenDim = 16

	BOS = 1
	EOS = 2
)

// Tokens is the fixture vocabulary. Index 3 is the byte-level BPE
// symbol for '\n'.
var Tokens = []string{"<unk>", "<s>", "</s>", "Ċ", "S", "h", "i", "!"}

type Options struct {
	ContextLength int  // default 16
	Gated         bool // include ffn_gate.weight
	SubNorms      bool // include attn/ffn sub-norm tensors
	TieLMHead     bool // omit output.weight
}

func Build(opts Options) []byte {
	if opts.ContextLength == 0 {
		opts.ContextLength = 16
	}

	w := gguf.NewWriter()
	w.SetString("general.architecture", "bitnet")
	w.SetString("general.name", "testmodel")
	w.SetUint32("bitnet.embedding_length", Dim)
	w.SetUint32("bitnet.block_count", 1)
	w.SetUint32("bitnet.attention.head_count", Heads)
	w.SetUint32("bitnet.attention.head_count_kv", KVHeads)
	w.SetUint32("bitnet.feed_forward_length", HiddenDim)
	w.SetUint32("bitnet.context_length", uint32(opts.ContextLength))
	w.SetFloat32("bitnet.attention.layer_norm_rms_epsilon", 1e-5)
	w.SetFloat32("bitnet.rope.freq_base", 10000)

	w.SetString("tokenizer.ggml.model", "gpt2")
	w.SetStringArray("tokenizer.ggml.tokens", Tokens)
	w.SetStringArray("tokenizer.ggml.merges", nil)
	w.SetUint32("tokenizer.ggml.bos_token_id", BOS)
	w.SetUint32("tokenizer.ggml.eos_token_id", EOS)
	w.SetBool("tokenizer.ggml.add_bos_token", true)

	identity := make([]float32, Vocab*Dim)
	for i := 0; i < Vocab; i++ {
		identity[i*Dim+i] = 1
	}
	w.AddF16("token_embd.weight", []uint64{Dim, Vocab}, identity)

	if !opts.TieLMHead {
		shifted := make([]float32, Vocab*Dim)
		for j := 0; j < Vocab; j++ {
			src := (j - 1 + Vocab) % Vocab
			shifted[j*Dim+src] = 1
		}
		w.AddF16("output.weight", []uint64{Dim, Vocab}, shifted)
	}

	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}
	w.AddF32("output_norm.weight", []uint64{Dim}, ones(Dim))
	w.AddF32("blk.0.attn_norm.weight", []uint64{Dim}, ones(Dim))
	w.AddF32("blk.0.ffn_norm.weight", []uint64{Dim}, ones(Dim))
	if opts.SubNorms {
		w.AddF32("blk.0.attn_sub_norm.weight", []uint64{Heads * HeadDim}, ones(Heads*HeadDim))
		w.AddF32("blk.0.ffn_sub_norm.weight", []uint64{HiddenDim}, ones(HiddenDim))
	}

	zeros := func(n int) []int8 { return make([]int8, n) }
	w.AddTernary("blk.0.attn_q.weight", []uint64{Dim, Heads * HeadDim}, zeros(Heads*HeadDim*Dim), 1)
	w.AddTernary("blk.0.attn_k.weight", []uint64{Dim, KVHeads * HeadDim}, zeros(KVHeads*HeadDim*Dim), 1)
	w.AddTernary("blk.0.attn_v.weight", []uint64{Dim, KVHeads * HeadDim}, zeros(KVHeads*HeadDim*Dim), 1)
	w.AddTernary("blk.0.attn_output.weight", []uint64{Heads * HeadDim, Dim}, zeros(Dim*Heads*HeadDim), 1)
	w.AddTernary("blk.0.ffn_up.weight", []uint64{Dim, HiddenDim}, zeros(HiddenDim*Dim), 1)
	if opts.Gated {
		w.AddTernary("blk.0.ffn_gate.weight", []uint64{Dim, HiddenDim}, zeros(HiddenDim*Dim), 1)
	}
	w.AddTernary("blk.0.ffn_down.weight", []uint64{HiddenDim, Dim}, zeros(Dim*HiddenDim), 1)

	return w.Bytes()
}
