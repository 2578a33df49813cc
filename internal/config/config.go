package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/bitbow/internal/gguf"
)

// Activation selects the feed-forward nonlinearity. Official BitNet
// checkpoints use squared ReLU; community conversions ship SiLU gates.
type Activation int

const (
	ActivationReLU2 Activation = iota
	ActivationSiLU
)

func (a Activation) String() string {
	if a == ActivationReLU2 {
		return "relu2"
	}
	return "silu"
}

type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
	Activation   Activation

	// TiedEmbeddings is set during weight mapping when output.weight is
	// absent and the token embedding doubles as the lm head.
	TiedEmbeddings bool
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) not divisible by kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid rms epsilon: %v (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope theta: %v (must be positive)", c.RopeTheta)
	}
	return nil
}

// FromFile derives the model hyperparameters from GGUF metadata.
// Integer keys are looked up under the declared architecture prefix
// first, then the common fallbacks, matching what converters emit.
func FromFile(f *gguf.File) (Config, error) {
	arch := f.Architecture()
	if arch == "" {
		return Config{}, fmt.Errorf("missing general.architecture: %w", gguf.ErrCorrupt)
	}

	prefixes := []string{arch}
	for _, p := range []string{"bitnet", "bitnet-b1.58", "llama"} {
		if p != arch {
			prefixes = append(prefixes, p)
		}
	}
	getUint := func(suffix string) (uint64, bool) {
		keys := make([]string, len(prefixes))
		for i, p := range prefixes {
			keys[i] = p + "." + suffix
		}
		return f.GetUint(keys...)
	}
	getFloat := func(suffix string) (float64, bool) {
		keys := make([]string, len(prefixes))
		for i, p := range prefixes {
			keys[i] = p + "." + suffix
		}
		return f.GetFloat(keys...)
	}

	cfg := Config{Architecture: arch}

	dim, ok := getUint("embedding_length")
	if !ok {
		return Config{}, fmt.Errorf("missing %s.embedding_length: %w", arch, gguf.ErrCorrupt)
	}
	cfg.Dim = int(dim)

	layers, ok := getUint("block_count")
	if !ok {
		return Config{}, fmt.Errorf("missing %s.block_count: %w", arch, gguf.ErrCorrupt)
	}
	cfg.Layers = int(layers)

	heads, ok := getUint("attention.head_count")
	if !ok {
		return Config{}, fmt.Errorf("missing %s.attention.head_count: %w", arch, gguf.ErrCorrupt)
	}
	cfg.Heads = int(heads)

	if kv, ok := getUint("attention.head_count_kv"); ok {
		cfg.KVHeads = int(kv)
	} else {
		cfg.KVHeads = cfg.Heads
	}

	hidden, ok := getUint("feed_forward_length")
	if !ok {
		return Config{}, fmt.Errorf("missing %s.feed_forward_length: %w", arch, gguf.ErrCorrupt)
	}
	cfg.HiddenDim = int(hidden)

	if seq, ok := getUint("context_length"); ok {
		cfg.SeqLen = int(seq)
	} else {
		cfg.SeqLen = 2048
	}

	if cfg.Heads > 0 {
		cfg.HeadDim = cfg.Dim / cfg.Heads
	}
	if hd, ok := getUint("attention.key_length"); ok {
		cfg.HeadDim = int(hd)
	}

	if eps, ok := getFloat("attention.layer_norm_rms_epsilon"); ok {
		cfg.Eps = float32(eps)
	} else {
		cfg.Eps = 1e-5
	}

	if theta, ok := getFloat("rope.freq_base"); ok {
		cfg.RopeTheta = float32(theta)
	} else {
		cfg.RopeTheta = 10000
	}

	if vs, ok := getUint("vocab_size"); ok {
		cfg.VocabSize = int(vs)
	} else if toks, ok := f.GetStrings("tokenizer.ggml.tokens"); ok {
		cfg.VocabSize = len(toks)
	}

	if strings.Contains(arch, "bitnet") {
		cfg.Activation = ActivationReLU2
	} else {
		cfg.Activation = ActivationSiLU
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("model metadata: %w", err)
	}
	return cfg, nil
}
