package config

import (
	"errors"
	"testing"

	"github.com/23skdu/bitbow/internal/gguf"
)

func metadataImage(arch string) *gguf.Writer {
	w := gguf.NewWriter()
	w.SetString("general.architecture", arch)
	w.SetUint32(arch+".embedding_length", 8)
	w.SetUint32(arch+".block_count", 1)
	w.SetUint32(arch+".attention.head_count", 2)
	w.SetUint32(arch+".attention.head_count_kv", 1)
	w.SetUint32(arch+".feed_forward_length", 16)
	w.SetUint32(arch+".context_length", 32)
	w.SetFloat32(arch+".attention.layer_norm_rms_epsilon", 1e-5)
	w.SetFloat32(arch+".rope.freq_base", 10000)
	w.SetStringArray("tokenizer.ggml.tokens", []string{"<unk>", "<s>", "</s>", "a"})
	return w
}

func TestFromFile(t *testing.T) {
	f, err := gguf.Parse(metadataImage("bitnet").Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := FromFile(f)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	if cfg.Dim != 8 || cfg.Layers != 1 || cfg.Heads != 2 || cfg.KVHeads != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.HeadDim != 4 {
		t.Errorf("head_dim: expected 4, got %d", cfg.HeadDim)
	}
	if cfg.HiddenDim != 16 || cfg.SeqLen != 32 {
		t.Errorf("hidden/seq: got %d/%d", cfg.HiddenDim, cfg.SeqLen)
	}
	if cfg.VocabSize != 4 {
		t.Errorf("vocab from token list: expected 4, got %d", cfg.VocabSize)
	}
	if cfg.Activation != ActivationReLU2 {
		t.Errorf("bitnet arch should select relu2, got %v", cfg.Activation)
	}
}

func TestFromFileSiLUForNonBitnet(t *testing.T) {
	f, err := gguf.Parse(metadataImage("llama").Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := FromFile(f)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if cfg.Activation != ActivationSiLU {
		t.Errorf("llama arch should select silu, got %v", cfg.Activation)
	}
}

func TestFromFileMissingKeys(t *testing.T) {
	w := gguf.NewWriter()
	w.SetString("general.architecture", "bitnet")
	f, err := gguf.Parse(w.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := FromFile(f); !errors.Is(err, gguf.ErrCorrupt) {
		t.Fatalf("expected corrupt-metadata error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	good := Config{
		Architecture: "bitnet", Dim: 8, HiddenDim: 16, Layers: 1,
		Heads: 2, KVHeads: 1, HeadDim: 4, VocabSize: 4, SeqLen: 32,
		Eps: 1e-5, RopeTheta: 10000,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dim", func(c *Config) { c.Dim = 0 }},
		{"zero layers", func(c *Config) { c.Layers = 0 }},
		{"kv heads above heads", func(c *Config) { c.KVHeads = 3 }},
		{"heads not divisible", func(c *Config) { c.Heads = 3; c.KVHeads = 2 }},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"zero seq", func(c *Config) { c.SeqLen = 0 }},
		{"zero eps", func(c *Config) { c.Eps = 0 }},
	}
	for _, tc := range cases {
		cfg := good
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
