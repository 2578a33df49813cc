package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/bitbow/internal/compute"
	"github.com/23skdu/bitbow/internal/config"
	"github.com/23skdu/bitbow/internal/logger"
	"github.com/23skdu/bitbow/internal/metrics"
	"github.com/23skdu/bitbow/internal/tensor"
)

// Engine runs the autoregressive decode loop for one sequence. It owns
// a KV cache and scratch buffers, so an Engine serves exactly one
// session at a time; the weight store behind it is shared and
// read-only.
type Engine struct {
	cfg     config.Config
	weights modelWeights
	cache   *KVCache

	// Trace, when set, observes the logits of every position that
	// produced them. Used by the Flight telemetry publisher.
	Trace func(pos int, logits []float32)

	x, xn     []float32
	q, k, v   []float32
	attnOut   []float32
	projected []float32
	hUp       []float32
	hGate     []float32
	logits    []float32
	scores    []float32
}

type layerWeights struct {
	attnNorm    []float32
	attnSubNorm []float32 // nil when the checkpoint has no sub-norm
	ffnNorm     []float32
	ffnSubNorm  []float32
	wq, wk, wv  *tensor.Tensor
	wo          *tensor.Tensor
	wUp, wGate  *tensor.Tensor // wGate nil for ungated FFNs
	wDown       *tensor.Tensor
}

type modelWeights struct {
	tokenEmb   *tensor.Tensor
	output     *tensor.Tensor // nil when the lm head is tied
	outputNorm []float32
	layers     []layerWeights
}

// New maps the store's tensors into an engine. The store has already
// validated presence and shapes; this only wires them up.
func New(store *tensor.Store) (*Engine, error) {
	cfg := store.Config()

	lookup := func(name string) (*tensor.Tensor, error) {
		return store.Lookup(name)
	}
	optional := func(name string) *tensor.Tensor {
		if !store.Has(name) {
			return nil
		}
		t, _ := store.Lookup(name)
		return t
	}
	norm := func(name string) ([]float32, error) {
		t, err := lookup(name)
		if err != nil {
			return nil, err
		}
		return t.Floats(), nil
	}

	var w modelWeights
	var err error
	if w.tokenEmb, err = lookup("token_embd.weight"); err != nil {
		return nil, err
	}
	if w.outputNorm, err = norm("output_norm.weight"); err != nil {
		return nil, err
	}
	w.output = optional("output.weight")
	if w.output == nil && !cfg.TiedEmbeddings {
		return nil, fmt.Errorf("output.weight missing but embeddings not marked tied")
	}

	w.layers = make([]layerWeights, cfg.Layers)
	for l := 0; l < cfg.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		lw := &w.layers[l]
		if lw.attnNorm, err = norm(p + "attn_norm.weight"); err != nil {
			return nil, err
		}
		if lw.ffnNorm, err = norm(p + "ffn_norm.weight"); err != nil {
			return nil, err
		}
		if t := optional(p + "attn_sub_norm.weight"); t != nil {
			lw.attnSubNorm = t.Floats()
		}
		if t := optional(p + "ffn_sub_norm.weight"); t != nil {
			lw.ffnSubNorm = t.Floats()
		}
		if lw.wq, err = lookup(p + "attn_q.weight"); err != nil {
			return nil, err
		}
		if lw.wk, err = lookup(p + "attn_k.weight"); err != nil {
			return nil, err
		}
		if lw.wv, err = lookup(p + "attn_v.weight"); err != nil {
			return nil, err
		}
		if lw.wo, err = lookup(p + "attn_output.weight"); err != nil {
			return nil, err
		}
		if lw.wUp, err = lookup(p + "ffn_up.weight"); err != nil {
			return nil, err
		}
		lw.wGate = optional(p + "ffn_gate.weight")
		if lw.wDown, err = lookup(p + "ffn_down.weight"); err != nil {
			return nil, err
		}
	}

	qDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVHeads * cfg.HeadDim

	e := &Engine{
		cfg:       cfg,
		weights:   w,
		cache:     NewKVCache(cfg.Layers, cfg.SeqLen, kvDim),
		x:         make([]float32, cfg.Dim),
		xn:        make([]float32, cfg.Dim),
		q:         make([]float32, qDim),
		k:         make([]float32, kvDim),
		v:         make([]float32, kvDim),
		attnOut:   make([]float32, qDim),
		projected: make([]float32, cfg.Dim),
		hUp:       make([]float32, cfg.HiddenDim),
		hGate:     make([]float32, cfg.HiddenDim),
		logits:    make([]float32, cfg.VocabSize),
		scores:    make([]float32, cfg.SeqLen),
	}

	logger.Log.Debug("engine ready",
		"layers", cfg.Layers,
		"context", cfg.SeqLen,
		"activation", cfg.Activation.String(),
		"tied_lm_head", cfg.TiedEmbeddings)
	return e, nil
}

func (e *Engine) Config() config.Config { return e.cfg }

// CacheLen reports how many positions the KV cache currently holds.
func (e *Engine) CacheLen() int { return e.cache.Len() }

// Reset drops all cached context, readying the engine for a new turn.
func (e *Engine) Reset() {
	e.cache.Reset()
	metrics.RecordKVCacheStats(e.cache.CapacityBytes(), e.cache.SizeBytes())
}

// Prefill pushes the whole prompt through the model and returns the
// logits of the final position. Fails with ErrContextOverflow when the
// prompt alone exceeds the context window.
func (e *Engine) Prefill(ids []int) ([]float32, error) {
	if len(ids) == 0 {
		return nil, InvalidConfigError{Field: "prompt", Value: 0, Reason: "must contain at least one token"}
	}
	start := time.Now()
	var logits []float32
	var err error
	for i, id := range ids {
		logits, err = e.forward(id, i == len(ids)-1)
		if err != nil {
			return nil, err
		}
	}
	metrics.RecordPrefill(len(ids), time.Since(start))
	return logits, nil
}

// Step decodes one token and returns the logits for the next.
func (e *Engine) Step(id int) ([]float32, error) {
	start := time.Now()
	logits, err := e.forward(id, true)
	if err != nil {
		return nil, err
	}
	metrics.RecordStep(time.Since(start))
	return logits, nil
}

func (e *Engine) forward(id int, wantLogits bool) ([]float32, error) {
	if id < 0 || id >= e.cfg.VocabSize {
		return nil, InvalidConfigError{Field: "token", Value: id, Reason: "outside vocabulary"}
	}
	if e.cache.Len() >= e.cache.Capacity() {
		return nil, ErrContextOverflow
	}
	pos := e.cache.Len()
	c := e.cfg

	compute.EmbedRow(e.weights.tokenEmb, id, e.x)

	for l := range e.weights.layers {
		lw := &e.weights.layers[l]

		// Attention block.
		compute.RMSNorm(e.xn, e.x, lw.attnNorm, c.Eps)
		compute.MatVec(lw.wq, e.xn, e.q)
		compute.MatVec(lw.wk, e.xn, e.k)
		compute.MatVec(lw.wv, e.xn, e.v)
		compute.RoPE(e.q, c.Heads, c.HeadDim, pos, c.RopeTheta)
		compute.RoPE(e.k, c.KVHeads, c.HeadDim, pos, c.RopeTheta)

		if err := e.cache.Append(l, e.k, e.v); err != nil {
			return nil, err
		}

		compute.Attend(e.attnOut, e.q, e.cache.Keys(l), e.cache.Values(l),
			c.Heads, c.KVHeads, c.HeadDim, e.scores)

		if lw.attnSubNorm != nil {
			compute.RMSNorm(e.attnOut, e.attnOut, lw.attnSubNorm, c.Eps)
		}
		compute.MatVec(lw.wo, e.attnOut, e.projected)
		compute.Add(e.x, e.projected)

		// Feed-forward block.
		compute.RMSNorm(e.xn, e.x, lw.ffnNorm, c.Eps)
		compute.MatVec(lw.wUp, e.xn, e.hUp)
		if lw.wGate != nil {
			compute.MatVec(lw.wGate, e.xn, e.hGate)
			compute.Activate(c.Activation, e.hGate)
			compute.Mul(e.hUp, e.hGate, e.hUp)
		} else {
			compute.Activate(c.Activation, e.hUp)
		}
		if lw.ffnSubNorm != nil {
			compute.RMSNorm(e.hUp, e.hUp, lw.ffnSubNorm, c.Eps)
		}
		compute.MatVec(lw.wDown, e.hUp, e.projected)
		compute.Add(e.x, e.projected)
	}

	metrics.RecordKVCacheStats(e.cache.CapacityBytes(), e.cache.SizeBytes())

	if !wantLogits {
		return nil, nil
	}

	compute.RMSNorm(e.xn, e.x, e.weights.outputNorm, c.Eps)
	head := e.weights.output
	if head == nil {
		head = e.weights.tokenEmb
	}
	compute.MatVec(head, e.xn, e.logits)

	if e.Trace != nil {
		e.Trace(pos, e.logits)
	}
	return e.logits, nil
}
