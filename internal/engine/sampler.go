package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// SamplerConfig tunes token selection. Temperature 0 means greedy
// argmax; RepeatPenalty at or below 1 disables the penalty entirely.
type SamplerConfig struct {
	Temperature   float32
	TopK          int
	RepeatPenalty float32
	RepeatLastN   int   // penalty window, 0 means DefaultRepeatLastN
	Seed          int64 // 0 seeds from the clock
}

const DefaultRepeatLastN = 64

func (c SamplerConfig) Validate() error {
	if c.Temperature < 0 {
		return InvalidConfigError{Field: "temperature", Value: c.Temperature, Reason: "must be >= 0"}
	}
	if c.TopK < 0 {
		return InvalidConfigError{Field: "top_k", Value: c.TopK, Reason: "must be >= 0"}
	}
	if c.RepeatPenalty < 0 {
		return InvalidConfigError{Field: "repeat_penalty", Value: c.RepeatPenalty, Reason: "must be >= 0"}
	}
	if c.RepeatLastN < 0 {
		return InvalidConfigError{Field: "repeat_last_n", Value: c.RepeatLastN, Reason: "must be >= 0"}
	}
	return nil
}

type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample picks the next token id. recent holds the token ids already
// generated this turn, newest last; the repetition penalty only looks
// at the configured window of them. logits are modified in place by
// the penalty.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if s.Config.RepeatPenalty > 1 && len(recent) > 0 {
		s.applyRepeatPenalty(logits, recent)
	}

	if s.Config.Temperature == 0 {
		return argMax(logits)
	}

	candidates := restrictedSoftmax(logits, s.Config.Temperature, s.Config.TopK)

	r := s.rng.Float64()
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

func (s *Sampler) applyRepeatPenalty(logits []float32, recent []int) {
	window := s.Config.RepeatLastN
	if window == 0 {
		window = DefaultRepeatLastN
	}
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	p := s.Config.RepeatPenalty
	seen := make(map[int]struct{}, len(recent))
	for _, id := range recent {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= p
		} else {
			logits[id] *= p
		}
	}
}

type tokenProb struct {
	id   int
	prob float64
}

// restrictedSoftmax scales logits by 1/temperature, keeps the top-k
// entries (all of them when k is 0 or exceeds the vocabulary), and
// normalizes probabilities over the surviving set only.
func restrictedSoftmax(logits []float32, temperature float32, k int) []tokenProb {
	candidates := make([]tokenProb, len(logits))
	for i, v := range logits {
		candidates[i] = tokenProb{id: i, prob: float64(v) / float64(temperature)}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	if k > 0 && k < len(candidates) {
		candidates = candidates[:k]
	}

	maxVal := candidates[0].prob
	sum := 0.0
	for i := range candidates {
		candidates[i].prob = math.Exp(candidates[i].prob - maxVal)
		sum += candidates[i].prob
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}
	return candidates
}

func argMax(logits []float32) int {
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx
}
