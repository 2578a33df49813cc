package engine

import (
	"errors"
	"math"
	"testing"
)

func TestSamplerGreedyAtTemperatureZero(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})
	logits := []float32{0.1, 2.5, -1.0, 2.4}

	for i := 0; i < 50; i++ {
		if got := s.Sample(logits, nil); got != 1 {
			t.Fatalf("iteration %d: greedy sample expected 1, got %d", i, got)
		}
	}
}

func TestSamplerSeededReproducible(t *testing.T) {
	logits := []float32{1, 2, 3, 2, 1}
	a := NewSampler(SamplerConfig{Temperature: 1, TopK: 3, Seed: 42})
	b := NewSampler(SamplerConfig{Temperature: 1, TopK: 3, Seed: 42})

	for i := 0; i < 20; i++ {
		la := append([]float32(nil), logits...)
		lb := append([]float32(nil), logits...)
		if x, y := a.Sample(la, nil), b.Sample(lb, nil); x != y {
			t.Fatalf("draw %d diverged: %d vs %d", i, x, y)
		}
	}
}

func TestRestrictedSoftmaxValidity(t *testing.T) {
	logits := []float32{3, 1, 2, 0.5, -1}
	k := 3
	candidates := restrictedSoftmax(logits, 1, k)

	if len(candidates) != k {
		t.Fatalf("expected %d candidates, got %d", k, len(candidates))
	}

	sum := 0.0
	kept := map[int]bool{}
	for _, c := range candidates {
		if c.prob < 0 {
			t.Errorf("negative probability for token %d", c.id)
		}
		sum += c.prob
		kept[c.id] = true
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("restricted probabilities sum to %v", sum)
	}

	// Only the k highest logits may carry mass.
	for _, id := range []int{0, 2, 1} {
		if !kept[id] {
			t.Errorf("token %d belongs to the top-%d set but was dropped", id, k)
		}
	}
	for _, id := range []int{3, 4} {
		if kept[id] {
			t.Errorf("token %d is outside the top-%d set but kept", id, k)
		}
	}

	// Ratios must match a plain softmax over the restricted set.
	want01 := math.Exp(3.0-2.0) // logit 3 vs logit 2
	got01 := candidates[0].prob / candidates[1].prob
	if math.Abs(got01-want01) > 1e-9 {
		t.Errorf("probability ratio: expected %v, got %v", want01, got01)
	}
}

func TestRestrictedSoftmaxTopKZeroKeepsAll(t *testing.T) {
	logits := []float32{1, 2, 3}
	candidates := restrictedSoftmax(logits, 0.5, 0)
	if len(candidates) != len(logits) {
		t.Fatalf("top_k=0 should keep the full vocabulary, got %d", len(candidates))
	}
}

func TestRepeatPenaltyMonotonic(t *testing.T) {
	base := []float32{2, 1, 0.5, -0.5}
	recent := []int{0, 3}

	probOf := func(penalty float32, id int) float64 {
		s := NewSampler(SamplerConfig{Temperature: 1, RepeatPenalty: penalty, Seed: 1})
		logits := append([]float32(nil), base...)
		if penalty > 1 {
			s.applyRepeatPenalty(logits, recent)
		}
		for _, c := range restrictedSoftmax(logits, 1, 0) {
			if c.id == id {
				return c.prob
			}
		}
		t.Fatalf("token %d missing from distribution", id)
		return 0
	}

	for _, id := range recent {
		prev := probOf(1.0, id)
		for _, p := range []float32{1.1, 1.5, 2.0, 4.0} {
			cur := probOf(p, id)
			if cur > prev+1e-12 {
				t.Errorf("token %d: probability rose from %v to %v at penalty %v", id, prev, cur, p)
			}
			prev = cur
		}
	}
}

func TestRepeatPenaltyAppliesOnlyAboveOne(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0, RepeatPenalty: 1.0, Seed: 1})
	logits := []float32{2, 1}
	// With penalty exactly 1 the recent token must keep winning.
	if got := s.Sample(logits, []int{0}); got != 0 {
		t.Fatalf("penalty 1.0 should be a no-op, got token %d", got)
	}
}

func TestRepeatPenaltyWindow(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1, RepeatPenalty: 2, RepeatLastN: 2, Seed: 1})
	logits := []float32{4, 3, 2, 1}
	// Token 0 is outside the window of the last two, so it stays
	// unpenalized.
	recent := []int{0, 1, 2}
	s.applyRepeatPenalty(logits, recent)

	if logits[0] != 4 {
		t.Errorf("token 0 outside window was penalized: %v", logits[0])
	}
	if logits[1] != 1.5 || logits[2] != 1 {
		t.Errorf("windowed tokens not penalized: %v", logits)
	}
}

func TestRepeatPenaltySignHandling(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1, RepeatPenalty: 2, Seed: 1})
	logits := []float32{2, -2}
	s.applyRepeatPenalty(logits, []int{0, 1})
	if logits[0] != 1 {
		t.Errorf("positive logit: expected 1, got %v", logits[0])
	}
	if logits[1] != -4 {
		t.Errorf("negative logit: expected -4, got %v", logits[1])
	}
}

func TestSamplerConfigValidate(t *testing.T) {
	good := SamplerConfig{Temperature: 0.7, TopK: 40, RepeatPenalty: 1.1}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []SamplerConfig{
		{Temperature: -0.1},
		{TopK: -1},
		{RepeatPenalty: -1},
		{RepeatLastN: -5},
	}
	for i, cfg := range bad {
		err := cfg.Validate()
		if err == nil {
			t.Errorf("case %d: expected validation error", i)
			continue
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: error should match ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestSamplerDrawsFromRestrictedSetOnly(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1, TopK: 2, Seed: 7})
	logits := []float32{5, 4, -10, -10, -10}

	for i := 0; i < 200; i++ {
		l := append([]float32(nil), logits...)
		got := s.Sample(l, nil)
		if got != 0 && got != 1 {
			t.Fatalf("draw %d: token %d outside the top-2 set", i, got)
		}
	}
}
