package engine

import (
	"errors"
	"testing"

	"github.com/23skdu/bitbow/internal/tensor"
	"github.com/23skdu/bitbow/internal/testmodel"
)

func newTestEngine(t *testing.T, opts testmodel.Options) *Engine {
	t.Helper()
	s, err := tensor.FromBytes(testmodel.Build(opts))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	e, err := New(s)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

// The fixture's projections are all zero, so the residual stream is
// exactly the token embedding and the shifted lm head makes the argmax
// of any position's logits the successor token id.
func TestEngineSuccessorChain(t *testing.T) {
	e := newTestEngine(t, testmodel.Options{SubNorms: true, Gated: true})

	logits, err := e.Prefill([]int{1, 4, 3, 5, 6})
	if err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	if len(logits) != testmodel.Vocab {
		t.Fatalf("logits length: expected %d, got %d", testmodel.Vocab, len(logits))
	}
	if e.CacheLen() != 5 {
		t.Errorf("cache length after prefill: expected 5, got %d", e.CacheLen())
	}

	next := argMax(logits)
	if next != 7 {
		t.Fatalf("after token 6 expected successor 7, got %d", next)
	}

	for _, want := range []int{0, 1} {
		logits, err = e.Step(next)
		if err != nil {
			t.Fatalf("Step(%d): %v", next, err)
		}
		next = argMax(logits)
		if next != want {
			t.Fatalf("expected successor %d, got %d", want, next)
		}
	}
}

func TestEngineTiedLMHead(t *testing.T) {
	e := newTestEngine(t, testmodel.Options{TieLMHead: true})

	// With the head tied to the identity embedding, each token's
	// logits peak at the token itself.
	logits, err := e.Prefill([]int{4})
	if err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	if got := argMax(logits); got != 4 {
		t.Errorf("tied head: expected argmax 4, got %d", got)
	}
}

func TestEnginePrefillOverflow(t *testing.T) {
	e := newTestEngine(t, testmodel.Options{ContextLength: 4})

	_, err := e.Prefill([]int{1, 4, 3, 5, 6})
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}

	// The engine stays usable after a reset.
	e.Reset()
	if e.CacheLen() != 0 {
		t.Fatalf("cache length after reset: expected 0, got %d", e.CacheLen())
	}
	if _, err := e.Prefill([]int{1, 4}); err != nil {
		t.Fatalf("Prefill after reset: %v", err)
	}
}

func TestEngineStepOverflowAtBoundary(t *testing.T) {
	e := newTestEngine(t, testmodel.Options{ContextLength: 3})

	if _, err := e.Prefill([]int{1, 4, 3}); err != nil {
		t.Fatalf("Prefill at exact capacity: %v", err)
	}
	if _, err := e.Step(5); !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("expected overflow on step past capacity, got %v", err)
	}
}

func TestEngineRejectsEmptyPrompt(t *testing.T) {
	e := newTestEngine(t, testmodel.Options{})
	if _, err := e.Prefill(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty prompt, got %v", err)
	}
}

func TestEngineRejectsOutOfVocabToken(t *testing.T) {
	e := newTestEngine(t, testmodel.Options{})
	if _, err := e.Step(testmodel.Vocab); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for out-of-vocab token, got %v", err)
	}
}

func TestEngineTraceHook(t *testing.T) {
	e := newTestEngine(t, testmodel.Options{})

	var positions []int
	e.Trace = func(pos int, logits []float32) {
		positions = append(positions, pos)
		if len(logits) != testmodel.Vocab {
			t.Errorf("trace logits length: %d", len(logits))
		}
	}

	if _, err := e.Prefill([]int{1, 4, 3}); err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	if _, err := e.Step(5); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// Prefill only produces logits at its last position.
	want := []int{2, 3}
	if len(positions) != len(want) {
		t.Fatalf("trace positions: expected %v, got %v", want, positions)
	}
	for i := range want {
		if positions[i] != want[i] {
			t.Errorf("trace position %d: expected %d, got %d", i, want[i], positions[i])
		}
	}
}

func TestEngineDeterministicAcrossRuns(t *testing.T) {
	run := func() []float32 {
		e := newTestEngine(t, testmodel.Options{})
		logits, err := e.Prefill([]int{1, 4, 5})
		if err != nil {
			t.Fatalf("Prefill: %v", err)
		}
		out := make([]float32, len(logits))
		copy(out, logits)
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d differs across identical runs: %v vs %v", i, a[i], b[i])
		}
	}
}
