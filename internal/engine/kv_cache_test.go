package engine

import (
	"errors"
	"testing"
)

func TestKVCacheAppendAndGet(t *testing.T) {
	c := NewKVCache(2, 4, 3)

	if c.Len() != 0 {
		t.Fatalf("new cache length: expected 0, got %d", c.Len())
	}

	k := []float32{1, 2, 3}
	v := []float32{4, 5, 6}
	for l := 0; l < 2; l++ {
		if err := c.Append(l, k, v); err != nil {
			t.Fatalf("Append layer %d: %v", l, err)
		}
	}
	if c.Len() != 1 {
		t.Fatalf("length after one position: expected 1, got %d", c.Len())
	}

	// Mutating the source must not affect the cached copy.
	k[0] = 99
	if got := c.Keys(0)[0][0]; got != 1 {
		t.Errorf("cache aliases caller memory: got %v", got)
	}
	if got := c.Values(1)[0][2]; got != 6 {
		t.Errorf("value readback: expected 6, got %v", got)
	}
}

func TestKVCacheOverflow(t *testing.T) {
	c := NewKVCache(1, 2, 2)
	kv := []float32{0, 0}

	for i := 0; i < 2; i++ {
		if err := c.Append(0, kv, kv); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if c.Remaining() != 0 {
		t.Errorf("Remaining: expected 0, got %d", c.Remaining())
	}

	err := c.Append(0, kv, kv)
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}
	// Capacity unchanged, cache still readable.
	if c.Len() != 2 {
		t.Errorf("length after overflow: expected 2, got %d", c.Len())
	}
}

func TestKVCacheReset(t *testing.T) {
	c := NewKVCache(1, 4, 2)
	kv := []float32{1, 1}
	for i := 0; i < 3; i++ {
		if err := c.Append(0, kv, kv); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("length after reset: expected 0, got %d", c.Len())
	}
	if c.SizeBytes() != 0 {
		t.Errorf("size after reset: expected 0, got %d", c.SizeBytes())
	}
	// Reusable after reset.
	if err := c.Append(0, kv, kv); err != nil {
		t.Fatalf("Append after reset: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("length after reuse: expected 1, got %d", c.Len())
	}
}

func TestKVCacheSizeAccounting(t *testing.T) {
	c := NewKVCache(2, 8, 4)
	if c.CapacityBytes() != 2*8*4*2*4 {
		t.Errorf("capacity bytes: got %d", c.CapacityBytes())
	}
	kv := make([]float32, 4)
	_ = c.Append(0, kv, kv)
	_ = c.Append(1, kv, kv)
	if c.SizeBytes() != 2*1*4*2*4 {
		t.Errorf("size bytes after one position: got %d", c.SizeBytes())
	}
}
