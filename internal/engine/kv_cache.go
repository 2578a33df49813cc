package engine

// KVCache stores the projected key/value vectors for every processed
// position, per layer. Entries are append-only within a turn; Reset
// drops them all. Capacity is the model context length, and appending
// past it fails with ErrContextOverflow.
type KVCache struct {
	layers   int
	capacity int
	kvDim    int
	keys     [][][]float32 // [layer][pos][kvDim]
	values   [][][]float32
}

func NewKVCache(layers, capacity, kvDim int) *KVCache {
	c := &KVCache{
		layers:   layers,
		capacity: capacity,
		kvDim:    kvDim,
		keys:     make([][][]float32, layers),
		values:   make([][][]float32, layers),
	}
	for l := 0; l < layers; l++ {
		c.keys[l] = make([][]float32, 0, capacity)
		c.values[l] = make([][]float32, 0, capacity)
	}
	return c
}

// Append copies k and v into the cache for the next position of the
// given layer.
func (c *KVCache) Append(layer int, k, v []float32) error {
	if len(c.keys[layer]) >= c.capacity {
		return ErrContextOverflow
	}
	kc := make([]float32, len(k))
	copy(kc, k)
	vc := make([]float32, len(v))
	copy(vc, v)
	c.keys[layer] = append(c.keys[layer], kc)
	c.values[layer] = append(c.values[layer], vc)
	return nil
}

// Keys returns the cached key vectors for a layer, oldest first.
func (c *KVCache) Keys(layer int) [][]float32 { return c.keys[layer] }

// Values returns the cached value vectors for a layer, oldest first.
func (c *KVCache) Values(layer int) [][]float32 { return c.values[layer] }

// Len is the number of positions currently cached.
func (c *KVCache) Len() int {
	if c.layers == 0 {
		return 0
	}
	return len(c.keys[0])
}

func (c *KVCache) Capacity() int { return c.capacity }

// Remaining reports how many more positions fit.
func (c *KVCache) Remaining() int { return c.capacity - c.Len() }

// Reset drops all cached positions but keeps the backing arrays.
func (c *KVCache) Reset() {
	for l := 0; l < c.layers; l++ {
		c.keys[l] = c.keys[l][:0]
		c.values[l] = c.values[l][:0]
	}
}

// SizeBytes estimates the bytes held by cached entries.
func (c *KVCache) SizeBytes() int64 {
	return int64(c.Len()) * int64(c.layers) * int64(c.kvDim) * 2 * 4
}

// CapacityBytes estimates the bytes a full cache would hold.
func (c *KVCache) CapacityBytes() int64 {
	return int64(c.capacity) * int64(c.layers) * int64(c.kvDim) * 2 * 4
}
