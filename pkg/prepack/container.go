package prepack

import (
	"fmt"
	"slices"
	"sync"
)

// WeightsContainer caches prepacked weights across sessions. Keys are
// op_type+"+"+hash (see Key); the first blob written for a key wins.
//
// All methods are safe for concurrent use. Packing itself runs outside the
// container; only the check-and-commit step holds the lock.
type WeightsContainer struct {
	mu sync.Mutex

	// Allocators are released after the weights they back (see Close).
	allocators map[string]Allocator
	weights    map[string]PrePackedWeights
}

func NewWeightsContainer() *WeightsContainer {
	return &WeightsContainer{
		allocators: make(map[string]Allocator),
		weights:    make(map[string]PrePackedWeights),
	}
}

// GetOrCreateAllocator returns the allocator for deviceName, creating it on
// first use. Only CPU is supported.
func (c *WeightsContainer) GetOrCreateAllocator(deviceName string) (Allocator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.allocators[deviceName]; ok {
		return a, nil
	}
	if deviceName != CPU {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDevice, deviceName)
	}
	a := NewCPUAllocator()
	c.allocators[deviceName] = a
	return a, nil
}

// GetWeight returns the weights stored under key. A missing key is a caller
// bug; check HasWeight first.
func (c *WeightsContainer) GetWeight(key string) (PrePackedWeights, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.weights[key]
	if !ok {
		return PrePackedWeights{}, fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	return w, nil
}

// WriteWeight stores w under key unless the key is already present, in which
// case the existing blob is kept and w is released. It reports whether w was
// stored.
func (c *WeightsContainer) WriteWeight(key string, w PrePackedWeights) bool {
	_, stored := c.GetOrWrite(key, w)
	return stored
}

// GetOrWrite returns the blob stored under key, storing candidate first if the
// key is absent. It reports whether candidate was stored. A candidate that
// loses is released.
func (c *WeightsContainer) GetOrWrite(key string, candidate PrePackedWeights) (PrePackedWeights, bool) {
	c.mu.Lock()
	existing, ok := c.weights[key]
	if !ok {
		c.weights[key] = candidate
	}
	c.mu.Unlock()

	if ok {
		candidate.Release()
		return existing, false
	}
	return candidate, true
}

func (c *WeightsContainer) HasWeight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.weights[key]
	return ok
}

// NumberOfElements returns the number of stored keys.
func (c *WeightsContainer) NumberOfElements() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.weights)
}

// Keys returns the stored keys in sorted order.
func (c *WeightsContainer) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.weights))
	for k := range c.weights {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Allocators returns a snapshot of the allocator identities by device.
func (c *WeightsContainer) Allocators() map[string]AllocatorInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]AllocatorInfo, len(c.allocators))
	for dev, a := range c.allocators {
		out[dev] = a.Info()
	}
	return out
}

// Close releases every stored blob and then drops the allocators.
func (c *WeightsContainer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, w := range c.weights {
		w.Release()
		delete(c.weights, k)
	}
	clear(c.allocators)
}
