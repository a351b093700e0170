// Package cache stores prediction vectors keyed by a digest of the
// observation batch that produced them.
package cache

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PredictionCache defines a generic interface for caching model predictions.
type PredictionCache interface {
	// Get retrieves a vector from the cache.
	Get(key string) ([]float32, bool)
	// Put stores a vector in the cache.
	Put(key string, vec []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// DefaultCapacity bounds a MapCache built with a non-positive capacity.
const DefaultCapacity = 4096

// MapCache is an in-memory PredictionCache holding at most capacity entries.
// When full, Put evicts the least recently used entry.
type MapCache struct {
	capacity int
	data     map[string]*list.Element
	order    *list.List // front is most recently used
	mu       sync.Mutex
}

type entry struct {
	key string
	vec []float32
}

func NewMapCache(capacity int) *MapCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MapCache{
		capacity: capacity,
		data:     make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *MapCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.data[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	// Return copy to avoid modification of cached value
	v := el.Value.(*entry).vec
	dst := make([]float32, len(v))
	copy(dst, v)
	return dst, true
}

func (c *MapCache) Put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dst := make([]float32, len(vec))
	copy(dst, vec)
	if el, ok := c.data[key]; ok {
		el.Value.(*entry).vec = dst
		c.order.MoveToFront(el)
		return
	}
	c.data[key] = c.order.PushFront(&entry{key: key, vec: dst})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.data, oldest.Value.(*entry).key)
	}
}

func (c *MapCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Capacity returns the maximum number of entries kept.
func (c *MapCache) Capacity() int {
	return c.capacity
}

// Digest hashes shaped float32 blocks. Each block is prefixed by its shape
// so equal data under different shapes hashes differently.
type Digest struct {
	h   *xxhash.Digest
	buf [8]byte
}

func NewDigest() *Digest {
	return &Digest{h: xxhash.New()}
}

// Add mixes one tensor into the digest. A nil block is recorded as absent.
func (d *Digest) Add(shape []int, data []float32) {
	if data == nil && shape == nil {
		d.writeUint(math.MaxUint64)
		return
	}
	d.writeUint(uint64(len(shape)))
	for _, s := range shape {
		d.writeUint(uint64(s))
	}
	for _, v := range data {
		binary.LittleEndian.PutUint32(d.buf[:4], math.Float32bits(v))
		_, _ = d.h.Write(d.buf[:4])
	}
}

func (d *Digest) writeUint(v uint64) {
	binary.LittleEndian.PutUint64(d.buf[:], v)
	_, _ = d.h.Write(d.buf[:])
}

// Key returns "<namespace>/<xxhash64 hex>".
func (d *Digest) Key(namespace string) string {
	return fmt.Sprintf("%s/%016x", namespace, d.h.Sum64())
}
