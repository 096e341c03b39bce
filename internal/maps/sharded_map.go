package maps

import (
	"sync"
)

const numShards = 64 // Must be a power of 2.

// shard is a single partition of the map, protected by its own lock.
type shard[K Integer, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap is a generic, concurrent, sharded map for mixed read/write
// workloads. It implements the ConcurrentMap interface.
type ShardedMap[K Integer, V any] struct {
	shards [numShards]shard[K, V]
}

// NewShardedMap creates and initializes a new ShardedMap.
func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := 0; i < numShards; i++ {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

// getShard picks the shard for a key with a bitwise AND on the key value.
func (m *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	return &m.shards[uint64(key)&(numShards-1)]
}

func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	defer shard.RUnlock()
	val, exists := shard.m[key]
	return val, exists
}

func (m *ShardedMap[K, V]) Store(key K, value V) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	shard.m[key] = value
}

func (m *ShardedMap[K, V]) Delete(key K) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	delete(shard.m, key)
}

func (m *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	val, exists := shard.m[key]
	if exists {
		delete(shard.m, key)
	}
	return val, exists
}

func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	val, exists := shard.m[key]
	shard.RUnlock()

	if exists {
		return val, true
	}

	shard.Lock()
	defer shard.Unlock()
	// Double-check in case another goroutine created it while we were
	// waiting for the lock.
	if val, exists := shard.m[key]; exists {
		return val, true
	}

	val = valueFactory()
	shard.m[key] = val
	return val, false
}

// Update reads, modifies and writes a value for a key under the shard lock.
func (m *ShardedMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()
	oldVal, exists := shard.m[key]
	newVal, keep := updateFunc(oldVal, exists)
	if keep {
		shard.m[key] = newVal
	} else if exists {
		delete(shard.m, key)
	}
}

// Range iterates over all entries. It does not hold shard locks while
// calling f, to prevent deadlocks when f touches the same map.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := 0; i < numShards; i++ {
		shard := &m.shards[i]
		shard.RLock()

		keys := make([]K, 0, len(shard.m))
		values := make([]V, 0, len(shard.m))
		for k, v := range shard.m {
			keys = append(keys, k)
			values = append(values, v)
		}
		shard.RUnlock()

		for j := range keys {
			if !f(keys[j], values[j]) {
				return
			}
		}
	}
}
