package store

import (
	"hash/fnv"
	"sync"
)

const numShards = 32

// Store is a concurrent map from entity key to its Rolling record, sharded
// to keep lock contention off the hot path. Keys are created lazily with
// get-or-create semantics and removed only by the retention sweep.
type Store struct {
	name     string
	capacity int
	shards   [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*Rolling
}

// New creates a store for one metric family. capacity bounds each key's
// value buffer.
func New(name string, capacity int) *Store {
	s := &Store{name: name, capacity: capacity}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*Rolling)
	}
	return s
}

// Name returns the metric family name the store was created for.
func (s *Store) Name() string { return s.name }

// GetOrCreate returns the record for key, creating a zero-value record on
// first observation. The create race resolves first-writer-wins; callers
// always receive the same instance for the same key.
func (s *Store) GetOrCreate(key string) *Rolling {
	sh := &s.shards[shardFor(key)]

	sh.mu.RLock()
	r, ok := sh.m[key]
	sh.mu.RUnlock()
	if ok {
		return r
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok := sh.m[key]; ok {
		return r
	}
	r = NewRolling(s.capacity)
	sh.m[key] = r
	return r
}

// Get returns the record for key if it exists.
func (s *Store) Get(key string) (*Rolling, bool) {
	sh := &s.shards[shardFor(key)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.m[key]
	return r, ok
}

// ForEach visits every key with snapshot-read semantics: the key set is
// copied per shard so live updates may proceed concurrently. Returning
// false from fn stops the iteration.
func (s *Store) ForEach(fn func(key string, r *Rolling) bool) {
	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.RLock()
		keys := make([]string, 0, len(sh.m))
		for k := range sh.m {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()

		for _, k := range keys {
			sh.mu.RLock()
			r, ok := sh.m[k]
			sh.mu.RUnlock()
			if !ok {
				continue
			}
			if !fn(k, r) {
				return
			}
		}
	}
}

// RemoveIf deletes every key whose snapshot satisfies pred and returns the
// number of removed keys. Used by the retention sweep.
func (s *Store) RemoveIf(pred func(key string, snap Snapshot) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.Lock()
		for k, r := range sh.m {
			if pred(k, r.Snapshot()) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numShards
}
