// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import "sync"

const numShards = 64

// ShardedMap is a string-keyed concurrent map split across shards to keep
// lock contention between unrelated keys low.
type ShardedMap[V any] struct {
	shards [numShards]shard[V]
}

type shard[V any] struct {
	sync.RWMutex
	m map[string]V
}

func NewShardedMap[V any]() *ShardedMap[V] {
	sm := &ShardedMap[V]{}
	for i := range sm.shards {
		sm.shards[i].m = make(map[string]V)
	}
	return sm
}

// fnv32a hashes key without allocating.
func fnv32a(key string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime
	}
	return h
}

func (sm *ShardedMap[V]) shardFor(key string) *shard[V] {
	return &sm.shards[fnv32a(key)%numShards]
}

func (sm *ShardedMap[V]) Load(key string) (V, bool) {
	s := sm.shardFor(key)
	s.RLock()
	v, ok := s.m[key]
	s.RUnlock()
	return v, ok
}

func (sm *ShardedMap[V]) Store(key string, value V) {
	s := sm.shardFor(key)
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it with loaded=false.
func (sm *ShardedMap[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	s := sm.shardFor(key)
	s.Lock()
	defer s.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	s.m[key] = value
	return value, false
}

// Compute atomically replaces the value for key with the result of fn.
// When fn returns keep=false the key is removed.
func (sm *ShardedMap[V]) Compute(key string, fn func(old V, exists bool) (V, bool)) (V, bool) {
	s := sm.shardFor(key)
	s.Lock()
	defer s.Unlock()
	old, exists := s.m[key]
	v, keep := fn(old, exists)
	if keep {
		s.m[key] = v
	} else {
		delete(s.m, key)
	}
	return v, keep
}

func (sm *ShardedMap[V]) Delete(key string) {
	s := sm.shardFor(key)
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

// Range calls f for each entry until f returns false. Entries stored
// concurrently may or may not be visited.
func (sm *ShardedMap[V]) Range(f func(key string, value V) bool) {
	for i := range sm.shards {
		s := &sm.shards[i]
		s.RLock()
		for k, v := range s.m {
			if !f(k, v) {
				s.RUnlock()
				return
			}
		}
		s.RUnlock()
	}
}

func (sm *ShardedMap[V]) Len() int {
	n := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.RLock()
		n += len(s.m)
		s.RUnlock()
	}
	return n
}

// DeleteIf removes entries matching predicate and returns how many were removed.
func (sm *ShardedMap[V]) DeleteIf(predicate func(key string, value V) bool) int {
	n := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.Lock()
		for k, v := range s.m {
			if predicate(k, v) {
				delete(s.m, k)
				n++
			}
		}
		s.Unlock()
	}
	return n
}
