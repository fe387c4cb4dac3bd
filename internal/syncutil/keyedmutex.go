// Package syncutil provides keyed locking used to serialize work on a single
// wallet or task inside one process.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded no matter how many wallets are seen, at the cost of
// occasional false sharing between keys in the same shard. Waiting for a
// lock respects context cancellation.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex creates a keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the lock for key. On success the caller MUST call the
// returned unlock function.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	return m.LockMany(ctx, key)
}

// LockMany acquires the locks for every key. Shards are taken in ascending
// order so two callers locking overlapping key sets cannot deadlock, and a
// shard shared by two keys is only taken once.
func (m *KeyedMutex) LockMany(ctx context.Context, keys ...string) (func(), error) {
	m.init()

	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := shardIdx(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	held := make([]int, 0, len(idx))
	release := func() {
		for j := len(held) - 1; j >= 0; j-- {
			m.shards[held[j]] <- struct{}{}
		}
	}

	for _, i := range idx {
		select {
		case <-m.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
