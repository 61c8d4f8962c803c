// Package syncutil provides in-process locking keyed by entity ID.
package syncutil

import (
	"context"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed-size pool of channel-based mutexes keyed by an
// integer entity ID. Waiters can bail out when their context is cancelled.
// Distinct keys may share a shard; that only costs throughput.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex creates a ready-to-use keyed mutex.
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

// Lock acquires the mutex for key, respecting ctx. On success the caller
// MUST call the returned unlock function.
func (m *KeyedMutex) Lock(ctx context.Context, key int64) (func(), error) {
	m.init()
	ch := m.shards[shardIdx(key)]

	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key int64) uint64 {
	// Fold the high bits in so negative and large IDs spread evenly.
	u := uint64(key) //nolint:gosec // bit reinterpretation only
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	return u % shardCount
}
