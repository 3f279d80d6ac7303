// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package cache

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/cubefs/blobcatalog/metrics"
	"github.com/cubefs/blobcatalog/proto"
)

// volumeLRU is one cache kind: an independent LRU per volume, all behind
// one lock of its own.
type volumeLRU[K comparable, V any] struct {
	kind string
	size int

	lock sync.Mutex
	vols map[proto.VolumeID]*simplelru.LRU[K, V]

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newVolumeLRU[K comparable, V any](kind string, size int) *volumeLRU[K, V] {
	return &volumeLRU[K, V]{kind: kind, size: size, vols: make(map[proto.VolumeID]*simplelru.LRU[K, V])}
}

func (c *volumeLRU[K, V]) get(vid proto.VolumeID, key K) (value V, ok bool) {
	c.lock.Lock()
	if l := c.vols[vid]; l != nil {
		value, ok = l.Get(key)
	}
	c.lock.Unlock()

	if ok {
		c.hits.Add(1)
		metrics.CacheRequests.WithLabelValues(c.kind, "hit").Inc()
	} else {
		c.misses.Add(1)
		metrics.CacheRequests.WithLabelValues(c.kind, "miss").Inc()
	}
	return
}

// put inserts key and returns the entry it pushed out, if any.
func (c *volumeLRU[K, V]) put(vid proto.VolumeID, key K, value V) (evicted V, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.putLocked(vid, key, value)
}

// update puts value unless keep reports the cached entry should stay.
func (c *volumeLRU[K, V]) update(vid proto.VolumeID, key K, value V, keep func(old V) bool) (evicted V, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if l := c.vols[vid]; l != nil {
		if old, found := l.Peek(key); found && keep(old) {
			return
		}
	}
	return c.putLocked(vid, key, value)
}

func (c *volumeLRU[K, V]) putLocked(vid proto.VolumeID, key K, value V) (evicted V, ok bool) {
	l := c.vols[vid]
	if l == nil {
		// size is positive after initConfig
		l, _ = simplelru.NewLRU[K, V](c.size, nil)
		c.vols[vid] = l
	}
	if !l.Contains(key) && l.Len() >= c.size {
		_, evicted, ok = l.RemoveOldest()
	}
	l.Add(key, value)
	return
}

func (c *volumeLRU[K, V]) remove(vid proto.VolumeID, key K) {
	c.lock.Lock()
	if l := c.vols[vid]; l != nil {
		l.Remove(key)
	}
	c.lock.Unlock()
}

// removeIf drops every entry of vid whose key matches f.
func (c *volumeLRU[K, V]) removeIf(vid proto.VolumeID, f func(key K) bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	l := c.vols[vid]
	if l == nil {
		return
	}
	for _, key := range l.Keys() {
		if f(key) {
			l.Remove(key)
		}
	}
}

func (c *volumeLRU[K, V]) invalidate(vid proto.VolumeID) {
	c.lock.Lock()
	delete(c.vols, vid)
	c.lock.Unlock()
}

func (c *volumeLRU[K, V]) stat() KindStats {
	c.lock.Lock()
	entries := 0
	for _, l := range c.vols {
		entries += l.Len()
	}
	c.lock.Unlock()
	return KindStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: entries}
}
