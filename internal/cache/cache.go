/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache provides a small, size-bounded LRU keyed by a comparable
// key, where each entry also carries an expiry instead of a version. A
// lookup past its expiry is a miss and the entry is evicted, the same way a
// version mismatch evicts a stale entry.
package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a generic, time-bounded LRU.
type Cache[K comparable, V any] struct {
	lru *lru.Cache
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// New constructs a Cache holding at most size entries.
func New[K comparable, V any](size int) (*Cache[K, V], error) {
	lruCache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache[K, V]{lru: lruCache}, nil
}

// Get returns the value stored for key, provided it has not expired as of
// now. An expired entry is evicted and reported as a miss.
func (c *Cache[K, V]) Get(key K, now time.Time) (V, bool) {
	val, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	e := val.(entry[V])
	if now.After(e.expires) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Add stores value for key, valid until expires.
func (c *Cache[K, V]) Add(key K, value V, expires time.Time) {
	c.lru.Add(key, entry[V]{value: value, expires: expires})
}
