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

// Package registry deduplicates proxy instances by instance key: concurrent
// requests for the same key observe one construction and share its outcome.
// Each entry's reference count and removed state are guarded by a small
// per-entry mutex, so that a new caller attaching, the last caller leaving,
// and construction's own publish-or-abandon decision can never interleave
// in a way that loses track of which one happened first; the construction
// result itself is still delivered through a one-shot readiness channel
// closed exactly once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cloudsql-broker/connector/internal/instancekey"
	"github.com/cloudsql-broker/connector/internal/proxy"
)

// AuthMode identifies the credential strategy an instance was first brought
// up with. An entry's authMode is set once, by whichever caller wins the
// race to create it, and every later GetOrCreate for that key must agree.
type AuthMode int32

const (
	// AuthModeUnset is the zero value of a freshly inserted entry.
	AuthModeUnset AuthMode = iota
	AuthModeCredentialFile
	AuthModeAccessTokenSource
)

// ErrAuthModeConflict is returned when a key is already active under a
// different authentication mode than the one requested.
var ErrAuthModeConflict = errors.New("registry: instance already active with a different authentication mode")

// Factory builds and starts a proxy instance for one GetOrCreate call's
// winning goroutine. It is expected to call Start on the instance before
// returning it, since the registry publishes the result as ready to use.
type Factory func(ctx context.Context) (*proxy.Instance, error)

// entry is the per-key coordination record. mu guards refCount, removed, and
// instance together: attaching a new reference, releasing the last one, and
// construction deciding whether to publish are all serialized through it,
// so none of them can observe a torn intermediate state left by another.
// createStarted and authMode are independent, low-contention flags that
// don't participate in that invariant and stay plain atomics. err is
// written exactly once, before ready is closed, and read only after a
// receive from ready observes the close (which happens-before any such
// read), so it needs no lock of its own.
type entry struct {
	mu       sync.Mutex
	refCount int
	removed  bool
	instance *proxy.Instance

	createStarted atomic.Int32
	authMode      atomic.Int32

	ready chan struct{}
	err   error
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{})}
}

// attach registers one more reference to e, returning false if e has
// already been marked removed — its construction failed, or its last
// reference was released while this call was racing to attach. A false
// return tells the caller to retry against a fresh entry for the key.
func (e *entry) attach() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	e.refCount++
	return true
}

// release drops one reference to e. If this call takes refCount to zero, e
// is marked removed in the same critical section, so a concurrent attach
// can never succeed against an entry whose last reference just left, and
// construction can never mistake a reference that attached a moment ago
// for one that was never there. It reports whether this call performed
// that transition, and the instance e held at the time (nil if
// construction hadn't published one yet).
func (e *entry) release() (removedNow bool, instance *proxy.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refCount == 0 {
		panic("registry: entry refCount released below zero")
	}
	e.refCount--
	if e.refCount == 0 {
		e.removed = true
		return true, e.instance
	}
	return false, nil
}

// markRemoved unconditionally dooms e, e.g. after a failed construction or
// a forced shutdown.
func (e *entry) markRemoved() {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

// tryPublish records instance as e's result, unless e was already marked
// removed. Checking removed and setting instance under the same mutex that
// attach and release use is what closes the race: that check can never
// land in the gap between a reference's count reaching zero and the entry
// being unlinked, because both transitions share this one lock.
func (e *entry) tryPublish(instance *proxy.Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	e.instance = instance
	return true
}

// sameInstance reports whether instance is still the one e currently holds.
func (e *entry) sameInstance(instance *proxy.Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance == instance
}

// Registry deduplicates proxy instances by key.
type Registry struct {
	entries sync.Map // instancekey.Key -> *entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an empty Registry. Construction work spawned by
// GetOrCreate runs under a context owned by the Registry itself, not the
// caller's, so that one caller's cancellation never aborts construction
// that other callers are still waiting on; StopAll cancels it.
func New() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{ctx: ctx, cancel: cancel}
}

// GetOrCreate returns the live proxy instance for key, constructing one via
// factory if none exists. Concurrent callers for the same key and mode
// observe exactly one construction and share its result.
func (r *Registry) GetOrCreate(ctx context.Context, key instancekey.Key, mode AuthMode, factory Factory) (*proxy.Instance, error) {
	var e *entry
	for {
		v, _ := r.entries.LoadOrStore(key, newEntry())
		candidate := v.(*entry)

		if current := AuthMode(candidate.authMode.Load()); current != AuthModeUnset && current != mode {
			return nil, fmt.Errorf("registry: %s: %w", key, ErrAuthModeConflict)
		}

		if candidate.attach() {
			e = candidate
			break
		}
		// candidate was already doomed between LoadOrStore and our attach
		// attempt; help unlink it and retry against a fresh entry.
		r.entries.CompareAndDelete(key, candidate)
	}

	// Once-only initializer; the CAS result is irrelevant, whoever sets it
	// first wins.
	e.authMode.CompareAndSwap(int32(AuthModeUnset), int32(mode))

	if e.createStarted.CompareAndSwap(0, 1) {
		go r.construct(key, e, factory)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		select {
		case <-e.ready:
			// Readiness landed concurrently with our cancellation; treat as
			// a normal completion instead of an abandonment.
		default:
			r.release(key, e)
			return nil, ctx.Err()
		}
	}

	if e.err != nil {
		r.release(key, e)
		return nil, e.err
	}
	return e.instance, nil
}

func (r *Registry) construct(key instancekey.Key, e *entry, factory Factory) {
	instance, err := factory(r.ctx)
	if err != nil {
		e.err = err
		e.markRemoved()
		close(e.ready)
		r.entries.CompareAndDelete(key, e)
		return
	}

	if !e.tryPublish(instance) {
		// Every attached caller released (via cancellation) before
		// construction finished; nobody is left to hand the instance to.
		r.entries.CompareAndDelete(key, e)
		close(e.ready)
		instance.Stop()
		return
	}
	close(e.ready)
}

// release backs out one caller's reference to e. If that was the last
// reference, e is unlinked from the registry and any instance it already
// held is stopped.
func (r *Registry) release(key instancekey.Key, e *entry) {
	removed, instance := e.release()
	if !removed {
		return
	}
	r.entries.CompareAndDelete(key, e)
	if instance != nil {
		instance.Stop()
	}
}

// Release drops one reference to instance. If it was the last reference,
// the entry is removed and the instance is stopped.
//
// instance is compared by identity against the entry's current generation:
// if the key was released to zero and re-acquired by the time this call
// runs, this release targets a stale generation and is a no-op.
func (r *Registry) Release(instance *proxy.Instance) {
	key := instance.Key()
	v, ok := r.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*entry)
	if !e.sameInstance(instance) {
		return
	}
	r.release(key, e)
}

// StopAll cancels any in-flight construction and stops every registered
// instance. Best-effort: it is not synchronized against concurrent
// GetOrCreate calls and is intended as a process-shutdown convenience.
func (r *Registry) StopAll() {
	r.cancel()
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.markRemoved()
		if r.entries.CompareAndDelete(k, e) {
			<-e.ready
			if e.instance != nil {
				e.instance.Stop()
			}
		}
		return true
	})
}
