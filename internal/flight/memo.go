// Package flight memoizes keyed fetches so that each key is fetched at most
// once per lifetime, no matter how many goroutines ask concurrently.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type result[V any] struct {
	val V
	err error
}

// Memo is a keyed start-once cache. Successes and failures are both kept
// until Forget or Reset.
//
// The fetch function runs with a context detached from the caller's
// cancellation: the result is shared, so an impatient caller must not abort it
// for everyone else. A caller whose context ends stops waiting and gets
// ctx.Err().
type Memo[V any] struct {
	mu    sync.Mutex
	done  map[string]result[V]
	gen   uint64
	group singleflight.Group
}

// Do returns the memoized result for key, calling fn if no result exists and
// no fetch is in flight.
func (m *Memo[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	if r, ok := m.lookup(key); ok {
		return r.val, r.err
	}

	ch := m.group.DoChan(key, func() (any, error) {
		// A previous flight may have finished between our lookup and DoChan.
		if r, ok := m.lookup(key); ok {
			return r, nil
		}
		m.mu.Lock()
		gen := m.gen
		m.mu.Unlock()

		val, err := fn(context.WithoutCancel(ctx))
		r := result[V]{val: val, err: err}

		m.mu.Lock()
		if gen == m.gen {
			if m.done == nil {
				m.done = make(map[string]result[V])
			}
			m.done[key] = r
		}
		m.mu.Unlock()
		return r, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		r := res.Val.(result[V])
		return r.val, r.err
	}
}

// Peek returns the memoized result for key without starting a fetch.
func (m *Memo[V]) Peek(key string) (V, error, bool) {
	r, ok := m.lookup(key)
	return r.val, r.err, ok
}

// Forget drops the result for key. An in-flight fetch for key still
// completes and is stored.
func (m *Memo[V]) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.done, key)
}

// Reset drops all results. Fetches in flight at the time of the call are not
// stored.
func (m *Memo[V]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = nil
	m.gen++
}

func (m *Memo[V]) lookup(key string) (result[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.done[key]
	return r, ok
}
