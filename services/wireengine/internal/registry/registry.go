// Package registry implements the process-wide, named directory the wire
// engine uses as the rendezvous point between an inbound listener thread
// and a connecting client (spec §4.2).
//
// Grounded on redb-open's connection-identifier keyed maps
// (services/mesh/internal/transport/ws/transport.go's TransportManager.links
// map, guarded by a single RWMutex) but generalized to the registry's two
// required operations: immediate lookup, and "lookup that arrives before
// the add" via a single pending continuation per identifier.
package registry

import (
	"fmt"
	"sync"
)

// Registry is a concurrent map from connection identifier to endpoint
// handle of type T, plus a side table of pending lookups that precede
// their matching add.
type Registry[T any] struct {
	mu       sync.Mutex
	entries  map[string]T
	pendings map[string]chan<- T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		entries:  make(map[string]T),
		pendings: make(map[string]chan<- T),
	}
}

// Add inserts a new handle under id. A duplicate add (an existing entry
// under the same id) is an error — adds must not overwrite (§4.2). If a
// pending lookup is registered under id, it is invoked and removed.
func (r *Registry[T]) Add(id string, handle T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("registry: duplicate add for connection id %q", id)
	}
	r.entries[id] = handle

	if ch, waiting := r.pendings[id]; waiting {
		delete(r.pendings, id)
		ch <- handle
		close(ch)
	}
	return nil
}

// Remove deletes the entry under id, if any. It is not an error to remove
// an absent id (the owning listener may tear down more than once).
func (r *Registry[T]) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Lookup returns the handle registered under id, if present.
func (r *Registry[T]) Lookup(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	return v, ok
}

// AwaitAdd returns the handle under id immediately if already present, or
// registers a continuation and returns a channel that fires exactly once
// when a matching Add occurs. Exactly one pending continuation is allowed
// per identifier; a second concurrent AwaitAdd on the same id fails
// without replacing the first (§4.2).
func (r *Registry[T]) AwaitAdd(id string) (<-chan T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.entries[id]; ok {
		ch := make(chan T, 1)
		ch <- v
		close(ch)
		return ch, nil
	}

	if _, waiting := r.pendings[id]; waiting {
		return nil, fmt.Errorf("registry: a pending lookup for connection id %q already exists", id)
	}

	ch := make(chan T, 1)
	r.pendings[id] = ch
	return ch, nil
}

// CancelAwait removes a pending continuation registered by AwaitAdd,
// without invoking it. Used by callers that gave up waiting (e.g. a
// context deadline) so a later Add does not write to a channel nobody is
// reading from.
func (r *Registry[T]) CancelAwait(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, waiting := r.pendings[id]; waiting {
		delete(r.pendings, id)
		close(ch)
	}
}
