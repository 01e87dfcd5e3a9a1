// Package registry maps channel ids to the client-side stream that receives
// that channel's events.
//
// Every Create stamps the new entry with the next generation number and
// replaces whatever was registered under the id. A close that names a
// generation only removes the entry if that generation is still live, so a
// delayed close for a superseded stream can never tear down its successor.
//
//	t=0   Create("c1")            -> generation 0
//	t=10  Create("c1")            -> generation 1 (overwrites)
//	t=60  CloseGeneration("c1",0) -> no-op, generation 1 stays
package registry

import (
	"sync"

	"github.com/HyphaGroup/conduit/internal/stream"
)

// Generation identifies one Create call. Generations increase monotonically
// across all channel ids of a Registry.
type Generation uint64

type entry[T any] struct {
	stream     *stream.Stream[T]
	generation Generation
}

// Registry is safe for concurrent use.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	next    Generation
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]entry[T])}
}

// Create allocates a fresh stream for channelID, overwriting any previous
// entry. The previous stream is not terminated; its owner closes it by
// generation.
func (r *Registry[T]) Create(channelID string) (*stream.Stream[T], Generation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.next
	r.next++
	s := stream.New[T](nil)
	r.entries[channelID] = entry[T]{stream: s, generation: gen}
	return s, gen
}

// Get returns the live stream and generation for channelID.
func (r *Registry[T]) Get(channelID string) (*stream.Stream[T], Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[channelID]
	if !ok {
		return nil, 0, false
	}
	return e.stream, e.generation, true
}

// Close terminates and removes whatever stream is live for channelID.
func (r *Registry[T]) Close(channelID string, err error) bool {
	r.mu.Lock()
	e, ok := r.entries[channelID]
	if ok {
		delete(r.entries, channelID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	terminate(e.stream, err)
	return true
}

// CloseGeneration terminates and removes the entry for channelID only if its
// generation equals gen. It reports whether anything was closed.
func (r *Registry[T]) CloseGeneration(channelID string, gen Generation, err error) bool {
	r.mu.Lock()
	e, ok := r.entries[channelID]
	if !ok || e.generation != gen {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, channelID)
	r.mu.Unlock()

	terminate(e.stream, err)
	return true
}

// Clear marks every live stream done and empties the registry. Used when
// the transport fails.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]entry[T])
	r.mu.Unlock()

	for _, e := range entries {
		e.stream.Done()
	}
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func terminate[T any](s *stream.Stream[T], err error) {
	if err != nil {
		s.Error(err)
		return
	}
	s.Done()
}
