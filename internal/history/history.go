package history

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store keeps a bounded ring of recent time-steps per entity key. The
// per-key capacity bounds the velocity window; the LRU bound evicts cold
// entities so distinct-key growth stays finite under high cardinality.
// Not safe for concurrent use: each pipeline instance owns its own Store.
type Store struct {
	capacity int
	entities *lru.Cache[string, *ring]
}

type ring struct {
	steps []int64
	head  int
}

func NewStore(capacity, maxEntities int) (*Store, error) {
	if capacity <= 0 {
		capacity = 10
	}
	if maxEntities <= 0 {
		maxEntities = 100000
	}
	entities, err := lru.New[string, *ring](maxEntities)
	if err != nil {
		return nil, err
	}
	return &Store{capacity: capacity, entities: entities}, nil
}

// Observe returns the number of recorded steps for key before appending
// step, then appends it, evicting the oldest step once the ring is full.
func (s *Store) Observe(key string, step int64) int {
	r, ok := s.entities.Get(key)
	if !ok {
		r = &ring{steps: make([]int64, 0, s.capacity)}
		s.entities.Add(key, r)
	}
	n := r.len()
	r.push(step, s.capacity)
	return n
}

// Len reports the current number of steps recorded for key.
func (s *Store) Len(key string) int {
	if r, ok := s.entities.Peek(key); ok {
		return r.len()
	}
	return 0
}

// Entities reports the number of distinct keys currently tracked.
func (s *Store) Entities() int {
	return s.entities.Len()
}

func (r *ring) len() int {
	return len(r.steps)
}

func (r *ring) push(step int64, capacity int) {
	if len(r.steps) < capacity {
		r.steps = append(r.steps, step)
		return
	}
	r.steps[r.head] = step
	r.head = (r.head + 1) % capacity
}
