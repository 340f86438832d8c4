package keylock

import (
	"hash/fnv"
	"sync"
)

const stripes = 64

// Striped serializes work per key using a fixed set of mutexes.
// Distinct keys may share a stripe; equal keys always do.
type Striped struct {
	mu [stripes]sync.Mutex
}

// Lock locks the stripe for key and returns its unlock func
func (s *Striped) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &s.mu[h.Sum32()%stripes]
	m.Lock()
	return m.Unlock
}
