// Package reservation reference-counts chunk keep-alive tickets so several
// placements can share a chunk without unloading it under each other.
package reservation

import (
	"sort"
	"sync"

	"structforge.ai/internal/sim/voxel"
)

// KeepAliver is the part of the world provider that pins chunks.
type KeepAliver interface {
	AddKeepAlive(key voxel.ChunkKey)
	RemoveKeepAlive(key voxel.ChunkKey)
}

// Registry forwards only 0->1 and 1->0 transitions to the provider.
type Registry struct {
	w KeepAliver

	mu     sync.Mutex
	counts map[voxel.ChunkKey]int
	gen    uint64
}

func NewRegistry(w KeepAliver) *Registry {
	return &Registry{w: w, counts: map[voxel.ChunkKey]int{}}
}

type resState uint8

const (
	resIdle resState = iota
	resHeld
	resReleased
)

// Reservation covers a fixed key set. It is acquired at most once and
// released at most once; Release before Acquire turns Acquire into a no-op.
type Reservation struct {
	r    *Registry
	keys []voxel.ChunkKey

	state resState
	gen   uint64
}

// Reserve returns an unacquired reservation for keys.
func (r *Registry) Reserve(keys []voxel.ChunkKey) *Reservation {
	uniq := make([]voxel.ChunkKey, 0, len(keys))
	seen := make(map[voxel.ChunkKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })
	return &Reservation{r: r, keys: uniq}
}

// Acquire reserves keys immediately.
func (r *Registry) Acquire(keys []voxel.ChunkKey) *Reservation {
	res := r.Reserve(keys)
	res.Acquire()
	return res
}

func (res *Reservation) Keys() []voxel.ChunkKey { return append([]voxel.ChunkKey(nil), res.keys...) }

func (res *Reservation) Held() bool {
	res.r.mu.Lock()
	defer res.r.mu.Unlock()
	return res.state == resHeld && res.gen == res.r.gen
}

func (res *Reservation) Acquire() bool {
	r := res.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.state != resIdle {
		return false
	}
	res.state = resHeld
	res.gen = r.gen
	for _, k := range res.keys {
		r.counts[k]++
		if r.counts[k] == 1 && r.w != nil {
			r.w.AddKeepAlive(k)
		}
	}
	return true
}

func (res *Reservation) Release() bool {
	r := res.r
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := res.state
	res.state = resReleased
	if prev != resHeld || res.gen != r.gen {
		return false
	}
	for _, k := range res.keys {
		n := r.counts[k]
		if n <= 1 {
			delete(r.counts, k)
			if n == 1 && r.w != nil {
				r.w.RemoveKeepAlive(k)
			}
			continue
		}
		r.counts[k] = n - 1
	}
	return true
}

func (r *Registry) Count(key voxel.ChunkKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// Pinned is the number of chunk keys currently held by any reservation.
func (r *Registry) Pinned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

// ReleaseAll drops every pin at once. Reservations acquired earlier become
// inert.
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.counts)
	if r.w != nil {
		keys := make([]voxel.ChunkKey, 0, n)
		for k := range r.counts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			r.w.RemoveKeepAlive(k)
		}
	}
	r.counts = map[voxel.ChunkKey]int{}
	r.gen++
	return n
}
