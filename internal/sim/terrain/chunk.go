package terrain

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"structforge.ai/internal/sim/voxel"
)

// Chunk is one 16x16 column spanning the world's full height.
type Chunk struct {
	key    voxel.ChunkKey
	minY   int
	height int

	mu      sync.RWMutex
	blocks  []voxel.Material // len = 16*16*height
	payload map[int]string

	dirty bool
	hash  [32]byte
}

func newChunk(key voxel.ChunkKey, minY, maxY int) *Chunk {
	h := maxY - minY
	return &Chunk{
		key:     key,
		minY:    minY,
		height:  h,
		blocks:  make([]voxel.Material, voxel.ChunkSize*voxel.ChunkSize*h),
		payload: map[int]string{},
		dirty:   true,
	}
}

func (c *Chunk) Key() voxel.ChunkKey { return c.key }

func (c *Chunk) index(lx, y, lz int) int {
	if lx < 0 || lx >= voxel.ChunkSize || lz < 0 || lz >= voxel.ChunkSize {
		return -1
	}
	ly := y - c.minY
	if ly < 0 || ly >= c.height {
		return -1
	}
	return (ly*voxel.ChunkSize+lz)*voxel.ChunkSize + lx
}

// getLocal and setLocal skip locking; callers hold mu or own the chunk.
func (c *Chunk) getLocal(lx, y, lz int) voxel.Material {
	i := c.index(lx, y, lz)
	if i < 0 {
		return voxel.VoidAir
	}
	return c.blocks[i]
}

func (c *Chunk) setLocal(lx, y, lz int, m voxel.Material) bool {
	i := c.index(lx, y, lz)
	if i < 0 {
		return false
	}
	if c.blocks[i] != m {
		c.blocks[i] = m
		c.dirty = true
	}
	return true
}

func (c *Chunk) Get(lx, y, lz int) voxel.Material {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocal(lx, y, lz)
}

func (c *Chunk) Digest() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.blocks {
			binary.LittleEndian.PutUint16(tmp[:], uint16(v))
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}
