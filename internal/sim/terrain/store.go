package terrain

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"structforge.ai/internal/sim/voxel"
)

var (
	ErrChunkNotLoaded = errors.New("terrain: chunk not loaded")
	ErrOutOfBounds    = errors.New("terrain: position out of bounds")
	ErrClosed         = errors.New("terrain: store closed")
)

type Config struct {
	Seed     int64
	Type     voxel.WorldType
	MinY     int
	MaxY     int // exclusive
	SeaLevel int

	Workers int
	// GenDelay is added to every chunk generation to simulate disk or
	// worldgen latency.
	GenDelay time.Duration
}

type entry struct {
	chunk      *Chunk
	state      voxel.ChunkState
	keepAlive  int
	queued     bool
	generating bool
	done       chan struct{} // closed once fully generated
}

// Store is an in-memory chunk provider. Generation runs on worker
// goroutines and every completed chunk is announced to subscribers.
// Block reads and writes are safe from any goroutine.
type Store struct {
	cfg Config
	gen Generator
	log *log.Logger

	mu      sync.RWMutex
	entries map[voxel.ChunkKey]*entry
	saved   map[voxel.ChunkKey]*Chunk
	held    map[voxel.ChunkKey]bool
	queue   []voxel.ChunkKey

	subMu   sync.RWMutex
	subs    map[int]func(voxel.ChunkKey)
	nextSub int

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	generated atomic.Int64
}

func New(cfg Config, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.MaxY <= cfg.MinY {
		cfg.MinY, cfg.MaxY = -64, 320
	}
	if cfg.SeaLevel == 0 {
		cfg.SeaLevel = 62
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	s := &Store{
		cfg: cfg,
		gen: Generator{
			Seed:     cfg.Seed,
			Type:     cfg.Type,
			MinY:     cfg.MinY,
			MaxY:     cfg.MaxY,
			SeaLevel: cfg.SeaLevel,
		},
		log:     logger,
		entries: map[voxel.ChunkKey]*entry{},
		saved:   map[voxel.ChunkKey]*Chunk{},
		held:    map[voxel.ChunkKey]bool{},
		subs:    map[int]func(voxel.ChunkKey){},
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Store) WorldType() voxel.WorldType { return s.cfg.Type }
func (s *Store) MinY() int                  { return s.cfg.MinY }
func (s *Store) MaxY() int                  { return s.cfg.MaxY }
func (s *Store) Generated() int64           { return s.generated.Load() }
func (s *Store) Generator() Generator       { return s.gen }

// Subscribe registers fn for chunk-ready notifications. fn runs on a
// generator goroutine and must not block.
func (s *Store) Subscribe(fn func(voxel.ChunkKey)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(key voxel.ChunkKey) {
	s.subMu.RLock()
	fns := make([]func(voxel.ChunkKey), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(key)
	}
}

func (s *Store) ChunkState(key voxel.ChunkKey) voxel.ChunkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[key]
	if e == nil {
		return voxel.ChunkNotLoaded
	}
	return e.state
}

func (s *Store) IsChunkLoaded(key voxel.ChunkKey) bool {
	return s.ChunkState(key) != voxel.ChunkNotLoaded
}

// RequestGeneration loads key if it is not loaded yet. Previously unloaded
// chunks come back fully generated at once; fresh ones are queued.
func (s *Store) RequestGeneration(key voxel.ChunkKey) {
	s.request(key)
}

func (s *Store) request(key voxel.ChunkKey) *entry {
	s.mu.Lock()
	if e := s.entries[key]; e != nil {
		s.mu.Unlock()
		return e
	}
	e := &entry{state: voxel.ChunkLoadedIncomplete, done: make(chan struct{})}
	s.entries[key] = e
	if ch, ok := s.saved[key]; ok {
		delete(s.saved, key)
		e.chunk = ch
		e.state = voxel.ChunkFullyGenerated
		close(e.done)
		s.mu.Unlock()
		s.notify(key)
		return e
	}
	s.enqueueLocked(key, e)
	s.mu.Unlock()
	return e
}

func (s *Store) enqueueLocked(key voxel.ChunkKey, e *entry) {
	if e.queued || e.generating {
		return
	}
	e.queued = true
	s.queue = append(s.queue, key)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// LoadChunk blocks until key is fully generated.
func (s *Store) LoadChunk(ctx context.Context, key voxel.ChunkKey) error {
	e := s.request(key)
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrClosed
	}
}

// Hold keeps the given chunks from finishing generation until Release.
func (s *Store) Hold(keys ...voxel.ChunkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.held[k] = true
	}
}

func (s *Store) Release(keys ...voxel.ChunkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.held, k)
		if e := s.entries[k]; e != nil && e.state == voxel.ChunkLoadedIncomplete {
			s.enqueueLocked(k, e)
		}
	}
}

func (s *Store) AddKeepAlive(key voxel.ChunkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		return
	}
	e.keepAlive++
}

func (s *Store) RemoveKeepAlive(key voxel.ChunkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil || e.keepAlive == 0 {
		return
	}
	e.keepAlive--
}

func (s *Store) KeepAlive(key voxel.ChunkKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[key]; e != nil {
		return e.keepAlive
	}
	return 0
}

// UnloadIdle drops every fully generated chunk nobody keeps alive. The
// chunk contents survive and are restored on the next request.
func (s *Store) UnloadIdle() []voxel.ChunkKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []voxel.ChunkKey
	for k, e := range s.entries {
		if e.state != voxel.ChunkFullyGenerated || e.keepAlive > 0 {
			continue
		}
		s.saved[k] = e.chunk
		delete(s.entries, k)
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func (s *Store) LoadedChunkKeys() []voxel.ChunkKey {
	s.mu.RLock()
	keys := make([]voxel.ChunkKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sortKeys(keys)
	return keys
}

func sortKeys(keys []voxel.ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].X() != keys[j].X() {
			return keys[i].X() < keys[j].X()
		}
		return keys[i].Z() < keys[j].Z()
	})
}

func (s *Store) worker() {
	defer s.wg.Done()
	for {
		key, ok := s.next()
		if !ok {
			return
		}
		s.generate(key)
	}
}

func (s *Store) next() (voxel.ChunkKey, bool) {
	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			key := s.queue[0]
			s.queue = s.queue[1:]
			e := s.entries[key]
			if e == nil {
				continue
			}
			e.queued = false
			if s.held[key] || e.state != voxel.ChunkLoadedIncomplete {
				continue
			}
			e.generating = true
			if len(s.queue) > 0 {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()
			return key, true
		}
		s.mu.Unlock()
		select {
		case <-s.stop:
			return 0, false
		case <-s.wake:
		}
	}
}

func (s *Store) generate(key voxel.ChunkKey) {
	if s.cfg.GenDelay > 0 {
		t := time.NewTimer(s.cfg.GenDelay)
		select {
		case <-t.C:
		case <-s.stop:
			t.Stop()
			return
		}
	}
	ch := newChunk(key, s.cfg.MinY, s.cfg.MaxY)
	s.gen.fill(ch)

	s.mu.Lock()
	e := s.entries[key]
	if e == nil {
		s.mu.Unlock()
		return
	}
	e.generating = false
	if s.held[key] {
		// Release requeues it.
		s.mu.Unlock()
		return
	}
	e.chunk = ch
	e.state = voxel.ChunkFullyGenerated
	close(e.done)
	s.mu.Unlock()

	s.generated.Add(1)
	s.notify(key)
}

func (s *Store) chunkAt(x, z int) *Chunk {
	key := voxel.KeyOf(voxel.FloorDiv(x, voxel.ChunkSize), voxel.FloorDiv(z, voxel.ChunkSize))
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[key]
	if e == nil || e.state != voxel.ChunkFullyGenerated {
		return nil
	}
	return e.chunk
}

// BlockAt returns VoidAir outside the world height or in chunks that are
// not fully generated.
func (s *Store) BlockAt(p voxel.Vec3i) voxel.Material {
	ch := s.chunkAt(p.X, p.Z)
	if ch == nil {
		return voxel.VoidAir
	}
	return ch.Get(voxel.Mod(p.X, voxel.ChunkSize), p.Y, voxel.Mod(p.Z, voxel.ChunkSize))
}

func (s *Store) PayloadAt(p voxel.Vec3i) string {
	ch := s.chunkAt(p.X, p.Z)
	if ch == nil {
		return ""
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	i := ch.index(voxel.Mod(p.X, voxel.ChunkSize), p.Y, voxel.Mod(p.Z, voxel.ChunkSize))
	if i < 0 {
		return ""
	}
	return ch.payload[i]
}

// SetBlock writes m at p. With physics enabled, falling materials settle
// onto the first non-air block below within the chunk.
func (s *Store) SetBlock(p voxel.Vec3i, m voxel.Material, payload string, physics bool) error {
	ch := s.chunkAt(p.X, p.Z)
	if ch == nil {
		return ErrChunkNotLoaded
	}
	lx, lz := voxel.Mod(p.X, voxel.ChunkSize), voxel.Mod(p.Z, voxel.ChunkSize)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	y := p.Y
	if ch.index(lx, y, lz) < 0 {
		return ErrOutOfBounds
	}
	if physics && (m == voxel.Sand || m == voxel.Gravel) {
		for y-1 >= ch.minY {
			below := ch.getLocal(lx, y-1, lz)
			if !below.IsAir() && !below.Liquid() {
				break
			}
			y--
		}
	}
	ch.setLocal(lx, y, lz, m)
	i := ch.index(lx, y, lz)
	if payload != "" {
		ch.payload[i] = payload
	} else {
		delete(ch.payload, i)
	}
	return nil
}

// HighestBlockY returns the top non-air y of the column, or MinY-1 when the
// column is empty or not generated.
func (s *Store) HighestBlockY(x, z int) int {
	ch := s.chunkAt(x, z)
	if ch == nil {
		return s.cfg.MinY - 1
	}
	lx, lz := voxel.Mod(x, voxel.ChunkSize), voxel.Mod(z, voxel.ChunkSize)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for y := s.cfg.MaxY - 1; y >= s.cfg.MinY; y-- {
		if !ch.getLocal(lx, y, lz).IsAir() {
			return y
		}
	}
	return s.cfg.MinY - 1
}

func (s *Store) ChunkDigest(key voxel.ChunkKey) ([32]byte, bool) {
	s.mu.RLock()
	var ch *Chunk
	if e := s.entries[key]; e != nil {
		ch = e.chunk
	}
	s.mu.RUnlock()
	if ch == nil {
		return [32]byte{}, false
	}
	return ch.Digest(), true
}
