// Package readiness defers placements until every chunk they touch is fully
// generated. Pending placements are owned by the pending table; the chunk
// index only points at them for notification fan-in.
package readiness

import (
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/reservation"
	"structforge.ai/internal/structures/template"
)

var (
	ErrQueueFull = errors.New("readiness: pending queue full")
	ErrClosed    = errors.New("readiness: coordinator shut down")
)

type Outcome uint8

const (
	Enqueued Outcome = iota
	PastedImmediately
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Enqueued:
		return "enqueued"
	case PastedImmediately:
		return "pasted_immediately"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// World is the chunk-state side of the world provider.
type World interface {
	ChunkState(key voxel.ChunkKey) voxel.ChunkState
	RequestGeneration(key voxel.ChunkKey)
}

// Scheduler runs work on the authoritative loop goroutine.
type Scheduler interface {
	Post(fn func()) bool
	After(d time.Duration, fn func())
	Every(period time.Duration, fn func()) (cancel func())
}

// Candidate is a placement whose anchor has been chosen.
type Candidate struct {
	ID       string
	World    string
	Anchor   voxel.Vec3i
	Rotation int
	Kind     voxel.StructureKind
	Score    float64
	// Template is already rotated.
	Template *template.Template
}

type Config struct {
	MaxPending     int
	Timeout        time.Duration
	SweepInterval  time.Duration
	LateCheckDelay time.Duration
	Margin         int
}

type Deps struct {
	World        World
	Loop         Scheduler
	Reservations *reservation.Registry
	// Dispatch receives candidates whose chunks are all ready. It runs on
	// the loop goroutine.
	Dispatch func(Candidate)
	// OnEvict reports a timed-out placement. It runs on the loop goroutine.
	OnEvict func(c Candidate, age time.Duration)
	Logger  *log.Logger
	Now     func() time.Time
}

// Pending is a placement waiting on chunk generation.
type Pending struct {
	Candidate
	Required  []voxel.ChunkKey
	CreatedAt time.Time

	mu    sync.Mutex
	ready map[voxel.ChunkKey]struct{}

	processed atomic.Bool
	res       *reservation.Reservation
}

// markReady records key and reports whether every required chunk is ready.
func (p *Pending) markReady(key voxel.ChunkKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready[key] = struct{}{}
	return len(p.ready) == len(p.Required)
}

func (p *Pending) isReady(key voxel.ChunkKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ready[key]
	return ok
}

func (p *Pending) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

func (p *Pending) Processed() bool { return p.processed.Load() }

type waiterSet struct {
	mu   sync.Mutex
	m    map[*Pending]struct{}
	dead bool
}

type Coordinator struct {
	cfg  Config
	deps Deps
	log  *log.Logger

	index   sync.Map // voxel.ChunkKey -> *waiterSet
	pending sync.Map // id -> *Pending
	count   atomic.Int64
	closed  atomic.Bool
}

func New(cfg Config, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Reservations == nil {
		deps.Reservations = reservation.NewRegistry(nil)
	}
	if cfg.Margin < 0 {
		cfg.Margin = 0
	}
	return &Coordinator{cfg: cfg, deps: deps, log: deps.Logger}
}

// Start schedules the periodic timeout sweep.
func (c *Coordinator) Start() (stop func()) {
	every := c.cfg.SweepInterval
	if every <= 0 {
		every = 5 * time.Second
	}
	return c.deps.Loop.Every(every, func() { c.SweepTimeouts() })
}

func (c *Coordinator) Size() int { return int(c.count.Load()) }

// Waiting is the number of placements registered under key.
func (c *Coordinator) Waiting(key voxel.ChunkKey) int {
	v, ok := c.index.Load(key)
	if !ok {
		return 0
	}
	ws := v.(*waiterSet)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.m)
}

// Enqueue places c at once when its chunks are ready, otherwise parks it
// until they are. Safe from any goroutine.
func (c *Coordinator) Enqueue(cand Candidate) (Outcome, error) {
	if c.closed.Load() {
		return Rejected, ErrClosed
	}
	if cand.ID == "" {
		cand.ID = uuid.NewString()
	}
	keys := cand.Template.Chunks(cand.Anchor, c.cfg.Margin)

	var missing []voxel.ChunkKey
	for _, k := range keys {
		if c.deps.World.ChunkState(k) != voxel.ChunkFullyGenerated {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		c.deps.Loop.Post(func() { c.deps.Dispatch(cand) })
		return PastedImmediately, nil
	}

	if !c.reserveSlot() {
		c.log.Printf("warn: placement queue full (%d), dropping %s at %s", c.cfg.MaxPending, cand.Template.ID, cand.Anchor)
		return Rejected, ErrQueueFull
	}

	p := &Pending{
		Candidate: cand,
		Required:  keys,
		CreatedAt: c.deps.Now(),
		ready:     make(map[voxel.ChunkKey]struct{}, len(keys)),
		res:       c.deps.Reservations.Reserve(keys),
	}
	miss := make(map[voxel.ChunkKey]bool, len(missing))
	for _, k := range missing {
		miss[k] = true
	}
	for _, k := range keys {
		if !miss[k] {
			p.ready[k] = struct{}{}
		}
	}
	c.pending.Store(p.ID, p)
	c.deps.Loop.Post(func() {
		if !p.Processed() {
			p.res.Acquire()
		}
	})

	for _, k := range missing {
		c.register(k, p)
	}
	for _, k := range missing {
		c.deps.World.RequestGeneration(k)
	}

	// A chunk may have finished between the state check and registration.
	for _, k := range missing {
		if c.deps.World.ChunkState(k) == voxel.ChunkFullyGenerated {
			c.OnChunkReady(k)
		}
	}
	if d := c.cfg.LateCheckDelay; d > 0 {
		c.deps.Loop.After(d, func() {
			for _, k := range missing {
				if !p.Processed() && c.deps.World.ChunkState(k) == voxel.ChunkFullyGenerated {
					c.OnChunkReady(k)
				}
			}
		})
	}
	return Enqueued, nil
}

func (c *Coordinator) reserveSlot() bool {
	for {
		n := c.count.Load()
		if n >= int64(c.cfg.MaxPending) {
			return false
		}
		if c.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *Coordinator) register(key voxel.ChunkKey, p *Pending) {
	for {
		v, _ := c.index.LoadOrStore(key, &waiterSet{m: map[*Pending]struct{}{}})
		ws := v.(*waiterSet)
		ws.mu.Lock()
		if ws.dead {
			ws.mu.Unlock()
			continue
		}
		ws.m[p] = struct{}{}
		ws.mu.Unlock()
		return
	}
}

// unregister drops p from the waiter sets of chunks it is still missing.
func (c *Coordinator) unregister(p *Pending) {
	for _, k := range p.Required {
		if p.isReady(k) {
			continue
		}
		v, ok := c.index.Load(k)
		if !ok {
			continue
		}
		ws := v.(*waiterSet)
		ws.mu.Lock()
		delete(ws.m, p)
		if len(ws.m) == 0 && !ws.dead {
			ws.dead = true
			c.index.CompareAndDelete(k, ws)
		}
		ws.mu.Unlock()
	}
}

// OnChunkReady is the chunk-lifecycle notification. It may run on any
// goroutine and any number of times per key.
func (c *Coordinator) OnChunkReady(key voxel.ChunkKey) {
	if c.closed.Load() {
		return
	}
	if c.deps.World.ChunkState(key) != voxel.ChunkFullyGenerated {
		return
	}
	v, ok := c.index.LoadAndDelete(key)
	if !ok {
		return
	}
	ws := v.(*waiterSet)
	ws.mu.Lock()
	ws.dead = true
	waiters := make([]*Pending, 0, len(ws.m))
	for p := range ws.m {
		waiters = append(waiters, p)
	}
	ws.mu.Unlock()

	for _, p := range waiters {
		if p.Processed() {
			continue
		}
		if !p.markReady(key) {
			continue
		}
		if !p.processed.CompareAndSwap(false, true) {
			continue
		}
		c.complete(p)
	}
}

func (c *Coordinator) complete(p *Pending) {
	if _, ok := c.pending.LoadAndDelete(p.ID); ok {
		c.count.Add(-1)
	}
	cand := p.Candidate
	c.deps.Loop.Post(func() {
		p.res.Release()
		c.deps.Dispatch(cand)
	})
}

// SweepTimeouts evicts every placement older than the timeout and returns
// how many were dropped.
func (c *Coordinator) SweepTimeouts() int {
	now := c.deps.Now()
	var expired []*Pending
	c.pending.Range(func(_, v any) bool {
		p := v.(*Pending)
		if now.Sub(p.CreatedAt) >= c.cfg.Timeout {
			expired = append(expired, p)
		}
		return true
	})
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })

	n := 0
	for _, p := range expired {
		if !p.processed.CompareAndSwap(false, true) {
			continue
		}
		if _, ok := c.pending.LoadAndDelete(p.ID); ok {
			c.count.Add(-1)
		}
		c.unregister(p)
		age := now.Sub(p.CreatedAt)
		c.log.Printf("warn: placement %s (%s at %s) timed out after %s with %d/%d chunks ready",
			p.ID, p.Template.ID, p.Anchor, age.Round(time.Millisecond), p.ReadyCount(), len(p.Required))
		cand := p.Candidate
		c.deps.Loop.Post(func() {
			p.res.Release()
			if c.deps.OnEvict != nil {
				c.deps.OnEvict(cand, age)
			}
		})
		n++
	}
	return n
}

// Snapshot lists pending placements oldest first.
func (c *Coordinator) Snapshot() []PendingInfo {
	var out []PendingInfo
	c.pending.Range(func(_, v any) bool {
		p := v.(*Pending)
		out = append(out, PendingInfo{
			ID:        p.ID,
			Template:  p.Template.ID,
			Anchor:    p.Anchor,
			Required:  len(p.Required),
			Ready:     p.ReadyCount(),
			CreatedAt: p.CreatedAt,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type PendingInfo struct {
	ID        string
	Template  string
	Anchor    voxel.Vec3i
	Required  int
	Ready     int
	CreatedAt time.Time
}

// Shutdown drops every pending placement and releases every keep-alive
// reservation. Later notifications are ignored.
func (c *Coordinator) Shutdown() int {
	c.closed.Store(true)
	n := 0
	c.pending.Range(func(k, v any) bool {
		p := v.(*Pending)
		if p.processed.CompareAndSwap(false, true) {
			n++
		}
		c.pending.Delete(k)
		return true
	})
	c.count.Store(0)
	c.index.Range(func(k, _ any) bool {
		c.index.Delete(k)
		return true
	})
	c.deps.Reservations.ReleaseAll()
	return n
}
