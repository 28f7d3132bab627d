package placer

import (
	"errors"
	"io"
	"log"
	"sync"

	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/readiness"
	"structforge.ai/internal/structures/template"
)

// PasteResult is the final outcome of a triggered placement.
type PasteResult uint8

const (
	PasteSuccess PasteResult = iota
	PasteFailed
	PasteUnsuitable
	PasteRejected
	PasteTimedOut
)

func (r PasteResult) String() string {
	switch r {
	case PasteSuccess:
		return "success"
	case PasteFailed:
		return "failed"
	case PasteUnsuitable:
		return "unsuitable"
	case PasteRejected:
		return "rejected"
	case PasteTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// ShouldMarkProcessed reports whether a chunk is done for good. Anything
// short of a successful paste leaves the chunk eligible for another try.
func ShouldMarkProcessed(r PasteResult) bool { return r == PasteSuccess }

// ProcessedMarker remembers chunks that already received a structure.
type ProcessedMarker struct {
	m sync.Map // voxel.ChunkKey -> struct{}
}

func (p *ProcessedMarker) Mark(key voxel.ChunkKey) { p.m.Store(key, struct{}{}) }

func (p *ProcessedMarker) IsProcessed(key voxel.ChunkKey) bool {
	_, ok := p.m.Load(key)
	return ok
}

func (p *ProcessedMarker) Count() int {
	n := 0
	p.m.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Placer is the orchestrator surface the trigger drives.
type Placer interface {
	FindAndPlace(tmpl *template.Template, hint voxel.Vec3i, kind voxel.StructureKind, onComplete func(Completion)) (readiness.Outcome, error)
}

type TriggerConfig struct {
	ChancePermille int
	Seed           int64
}

// ChunkTrigger rolls for a structure every time a chunk becomes ready.
type ChunkTrigger struct {
	cfg       TriggerConfig
	placer    Placer
	templates []*template.Template
	marker    *ProcessedMarker
	log       *log.Logger

	inflight sync.Map // voxel.ChunkKey -> struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	results map[PasteResult]int
}

func NewChunkTrigger(cfg TriggerConfig, p Placer, templates []*template.Template, marker *ProcessedMarker, logger *log.Logger) *ChunkTrigger {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if marker == nil {
		marker = &ProcessedMarker{}
	}
	return &ChunkTrigger{
		cfg:       cfg,
		placer:    p,
		templates: templates,
		marker:    marker,
		log:       logger,
		results:   map[PasteResult]int{},
	}
}

func (t *ChunkTrigger) Marker() *ProcessedMarker { return t.marker }

// Wait blocks until every attempt started so far has returned from
// FindAndPlace.
func (t *ChunkTrigger) Wait() { t.wg.Wait() }

// Results counts completed attempts per outcome.
func (t *ChunkTrigger) Results() map[PasteResult]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[PasteResult]int, len(t.results))
	for k, v := range t.results {
		out[k] = v
	}
	return out
}

// Rolls reports whether key wins the placement roll. The roll is a pure
// function of the seed and the chunk coordinates.
func (t *ChunkTrigger) Rolls(key voxel.ChunkKey) bool {
	if t.cfg.ChancePermille <= 0 || len(t.templates) == 0 {
		return false
	}
	return int(voxel.Hash2(t.cfg.Seed, key.X(), key.Z())%1000) < t.cfg.ChancePermille
}

// OnChunkReady is a chunk-ready subscriber. It never blocks: the search
// runs on its own goroutine.
func (t *ChunkTrigger) OnChunkReady(key voxel.ChunkKey) {
	if t.marker.IsProcessed(key) || !t.Rolls(key) {
		return
	}
	if _, busy := t.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.attempt(key)
	}()
}

func (t *ChunkTrigger) attempt(key voxel.ChunkKey) {
	h := voxel.Hash2(t.cfg.Seed^0x5f3759df, key.X(), key.Z())
	tmpl := t.templates[h%uint64(len(t.templates))]
	hint := voxel.Vec3i{X: key.X()*voxel.ChunkSize + 8, Z: key.Z()*voxel.ChunkSize + 8}

	outcome, err := t.placer.FindAndPlace(tmpl, hint, tmpl.Kind, func(c Completion) {
		r := PasteFailed
		switch {
		case c.OK:
			r = PasteSuccess
		case errors.Is(c.Err, ErrTimedOut):
			r = PasteTimedOut
		}
		t.done(key, r)
	})
	if err == nil {
		return
	}
	r := PasteFailed
	switch {
	case errors.Is(err, ErrUnsuitable):
		r = PasteUnsuitable
	case outcome == readiness.Rejected:
		r = PasteRejected
	}
	t.done(key, r)
}

func (t *ChunkTrigger) done(key voxel.ChunkKey, r PasteResult) {
	if ShouldMarkProcessed(r) {
		t.marker.Mark(key)
	}
	t.inflight.Delete(key)
	t.mu.Lock()
	t.results[r]++
	t.mu.Unlock()
}
