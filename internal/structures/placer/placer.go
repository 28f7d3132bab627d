// Package placer is the single entry point for putting a structure into the
// world: it picks an orientation and anchor, defers the paste until the
// chunks are ready, and runs the post-paste hooks.
package placer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	plog "structforge.ai/internal/persistence/log"
	"structforge.ai/internal/sim/tuning"
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/paste"
	"structforge.ai/internal/structures/readiness"
	"structforge.ai/internal/structures/reservation"
	"structforge.ai/internal/structures/search"
	"structforge.ai/internal/structures/template"
)

var (
	// ErrUnsuitable wraps search.ErrNoSpan and search.ErrNoCandidate.
	ErrUnsuitable = errors.New("placer: terrain unsuitable")
	ErrTimedOut   = errors.New("placer: chunks not generated in time")
)

// World is everything the placement pipeline reads from or writes to.
type World interface {
	search.World
	readiness.World
	paste.World
	reservation.KeepAliver
	IsChunkLoaded(key voxel.ChunkKey) bool
}

// Loop is the authoritative goroutine.
type Loop interface {
	readiness.Scheduler
	Done() <-chan struct{}
}

// EventLog receives placement lifecycle events.
type EventLog interface {
	Log(ev plog.PlacementEvent) error
}

type Config struct {
	WorldName string
	WorldType voxel.WorldType
	Tuning    tuning.Tuning
	// Seed drives rotation, altitude picks and pedestal draws.
	Seed int64
}

type Deps struct {
	World        World
	Loop         Loop
	Reservations *reservation.Registry
	Hooks        []Hook
	Events       EventLog
	Logger       *log.Logger
	// Now is the clock for pending timeouts; nil means time.Now.
	Now func() time.Time
}

// Completion is passed to the caller's callback once per accepted
// placement.
type Completion struct {
	ID       string
	OK       bool
	Err      error
	Anchor   voxel.Vec3i
	Rotation int
	Template *template.Template
	Written  int
}

type Orchestrator struct {
	cfg    Config
	world  World
	loop   Loop
	hooks  []Hook
	events EventLog
	log    *log.Logger

	search *search.Searcher
	coord  *readiness.Coordinator
	engine *paste.Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiting map[string]func(Completion)
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Reservations == nil {
		deps.Reservations = reservation.NewRegistry(deps.World)
	}
	tune := cfg.Tuning
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		world:   deps.World,
		loop:    deps.Loop,
		hooks:   deps.Hooks,
		events:  deps.Events,
		log:     deps.Logger,
		ctx:     ctx,
		cancel:  cancel,
		waiting: map[string]func(Completion){},
	}
	o.search = &search.Searcher{
		World:     deps.World,
		WorldType: cfg.WorldType,
		Tuning:    tune,
		Seed:      cfg.Seed,
	}
	o.coord = readiness.New(readiness.Config{
		MaxPending:     tune.Queue.MaxPending,
		Timeout:        tune.Queue.Timeout(),
		SweepInterval:  tune.Queue.SweepInterval(),
		LateCheckDelay: tune.Queue.LateCheckDelay(),
		Margin:         tune.ChunkMargin,
	}, readiness.Deps{
		World:        deps.World,
		Loop:         deps.Loop,
		Reservations: deps.Reservations,
		Dispatch:     o.dispatch,
		OnEvict:      o.evicted,
		Logger:       deps.Logger,
		Now:          deps.Now,
	})
	o.engine = paste.New(paste.Config{
		ValidateChunks:  tune.ValidateChunksBeforePaste,
		Seed:            cfg.Seed,
		Margin:          tune.ChunkMargin,
		DefaultPedestal: tune.DefaultPedestal,
	}, deps.World, deps.Loop, deps.Reservations, deps.Logger)
	return o
}

// Start schedules the timeout sweep. The returned func stops it.
func (o *Orchestrator) Start() (stop func()) { return o.coord.Start() }

// OnChunkReady forwards a chunk-ready notification to the coordinator.
func (o *Orchestrator) OnChunkReady(key voxel.ChunkKey) { o.coord.OnChunkReady(key) }

func (o *Orchestrator) Coordinator() *readiness.Coordinator { return o.coord }

func (o *Orchestrator) Engine() *paste.Engine { return o.engine }

// Close drops pending placements and waits for running pastes.
func (o *Orchestrator) Close() {
	n := o.coord.Shutdown()
	o.cancel()
	o.engine.Wait()
	o.mu.Lock()
	o.waiting = map[string]func(Completion){}
	o.mu.Unlock()
	if n > 0 {
		o.log.Printf("placer: dropped %d pending placements on shutdown", n)
	}
}

// FindAndPlace searches near hint for an anchor and places tmpl there.
// onComplete runs on the loop once the paste finished, failed or timed out.
// It is not called when the returned error is non-nil.
func (o *Orchestrator) FindAndPlace(tmpl *template.Template, hint voxel.Vec3i, kind voxel.StructureKind, onComplete func(Completion)) (readiness.Outcome, error) {
	rot := int(voxel.Hash2(o.cfg.Seed, hint.X, hint.Z) & 3)
	t := tmpl.Rotated(rot)

	found, err := o.search.Find(t, hint, kind)
	if err != nil {
		o.logEvent(plog.PlacementEvent{
			Type:     plog.EventUnsuitable,
			Template: tmpl.ID,
			Kind:     kind.String(),
			Anchor:   vec(hint),
			Error:    err.Error(),
		})
		return readiness.Rejected, fmt.Errorf("%w: %w", ErrUnsuitable, err)
	}

	cand := readiness.Candidate{
		ID:       uuid.NewString(),
		World:    o.cfg.WorldName,
		Anchor:   found.Anchor,
		Rotation: rot * 90,
		Kind:     kind,
		Score:    found.Score,
		Template: t,
	}
	o.mu.Lock()
	o.waiting[cand.ID] = onComplete
	o.mu.Unlock()

	outcome, err := o.coord.Enqueue(cand)
	switch outcome {
	case readiness.Rejected:
		o.take(cand.ID)
		o.logEvent(candidateEvent(plog.EventRejected, cand, err))
	case readiness.Enqueued:
		o.logEvent(candidateEvent(plog.EventQueued, cand, nil))
	}
	return outcome, err
}

func (o *Orchestrator) take(id string) func(Completion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn := o.waiting[id]
	delete(o.waiting, id)
	return fn
}

// dispatch runs on the loop.
func (o *Orchestrator) dispatch(cand readiness.Candidate) {
	o.engine.Paste(o.ctx, paste.Job{
		ID:        cand.ID,
		Template:  cand.Template,
		Anchor:    cand.Anchor,
		Kind:      cand.Kind,
		WorldType: o.cfg.WorldType,
		OnComplete: func(r paste.Result) {
			o.finish(cand, r)
		},
	})
}

func (o *Orchestrator) finish(cand readiness.Candidate, r paste.Result) {
	c := Completion{
		ID:       cand.ID,
		OK:       r.OK,
		Err:      r.Err,
		Anchor:   cand.Anchor,
		Rotation: cand.Rotation,
		Template: cand.Template,
		Written:  r.Written,
	}
	if r.OK {
		o.runHooks(Placement{
			ID:        cand.ID,
			World:     cand.World,
			WorldType: o.cfg.WorldType,
			Template:  cand.Template,
			Anchor:    cand.Anchor,
			Rotation:  cand.Rotation,
			Kind:      cand.Kind,
			Score:     cand.Score,
			Written:   r.Written,
			PlacedAt:  time.Now().UTC(),
		})
		ev := candidateEvent(plog.EventPlaced, cand, nil)
		ev.Written, ev.Failed = r.Written, r.Failed
		o.logEvent(ev)
	} else {
		o.logEvent(candidateEvent(plog.EventFailed, cand, r.Err))
	}
	if fn := o.take(cand.ID); fn != nil {
		fn(c)
	}
}

// evicted runs on the loop.
func (o *Orchestrator) evicted(cand readiness.Candidate, age time.Duration) {
	ev := candidateEvent(plog.EventTimedOut, cand, ErrTimedOut)
	ev.WaitedMs = age.Milliseconds()
	o.logEvent(ev)
	if fn := o.take(cand.ID); fn != nil {
		fn(Completion{
			ID:       cand.ID,
			Err:      ErrTimedOut,
			Anchor:   cand.Anchor,
			Rotation: cand.Rotation,
			Template: cand.Template,
		})
	}
}

func (o *Orchestrator) logEvent(ev plog.PlacementEvent) {
	if o.events == nil {
		return
	}
	if ev.World == "" {
		ev.World = o.cfg.WorldName
	}
	if err := o.events.Log(ev); err != nil {
		o.log.Printf("warn: placement event log: %v", err)
	}
}

func candidateEvent(typ plog.EventType, cand readiness.Candidate, err error) plog.PlacementEvent {
	ev := plog.PlacementEvent{
		Type:     typ,
		ID:       cand.ID,
		World:    cand.World,
		Template: cand.Template.ID,
		Kind:     cand.Kind.String(),
		Anchor:   vec(cand.Anchor),
		Rotation: cand.Rotation,
		Score:    cand.Score,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func vec(v voxel.Vec3i) [3]int { return [3]int{v.X, v.Y, v.Z} }
