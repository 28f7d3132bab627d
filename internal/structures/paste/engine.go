// Package paste copies structure templates into the world. Chunk loading
// and the bulk copy run off the main loop; validation, keep-alive
// reservations, payload cells and the completion callback run on it.
package paste

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/reservation"
	"structforge.ai/internal/structures/template"
)

var (
	ErrChunksNotReady = errors.New("paste: required chunks not fully generated")
	ErrLoopStopped    = errors.New("paste: main loop stopped")
)

// World is the world provider surface the engine needs.
type World interface {
	ChunkState(key voxel.ChunkKey) voxel.ChunkState
	LoadChunk(ctx context.Context, key voxel.ChunkKey) error
	BlockAt(p voxel.Vec3i) voxel.Material
	SetBlock(p voxel.Vec3i, m voxel.Material, payload string, physics bool) error
}

type Scheduler interface {
	Post(fn func()) bool
	Done() <-chan struct{}
}

type Job struct {
	ID        string
	Template  *template.Template // already rotated
	Anchor    voxel.Vec3i
	Kind      voxel.StructureKind
	WorldType voxel.WorldType
	// PrePaste runs on the loop once the chunks are pinned. Nil samples
	// pedestal materials from the terrain.
	PrePaste func(Job) Pedestals
	// OnComplete runs on the loop exactly once.
	OnComplete func(Result)
}

type Result struct {
	Job      Job
	OK       bool
	Err      error
	Written  int
	Skipped  int
	Deferred int
	Failed   int
}

type Config struct {
	ValidateChunks bool
	Seed           int64
	// Margin pads the footprint chunk set that is loaded, validated and
	// pinned, in chunks on every side.
	Margin int
	// DefaultPedestal maps a world type to its fallback filler.
	DefaultPedestal func(voxel.WorldType) voxel.Material
}

type Engine struct {
	cfg   Config
	world World
	loop  Scheduler
	res   *reservation.Registry
	log   *log.Logger

	wg       sync.WaitGroup
	inflight atomic.Int64
}

func New(cfg Config, world World, loop Scheduler, res *reservation.Registry, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if res == nil {
		res = reservation.NewRegistry(nil)
	}
	if cfg.DefaultPedestal == nil {
		cfg.DefaultPedestal = func(voxel.WorldType) voxel.Material { return voxel.Stone }
	}
	return &Engine{cfg: cfg, world: world, loop: loop, res: res, log: logger}
}

func (e *Engine) Inflight() int { return int(e.inflight.Load()) }

// Wait blocks until every started paste has completed.
func (e *Engine) Wait() { e.wg.Wait() }

// Paste starts the pipeline and returns at once. The completion callback
// fires once, unless ctx is cancelled or the loop stops before the copy
// starts.
func (e *Engine) Paste(ctx context.Context, job Job) {
	e.wg.Add(1)
	e.inflight.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inflight.Add(-1)
		e.run(ctx, job)
	}()
}

type prepared struct {
	res       *reservation.Reservation
	pedestals Pedestals
}

type payloadCell struct {
	pos     voxel.Vec3i
	m       voxel.Material
	payload string
}

func (e *Engine) run(ctx context.Context, job Job) {
	keys := job.Template.Chunks(job.Anchor, e.cfg.Margin)

	if err := e.loadAll(ctx, keys); err != nil {
		e.fail(job, fmt.Errorf("load chunks: %w", err))
		return
	}

	var prep *prepared
	var prepErr error
	ok := e.onLoop(ctx, func() {
		prep, prepErr = e.prepare(job, keys)
	})
	if !ok {
		// prepare may still run; drop whatever it pinned.
		e.loop.Post(func() {
			if prep != nil {
				prep.res.Release()
			}
		})
		e.log.Printf("warn: paste %s %s abandoned: %v", job.ID, job.Template.ID, ErrLoopStopped)
		return
	}
	if prepErr != nil {
		e.fail(job, prepErr)
		return
	}

	// Past this point the copy always runs to completion.
	res := Result{Job: job}
	deferred := e.copyCells(job, prep.pedestals, &res)

	e.loop.Post(func() {
		for _, c := range deferred {
			e.writeCell(job, c.pos, c.m, c.payload, &res)
		}
		prep.res.Release()
		res.OK = true
		e.complete(job, res)
	})
}

func (e *Engine) loadAll(ctx context.Context, keys []voxel.ChunkKey) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			if err := e.world.LoadChunk(gctx, k); err != nil {
				return fmt.Errorf("chunk %s: %w", k, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// onLoop runs fn on the loop and waits for it.
func (e *Engine) onLoop(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	if !e.loop.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-e.loop.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) prepare(job Job, keys []voxel.ChunkKey) (*prepared, error) {
	if e.cfg.ValidateChunks {
		for _, k := range keys {
			if st := e.world.ChunkState(k); st != voxel.ChunkFullyGenerated {
				return nil, fmt.Errorf("chunk %s is %s: %w", k, st, ErrChunksNotReady)
			}
		}
	}
	p := &prepared{res: e.res.Acquire(keys)}
	if job.PrePaste != nil {
		p.pedestals = job.PrePaste(job)
	} else {
		p.pedestals = SamplePedestals(e.world, job.Template, job.Anchor, job.Kind, e.cfg.DefaultPedestal(job.WorldType))
	}
	if p.pedestals.Fallback == voxel.Air {
		p.pedestals.Fallback = e.cfg.DefaultPedestal(job.WorldType)
	}
	return p, nil
}

// copyCells writes every plain cell and returns the payload cells, which
// must be written on the loop.
func (e *Engine) copyCells(job Job, ped Pedestals, res *Result) []payloadCell {
	t := job.Template
	base := t.MinCorner(job.Anchor)
	rng := rand.New(rand.NewSource(e.cfg.Seed ^ int64(voxel.Hash3(e.cfg.Seed, job.Anchor.X, job.Anchor.Y, job.Anchor.Z))))

	var deferred []payloadCell
	t.ForEach(func(local voxel.Vec3i, m voxel.Material) {
		pos := base.Add(local)
		switch {
		case m == voxel.Barrier:
			res.Skipped++
			return
		case m == voxel.Bedrock:
			if e.world.BlockAt(pos).Solid() {
				res.Skipped++
				return
			}
			exposed := local.Y+1 >= t.Size().Y || !t.At(local.X, local.Y+1, local.Z).Solid()
			weights := ped.Underground
			if exposed {
				weights = ped.Surface
			}
			m = WeightedPick(weights, rng, ped.Fallback)
		}
		if payload := t.Payload(local.X, local.Y, local.Z); payload != "" {
			deferred = append(deferred, payloadCell{pos: pos, m: m, payload: payload})
			res.Deferred++
			return
		}
		e.writeCell(job, pos, m, "", res)
	})
	return deferred
}

func (e *Engine) writeCell(job Job, pos voxel.Vec3i, m voxel.Material, payload string, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Failed++
			e.log.Printf("warn: paste %s %s: cell %s panicked: %v", job.ID, job.Template.ID, pos, r)
		}
	}()
	if err := e.world.SetBlock(pos, m, payload, false); err != nil {
		res.Failed++
		e.log.Printf("warn: paste %s %s: cell %s: %v", job.ID, job.Template.ID, pos, err)
		return
	}
	res.Written++
}

func (e *Engine) fail(job Job, err error) {
	e.log.Printf("warn: paste %s %s at %s failed: %v", job.ID, job.Template.ID, job.Anchor, err)
	e.loop.Post(func() {
		e.complete(job, Result{Job: job, Err: err})
	})
}

func (e *Engine) complete(job Job, res Result) {
	if job.OnComplete == nil {
		return
	}
	job.OnComplete(res)
}
