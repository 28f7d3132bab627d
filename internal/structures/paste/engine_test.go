package paste

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"structforge.ai/internal/sim/mainloop"
	"structforge.ai/internal/sim/terrain"
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/reservation"
	"structforge.ai/internal/structures/template"
)

func TestWeightedPickRatio(t *testing.T) {
	w := map[voxel.Material]int{voxel.Stone: 1, voxel.Dirt: 3}
	rng := rand.New(rand.NewSource(42))
	counts := map[voxel.Material]int{}
	for i := 0; i < 10000; i++ {
		counts[WeightedPick(w, rng, voxel.Obsidian)]++
	}
	require.Zero(t, counts[voxel.Obsidian])
	ratio := float64(counts[voxel.Dirt]) / float64(counts[voxel.Stone])
	assert.InDelta(t, 3.0, ratio, 0.3)
}

func TestWeightedPickDeterministic(t *testing.T) {
	w := map[voxel.Material]int{voxel.Stone: 2, voxel.Dirt: 5, voxel.Gravel: 1}
	a := rand.New(rand.NewSource(7))
	b := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		require.Equal(t, WeightedPick(w, a, voxel.Air), WeightedPick(w, b, voxel.Air))
	}
}

func TestWeightedPickFallback(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, voxel.Netherrack, WeightedPick(nil, rng, voxel.Netherrack))
	assert.Equal(t, voxel.EndStone, WeightedPick(map[voxel.Material]int{}, rng, voxel.EndStone))
	assert.Equal(t, voxel.Stone, WeightedPick(map[voxel.Material]int{voxel.Dirt: 0}, rng, voxel.Stone))
}

func startLoop(t *testing.T) *mainloop.Loop {
	t.Helper()
	l := mainloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(cancel)
	return l
}

// shrine is 3x3x3: a placeholder floor, a chest in the middle of an open
// layer with one barrier corner, and a plank roof.
func shrine() *template.Template {
	return template.NewBuilder("shrine", voxel.Vec3i{X: 3, Y: 3, Z: 3}).
		Pedestal(voxel.Cobblestone).
		Fill(voxel.Vec3i{}, voxel.Vec3i{X: 2, Y: 0, Z: 2}, voxel.Bedrock).
		Set(voxel.Vec3i{X: 1, Y: 1, Z: 1}, voxel.Chest).
		SetPayload(voxel.Vec3i{X: 1, Y: 1, Z: 1}, "loot:shrine").
		Set(voxel.Vec3i{X: 0, Y: 1, Z: 0}, voxel.Barrier).
		Fill(voxel.Vec3i{X: 0, Y: 2, Z: 0}, voxel.Vec3i{X: 2, Y: 2, Z: 2}, voxel.Planks).
		Build()
}

func TestPasteIntoTerrain(t *testing.T) {
	store := terrain.New(terrain.Config{Seed: 1, Type: voxel.WorldEnd, MinY: 0, MaxY: 256}, nil)
	t.Cleanup(store.Close)
	loop := startLoop(t)
	res := reservation.NewRegistry(store)
	eng := New(Config{ValidateChunks: true, Seed: 3}, store, loop, res, nil)

	anchor := voxel.Vec3i{X: 640, Y: 100, Z: 640} // void, far from the island
	require.NoError(t, store.LoadChunk(context.Background(), voxel.KeyOf(40, 40)))
	require.NoError(t, store.SetBlock(anchor.Add(voxel.Vec3i{X: 2, Z: 2}), voxel.Stone, "", false))

	got := make(chan Result, 1)
	eng.Paste(context.Background(), Job{
		ID: "p1", Template: shrine(), Anchor: anchor, Kind: voxel.KindSurface, WorldType: voxel.WorldEnd,
		OnComplete: func(r Result) { got <- r },
	})

	var r Result
	select {
	case r = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("paste did not complete")
	}
	require.True(t, r.OK, "err=%v", r.Err)
	eng.Wait()

	assert.Equal(t, 0, r.Failed)
	assert.Equal(t, 1, r.Deferred)
	// Barrier plus the placeholder over existing stone.
	assert.Equal(t, 2, r.Skipped)

	at := func(x, y, z int) voxel.Material { return store.BlockAt(anchor.Add(voxel.Vec3i{X: x, Y: y, Z: z})) }
	assert.Equal(t, voxel.Chest, at(1, 1, 1))
	assert.Equal(t, "loot:shrine", store.PayloadAt(anchor.Add(voxel.Vec3i{X: 1, Y: 1, Z: 1})))
	assert.Equal(t, voxel.Air, at(0, 1, 0))
	assert.Equal(t, voxel.Planks, at(2, 2, 2))
	assert.Equal(t, voxel.Stone, at(2, 0, 2))
	// Exposed placeholder: surface sample found the stone.
	assert.Equal(t, voxel.Stone, at(0, 0, 1))
	// Under the chest nothing was sampled, so the template pedestal wins.
	assert.Equal(t, voxel.Cobblestone, at(1, 0, 1))

	assert.Equal(t, 0, res.Pinned())
	assert.Equal(t, 0, store.KeepAlive(voxel.KeyOf(40, 40)))
}

type mapWorld struct {
	mu      sync.Mutex
	state   voxel.ChunkState
	loadErr error
	blocks  map[voxel.Vec3i]voxel.Material
	failAt  map[voxel.Vec3i]bool
	panicAt map[voxel.Vec3i]bool
	// incomplete chunks report ChunkLoadedIncomplete whatever state says.
	incomplete map[voxel.ChunkKey]bool
	loads      map[voxel.ChunkKey]int
}

func newMapWorld() *mapWorld {
	return &mapWorld{
		state:   voxel.ChunkFullyGenerated,
		blocks:  map[voxel.Vec3i]voxel.Material{},
		failAt:  map[voxel.Vec3i]bool{},
		panicAt: map[voxel.Vec3i]bool{},

		incomplete: map[voxel.ChunkKey]bool{},
		loads:      map[voxel.ChunkKey]int{},
	}
}

func (w *mapWorld) ChunkState(k voxel.ChunkKey) voxel.ChunkState {
	if w.incomplete[k] {
		return voxel.ChunkLoadedIncomplete
	}
	return w.state
}

func (w *mapWorld) LoadChunk(_ context.Context, k voxel.ChunkKey) error {
	w.mu.Lock()
	w.loads[k]++
	w.mu.Unlock()
	return w.loadErr
}

func (w *mapWorld) BlockAt(p voxel.Vec3i) voxel.Material {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blocks[p]
}

func (w *mapWorld) SetBlock(p voxel.Vec3i, m voxel.Material, _ string, _ bool) error {
	if w.panicAt[p] {
		panic("boom")
	}
	if w.failAt[p] {
		return errors.New("write refused")
	}
	w.mu.Lock()
	w.blocks[p] = m
	w.mu.Unlock()
	return nil
}

func pasteAndWait(t *testing.T, eng *Engine, job Job) Result {
	t.Helper()
	got := make(chan Result, 1)
	job.OnComplete = func(r Result) { got <- r }
	eng.Paste(context.Background(), job)
	select {
	case r := <-got:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
	return Result{}
}

func cube() *template.Template {
	return template.NewBuilder("cube", voxel.Vec3i{X: 2, Y: 2, Z: 2}).
		Fill(voxel.Vec3i{}, voxel.Vec3i{X: 1, Y: 1, Z: 1}, voxel.Stone).
		Build()
}

func TestPasteValidationFailure(t *testing.T) {
	w := newMapWorld()
	w.state = voxel.ChunkLoadedIncomplete
	res := reservation.NewRegistry(nil)
	eng := New(Config{ValidateChunks: true}, w, startLoop(t), res, nil)

	r := pasteAndWait(t, eng, Job{ID: "v", Template: cube()})
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, ErrChunksNotReady)
	assert.Empty(t, w.blocks)
	assert.Equal(t, 0, res.Pinned())
}

func TestPasteWithoutValidationIgnoresState(t *testing.T) {
	w := newMapWorld()
	w.state = voxel.ChunkLoadedIncomplete
	eng := New(Config{}, w, startLoop(t), nil, nil)

	r := pasteAndWait(t, eng, Job{ID: "nv", Template: cube()})
	assert.True(t, r.OK)
	assert.Equal(t, 8, r.Written)
}

func TestPasteLoadFailure(t *testing.T) {
	w := newMapWorld()
	w.loadErr = errors.New("disk gone")
	eng := New(Config{}, w, startLoop(t), nil, nil)

	r := pasteAndWait(t, eng, Job{ID: "l", Template: cube()})
	assert.False(t, r.OK)
	assert.ErrorContains(t, r.Err, "disk gone")
}

type countingPins struct {
	mu   sync.Mutex
	pins map[voxel.ChunkKey]int
	max  int
}

func (c *countingPins) AddKeepAlive(k voxel.ChunkKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[k]++
	n := 0
	for _, v := range c.pins {
		if v > 0 {
			n++
		}
	}
	if n > c.max {
		c.max = n
	}
}

func (c *countingPins) RemoveKeepAlive(k voxel.ChunkKey) {
	c.mu.Lock()
	c.pins[k]--
	c.mu.Unlock()
}

func TestPasteCoversChunkMargin(t *testing.T) {
	w := newMapWorld()
	pins := &countingPins{pins: map[voxel.ChunkKey]int{}}
	res := reservation.NewRegistry(pins)
	eng := New(Config{ValidateChunks: true, Margin: 1}, w, startLoop(t), res, nil)

	r := pasteAndWait(t, eng, Job{ID: "m", Template: cube()})
	require.True(t, r.OK, "err=%v", r.Err)
	eng.Wait()
	assert.Len(t, w.loads, 9)
	assert.Equal(t, 1, w.loads[voxel.KeyOf(-1, -1)])
	assert.Equal(t, 9, pins.max)
	assert.Equal(t, 0, res.Pinned())

	// A neighbour outside the footprint but inside the margin must be
	// fully generated before anything is written.
	w2 := newMapWorld()
	w2.incomplete[voxel.KeyOf(1, 0)] = true
	eng2 := New(Config{ValidateChunks: true, Margin: 1}, w2, startLoop(t), nil, nil)
	r = pasteAndWait(t, eng2, Job{ID: "m2", Template: cube()})
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, ErrChunksNotReady)
	assert.Empty(t, w2.blocks)
}

func TestPasteCellFailuresIsolated(t *testing.T) {
	w := newMapWorld()
	w.failAt[voxel.Vec3i{X: 0, Y: 0, Z: 0}] = true
	w.panicAt[voxel.Vec3i{X: 1, Y: 1, Z: 1}] = true
	eng := New(Config{}, w, startLoop(t), nil, nil)

	r := pasteAndWait(t, eng, Job{ID: "c", Template: cube()})
	assert.True(t, r.OK)
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, 6, r.Written)
	assert.Len(t, w.blocks, 6)
}

func TestPrePasteHookOverridesSampling(t *testing.T) {
	w := newMapWorld()
	eng := New(Config{}, w, startLoop(t), nil, nil)
	tp := template.NewBuilder("slab", voxel.Vec3i{X: 2, Y: 1, Z: 1}).
		Fill(voxel.Vec3i{}, voxel.Vec3i{X: 1}, voxel.Bedrock).
		Build()

	called := 0
	r := pasteAndWait(t, eng, Job{ID: "h", Template: tp, PrePaste: func(Job) Pedestals {
		called++
		return Pedestals{Surface: map[voxel.Material]int{voxel.Gravel: 1}}
	}})
	require.True(t, r.OK)
	assert.Equal(t, 1, called)
	assert.Equal(t, voxel.Gravel, w.blocks[voxel.Vec3i{}])
	assert.Equal(t, voxel.Gravel, w.blocks[voxel.Vec3i{X: 1}])
}

func TestSamplePedestalsSkipsSky(t *testing.T) {
	w := newMapWorld()
	w.blocks[voxel.Vec3i{}] = voxel.Stone
	p := SamplePedestals(w, cube(), voxel.Vec3i{}, voxel.KindSky, voxel.EndStone)
	assert.Empty(t, p.Surface)
	assert.Empty(t, p.Underground)
	assert.Equal(t, voxel.EndStone, p.Fallback)
}
