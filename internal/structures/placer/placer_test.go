package placer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plog "structforge.ai/internal/persistence/log"
	"structforge.ai/internal/sim/mainloop"
	"structforge.ai/internal/sim/tuning"
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/readiness"
	"structforge.ai/internal/structures/reservation"
	"structforge.ai/internal/structures/search"
	"structforge.ai/internal/structures/template"
)

// flatWorld is stone below ground and air above, with per-chunk states and
// an overlay of written blocks.
type flatWorld struct {
	ground int

	mu        sync.Mutex
	states    map[voxel.ChunkKey]voxel.ChunkState
	blocks    map[voxel.Vec3i]voxel.Material
	requested map[voxel.ChunkKey]int
	pins      map[voxel.ChunkKey]int
}

func newFlatWorld(ground int) *flatWorld {
	return &flatWorld{
		ground:    ground,
		states:    map[voxel.ChunkKey]voxel.ChunkState{},
		blocks:    map[voxel.Vec3i]voxel.Material{},
		requested: map[voxel.ChunkKey]int{},
		pins:      map[voxel.ChunkKey]int{},
	}
}

func (w *flatWorld) generateAround(cx, cz, r int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for x := cx - r; x <= cx+r; x++ {
		for z := cz - r; z <= cz+r; z++ {
			w.states[voxel.KeyOf(x, z)] = voxel.ChunkFullyGenerated
		}
	}
}

func (w *flatWorld) setState(k voxel.ChunkKey, s voxel.ChunkState) {
	w.mu.Lock()
	w.states[k] = s
	w.mu.Unlock()
}

func (w *flatWorld) ChunkState(k voxel.ChunkKey) voxel.ChunkState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[k]
}

func (w *flatWorld) IsChunkLoaded(k voxel.ChunkKey) bool {
	return w.ChunkState(k) != voxel.ChunkNotLoaded
}

func (w *flatWorld) RequestGeneration(k voxel.ChunkKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requested[k]++
	if w.states[k] == voxel.ChunkNotLoaded {
		w.states[k] = voxel.ChunkLoadedIncomplete
	}
}

func (w *flatWorld) LoadChunk(context.Context, voxel.ChunkKey) error { return nil }

func (w *flatWorld) AddKeepAlive(k voxel.ChunkKey) {
	w.mu.Lock()
	w.pins[k]++
	w.mu.Unlock()
}

func (w *flatWorld) RemoveKeepAlive(k voxel.ChunkKey) {
	w.mu.Lock()
	w.pins[k]--
	w.mu.Unlock()
}

func (w *flatWorld) BlockAt(p voxel.Vec3i) voxel.Material {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.blocks[p]; ok {
		return m
	}
	if p.Y < w.ground {
		return voxel.Stone
	}
	return voxel.Air
}

func (w *flatWorld) SetBlock(p voxel.Vec3i, m voxel.Material, _ string, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocks[p] = m
	return nil
}

func (w *flatWorld) HighestBlockY(x, z int) int {
	for y := 320; y >= -64; y-- {
		if !w.BlockAt(voxel.Vec3i{X: x, Y: y, Z: z}).IsAir() {
			return y
		}
	}
	return -65
}

type memEvents struct {
	mu  sync.Mutex
	evs []plog.PlacementEvent
}

func (m *memEvents) Log(ev plog.PlacementEvent) error {
	m.mu.Lock()
	m.evs = append(m.evs, ev)
	m.mu.Unlock()
	return nil
}

func (m *memEvents) types() []plog.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]plog.EventType, 0, len(m.evs))
	for _, ev := range m.evs {
		out = append(out, ev.Type)
	}
	return out
}

// hut is a 5x5x5 box with a plank floor, centered on its anchor.
func hut() *template.Template {
	return template.NewBuilder("hut", voxel.Vec3i{X: 5, Y: 5, Z: 5}).
		Offset(voxel.Vec3i{X: -2, Z: -2}).
		Fill(voxel.Vec3i{}, voxel.Vec3i{X: 4, Y: 0, Z: 4}, voxel.Planks).
		Build()
}

func startLoop(t *testing.T) *mainloop.Loop {
	t.Helper()
	l := mainloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(cancel)
	return l
}

func testTuning(maxPending int) tuning.Tuning {
	tu := tuning.Defaults()
	tu.ChunkMargin = 2
	tu.Queue.MaxPending = maxPending
	tu.Queue.LateCheckMs = 10
	return tu
}

type fixture struct {
	world  *flatWorld
	loop   *mainloop.Loop
	res    *reservation.Registry
	events *memEvents
	o      *Orchestrator
}

func newFixture(t *testing.T, maxPending int, hooks ...Hook) *fixture {
	t.Helper()
	f := &fixture{world: newFlatWorld(64), loop: startLoop(t), events: &memEvents{}}
	f.res = reservation.NewRegistry(f.world)
	f.o = New(Config{WorldName: "overworld", WorldType: voxel.WorldNormal, Tuning: testTuning(maxPending), Seed: 11}, Deps{
		World:        f.world,
		Loop:         f.loop,
		Reservations: f.res,
		Hooks:        hooks,
		Events:       f.events,
	})
	t.Cleanup(f.o.Close)
	return f
}

// The hut at (8, *, 8) fits inside chunk (0,0); with a margin of two it
// needs the 25 chunks around it.
var hint = voxel.Vec3i{X: 8, Z: 8}

func collect(t *testing.T) (func(Completion), func() Completion) {
	ch := make(chan Completion, 1)
	return func(c Completion) { ch <- c }, func() Completion {
		t.Helper()
		select {
		case c := <-ch:
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("no completion")
		}
		return Completion{}
	}
}

func TestFindAndPlaceAllChunksReady(t *testing.T) {
	f := newFixture(t, 100)
	f.world.generateAround(0, 0, 2)

	cb, wait := collect(t)
	out, err := f.o.FindAndPlace(hut(), hint, voxel.KindSurface, cb)
	require.NoError(t, err)
	assert.Equal(t, readiness.PastedImmediately, out)
	assert.Equal(t, 0, f.o.Coordinator().Size())

	c := wait()
	require.True(t, c.OK, "err=%v", c.Err)
	assert.Equal(t, voxel.Vec3i{X: 8, Y: 64, Z: 8}, c.Anchor)
	assert.Equal(t, 125, c.Written)
	assert.Equal(t, voxel.Planks, f.world.BlockAt(voxel.Vec3i{X: 6, Y: 64, Z: 6}))
	assert.Equal(t, 0, f.o.Coordinator().Size())
	assert.Equal(t, 0, f.res.Pinned())
	assert.Equal(t, []plog.EventType{plog.EventPlaced}, f.events.types())
}

func TestFindAndPlaceWaitsForMissingChunk(t *testing.T) {
	f := newFixture(t, 100)
	f.world.generateAround(0, 0, 2)
	missing := voxel.KeyOf(2, -1)
	f.world.setState(missing, voxel.ChunkLoadedIncomplete)

	cb, wait := collect(t)
	out, err := f.o.FindAndPlace(hut(), hint, voxel.KindSurface, cb)
	require.NoError(t, err)
	assert.Equal(t, readiness.Enqueued, out)
	assert.Equal(t, 1, f.o.Coordinator().Size())
	assert.Equal(t, 1, f.o.Coordinator().Waiting(missing))
	require.Eventually(t, func() bool { return f.res.Pinned() == 25 }, 2*time.Second, 5*time.Millisecond)

	f.world.setState(missing, voxel.ChunkFullyGenerated)
	f.o.OnChunkReady(missing)
	assert.Equal(t, 0, f.o.Coordinator().Size())

	c := wait()
	require.True(t, c.OK, "err=%v", c.Err)
	require.Eventually(t, func() bool { return f.res.Pinned() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []plog.EventType{plog.EventQueued, plog.EventPlaced}, f.events.types())

	// A repeated notification is a no-op.
	f.o.OnChunkReady(missing)
	assert.Equal(t, 0, f.o.Coordinator().Size())
}

func TestFindAndPlaceRejectedWhenQueueFull(t *testing.T) {
	f := newFixture(t, 1)
	f.world.generateAround(0, 0, 2)
	f.world.setState(voxel.KeyOf(-2, -2), voxel.ChunkLoadedIncomplete)

	out, err := f.o.FindAndPlace(hut(), hint, voxel.KindSurface, func(Completion) {})
	require.NoError(t, err)
	require.Equal(t, readiness.Enqueued, out)
	require.Equal(t, 1, f.o.Coordinator().Size())

	called := make(chan struct{}, 1)
	out, err = f.o.FindAndPlace(hut(), hint, voxel.KindSurface, func(Completion) { called <- struct{}{} })
	assert.Equal(t, readiness.Rejected, out)
	assert.ErrorIs(t, err, readiness.ErrQueueFull)
	assert.Equal(t, 1, f.o.Coordinator().Size())
	assert.Contains(t, f.events.types(), plog.EventRejected)

	select {
	case <-called:
		t.Fatal("rejected placement must not call back")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFindAndPlaceUnsuitableTerrain(t *testing.T) {
	f := newFixture(t, 100)
	f.world.generateAround(0, 0, 2)

	// No solid span anywhere in the deep range.
	f.world.ground = -100
	out, err := f.o.FindAndPlace(hut(), hint, voxel.KindUndergroundDeep, func(Completion) {
		t.Error("unsuitable placement must not call back")
	})
	assert.Equal(t, readiness.Rejected, out)
	assert.ErrorIs(t, err, ErrUnsuitable)
	assert.ErrorIs(t, err, search.ErrNoSpan)
	assert.Equal(t, []plog.EventType{plog.EventUnsuitable}, f.events.types())
}

func TestFindAndPlaceTimesOut(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := &fixture{world: newFlatWorld(64), loop: startLoop(t), events: &memEvents{}}
	f.res = reservation.NewRegistry(f.world)
	f.o = New(Config{WorldName: "overworld", Tuning: testTuning(100), Seed: 11}, Deps{
		World:        f.world,
		Loop:         f.loop,
		Reservations: f.res,
		Events:       f.events,
		Now:          clock,
	})
	t.Cleanup(f.o.Close)
	f.world.generateAround(0, 0, 1)

	cb, wait := collect(t)
	out, err := f.o.FindAndPlace(hut(), hint, voxel.KindSurface, cb)
	require.NoError(t, err)
	require.Equal(t, readiness.Enqueued, out)

	mu.Lock()
	now = now.Add(59 * time.Second)
	mu.Unlock()
	assert.Equal(t, 0, f.o.Coordinator().SweepTimeouts())

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	assert.Equal(t, 1, f.o.Coordinator().SweepTimeouts())
	assert.Equal(t, 0, f.o.Coordinator().Size())

	c := wait()
	assert.False(t, c.OK)
	assert.True(t, errors.Is(c.Err, ErrTimedOut))
	require.Eventually(t, func() bool { return f.res.Pinned() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []plog.EventType{plog.EventQueued, plog.EventTimedOut}, f.events.types())
}

func TestHookFailuresAreIsolated(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	mark := func(name string) {
		mu.Lock()
		ran = append(ran, name)
		mu.Unlock()
	}
	f := newFixture(t, 100,
		Hook{Name: "boom", Run: func(HookWorld, Placement) error { mark("boom"); panic("kaboom") }},
		Hook{Name: "err", Run: func(HookWorld, Placement) error { mark("err"); return errors.New("nope") }},
		Hook{Name: "ok", Run: func(HookWorld, Placement) error { mark("ok"); return nil }},
	)
	f.world.generateAround(0, 0, 2)

	cb, wait := collect(t)
	_, err := f.o.FindAndPlace(hut(), hint, voxel.KindSurface, cb)
	require.NoError(t, err)
	c := wait()
	require.True(t, c.OK)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"boom", "err", "ok"}, ran)
}

func TestRotationIsSeeded(t *testing.T) {
	f := newFixture(t, 100)
	f.world.generateAround(0, 0, 2)
	want := int(voxel.Hash2(11, hint.X, hint.Z)&3) * 90

	cb, wait := collect(t)
	_, err := f.o.FindAndPlace(hut(), hint, voxel.KindSurface, cb)
	require.NoError(t, err)
	assert.Equal(t, want, wait().Rotation)
}
