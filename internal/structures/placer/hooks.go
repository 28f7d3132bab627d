package placer

import (
	"fmt"
	"runtime/debug"
	"time"

	"structforge.ai/internal/persistence/indexdb"
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/template"
)

const (
	pedestalDepth   = 10
	treeClearHeight = 31
)

// Placement describes a structure that has just been pasted.
type Placement struct {
	ID        string
	World     string
	WorldType voxel.WorldType
	Template  *template.Template // rotated
	Anchor    voxel.Vec3i
	Rotation  int
	Kind      voxel.StructureKind
	Score     float64
	Written   int
	PlacedAt  time.Time
}

// Min and Max are the inclusive world bounds of the structure.
func (p Placement) Min() voxel.Vec3i { return p.Template.MinCorner(p.Anchor) }

func (p Placement) Max() voxel.Vec3i {
	return p.Min().Add(p.Template.Size()).Add(voxel.Vec3i{X: -1, Y: -1, Z: -1})
}

// HookWorld is the world surface available to post-paste hooks.
type HookWorld interface {
	BlockAt(p voxel.Vec3i) voxel.Material
	SetBlock(p voxel.Vec3i, m voxel.Material, payload string, physics bool) error
	IsChunkLoaded(key voxel.ChunkKey) bool
}

// Hook runs on the loop after a successful paste. A failing hook does not
// stop the ones after it.
type Hook struct {
	Name string
	Run  func(w HookWorld, p Placement) error
}

func (o *Orchestrator) runHooks(p Placement) {
	for _, h := range o.hooks {
		o.runHook(h, p)
	}
}

func (o *Orchestrator) runHook(h Hook, p Placement) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Printf("warn: hook %s on %s %s panicked: %v\n%s", h.Name, p.ID, p.Template.ID, r, debug.Stack())
		}
	}()
	if err := h.Run(o.world, p); err != nil {
		o.log.Printf("warn: hook %s on %s %s: %v", h.Name, p.ID, p.Template.ID, err)
	}
}

func loaded(w HookWorld, pos voxel.Vec3i) bool { return w.IsChunkLoaded(pos.Chunk()) }

// PedestalHook extends solid bottom cells down to the ground so the
// structure does not float. Sky and liquid structures are left alone.
func PedestalHook(fallback func(voxel.WorldType) voxel.Material) Hook {
	return Hook{Name: "pedestal", Run: func(w HookWorld, p Placement) error {
		if p.Kind == voxel.KindSky || p.Kind == voxel.KindLiquidSurface {
			return nil
		}
		fill := p.Template.Pedestal
		if fill == voxel.Air && fallback != nil {
			fill = fallback(p.WorldType)
		}
		if fill == voxel.Air {
			fill = voxel.Stone
		}
		base := p.Min()
		size := p.Template.Size()
		var failed int
		for x := 0; x < size.X; x++ {
			for z := 0; z < size.Z; z++ {
				top := base.Add(voxel.Vec3i{X: x, Z: z})
				if !loaded(w, top) || !w.BlockAt(top).Solid() {
					continue
				}
				for dy := 1; dy <= pedestalDepth; dy++ {
					pos := top.Add(voxel.Vec3i{Y: -dy})
					if !w.BlockAt(pos).Ignorable() {
						break
					}
					if err := w.SetBlock(pos, fill, "", false); err != nil {
						failed++
						break
					}
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d pedestal columns incomplete", failed)
		}
		return nil
	}}
}

// ClearTreesHook removes logs, leaves and plants standing on the roof of a
// surface structure.
func ClearTreesHook() Hook {
	return Hook{Name: "clear_trees", Run: func(w HookWorld, p Placement) error {
		if p.Kind != voxel.KindSurface {
			return nil
		}
		lo, hi := p.Min(), p.Max()
		var failed int
		for x := lo.X; x <= hi.X; x++ {
			for z := lo.Z; z <= hi.Z; z++ {
				if !loaded(w, voxel.Vec3i{X: x, Z: z}) {
					continue
				}
				for y := hi.Y + 1; y <= hi.Y+treeClearHeight; y++ {
					pos := voxel.Vec3i{X: x, Y: y, Z: z}
					m := w.BlockAt(pos)
					if !m.Ignorable() || m.IsAir() || m.Liquid() {
						continue
					}
					if err := w.SetBlock(pos, voxel.Air, "", false); err != nil {
						failed++
					}
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d tree blocks not cleared", failed)
		}
		return nil
	}}
}

// LootRoller fills a placed chest.
type LootRoller interface {
	RollLoot(p Placement, chest voxel.Vec3i, marker string) error
}

type chestReader interface {
	PayloadAt(p voxel.Vec3i) string
}

// LootHook asks the roller to fill every chest of the structure.
func LootHook(roller LootRoller) Hook {
	return Hook{Name: "loot", Run: func(w HookWorld, p Placement) error {
		base := p.Min()
		var errs int
		for _, c := range p.Template.Chests() {
			pos := base.Add(c)
			if !loaded(w, pos) {
				continue
			}
			marker := p.Template.Payload(c.X, c.Y, c.Z)
			if cr, ok := w.(chestReader); ok {
				if live := cr.PayloadAt(pos); live != "" {
					marker = live
				}
			}
			if err := roller.RollLoot(p, pos, marker); err != nil {
				errs++
			}
		}
		if errs > 0 {
			return fmt.Errorf("%d chests not filled", errs)
		}
		return nil
	}}
}

// Spawner creates one mob and returns a handle for it.
type Spawner interface {
	Spawn(world string, pos voxel.Vec3i, cfg template.SpawnConfig) (actor string, err error)
}

// SpawnRegistrar is the mob tracking side; it receives the handles of the
// mobs spawned for a structure, paired by index with their configs.
type SpawnRegistrar interface {
	RegisterSpawn(structureID string, actors []string, cfgs []template.SpawnConfig)
}

// SpawnHook spawns the template's mobs and registers them. Mobs in chunks
// that are no longer loaded get an empty handle.
func SpawnHook(sp Spawner, reg SpawnRegistrar) Hook {
	return Hook{Name: "spawns", Run: func(w HookWorld, p Placement) error {
		cfgs := p.Template.SpawnConfigs()
		if len(cfgs) == 0 {
			return nil
		}
		actors := make([]string, len(cfgs))
		var errs int
		for i, c := range cfgs {
			pos := p.Anchor.Add(c.Rel)
			if !loaded(w, pos) {
				continue
			}
			a, err := sp.Spawn(p.World, pos, c)
			if err != nil {
				errs++
				continue
			}
			actors[i] = a
		}
		if reg != nil {
			reg.RegisterSpawn(p.ID, actors, cfgs)
		}
		if errs > 0 {
			return fmt.Errorf("%d of %d mobs failed to spawn", errs, len(cfgs))
		}
		return nil
	}}
}

// Recorder stores placed structure records.
type Recorder interface {
	RecordStructure(r indexdb.StructureRecord)
}

func RecordHook(rec Recorder) Hook {
	return Hook{Name: "record", Run: func(_ HookWorld, p Placement) error {
		rec.RecordStructure(StructureRecord(p))
		return nil
	}}
}

// StructureRecord converts a placement into its index row.
func StructureRecord(p Placement) indexdb.StructureRecord {
	mn, mx := p.Min(), p.Max()
	return indexdb.StructureRecord{
		ID:       p.ID,
		World:    p.World,
		Template: p.Template.ID,
		Kind:     p.Kind.String(),
		Rotation: p.Rotation,
		Anchor:   vec(p.Anchor),
		Min:      vec(mn),
		Max:      vec(mx),
		Score:    p.Score,
		Boss:     p.Template.Boss,
		PlacedAt: p.PlacedAt,
	}
}

// AnnounceHook tells observers about a new structure.
func AnnounceHook(announce func(Placement)) Hook {
	return Hook{Name: "announce", Run: func(_ HookWorld, p Placement) error {
		announce(p)
		return nil
	}}
}

// DefaultHooks is the standard chain in the order it runs.
func DefaultHooks(fallback func(voxel.WorldType) voxel.Material, rec Recorder, roller LootRoller, sp Spawner, reg SpawnRegistrar, announce func(Placement)) []Hook {
	hooks := []Hook{PedestalHook(fallback), ClearTreesHook()}
	if rec != nil {
		hooks = append(hooks, RecordHook(rec))
	}
	if roller != nil {
		hooks = append(hooks, LootHook(roller))
	}
	if sp != nil {
		hooks = append(hooks, SpawnHook(sp, reg))
	}
	if announce != nil {
		hooks = append(hooks, AnnounceHook(announce))
	}
	return hooks
}
