package commands

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/google/uuid"

	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/placer"
	"structforge.ai/internal/structures/template"
	"structforge.ai/internal/transport/observer"
)

// chestStamper stands in for a loot service: it tags every placed chest
// with a deterministic loot table reference that a game server can resolve
// when the chest is first opened.
type chestStamper struct {
	world interface {
		SetBlock(p voxel.Vec3i, m voxel.Material, payload string, physics bool) error
	}
	seed int64
}

func (c chestStamper) RollLoot(p placer.Placement, chest voxel.Vec3i, marker string) error {
	if marker == "" {
		marker = "loot:" + p.Template.ID
	}
	roll := voxel.Hash3(c.seed, chest.X, chest.Y, chest.Z)
	return c.world.SetBlock(chest, voxel.Chest, fmt.Sprintf("%s#%016x", marker, roll), false)
}

// handleSpawner hands out actor handles for template mobs. The mobs
// themselves are materialized by whoever consumes the spawn records.
type handleSpawner struct {
	log     *log.Logger
	spawned atomic.Int64
}

func (h *handleSpawner) Spawn(world string, pos voxel.Vec3i, cfg template.SpawnConfig) (string, error) {
	if cfg.ID == "" {
		return "", fmt.Errorf("spawn at %s: empty mob id", pos)
	}
	h.spawned.Add(1)
	actor := "mob-" + uuid.NewString()
	if h.log != nil {
		h.log.Printf("spawn %s %s/%s at %s in %s", actor, cfg.Type, cfg.ID, pos, world)
	}
	return actor, nil
}

func structureMsg(p placer.Placement) observer.StructureMsg {
	return observer.StructureMsg{
		Type:     "STRUCTURE",
		ID:       p.ID,
		World:    p.World,
		Template: p.Template.ID,
		Kind:     p.Kind.String(),
		Anchor:   [3]int{p.Anchor.X, p.Anchor.Y, p.Anchor.Z},
		Rotation: p.Rotation,
		Boss:     p.Template.Boss,
		PlacedAt: p.PlacedAt,
	}
}
