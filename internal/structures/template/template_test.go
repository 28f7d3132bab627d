package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"structforge.ai/internal/sim/voxel"
)

func lShape() *Template {
	return NewBuilder("l", voxel.Vec3i{X: 3, Y: 2, Z: 2}).
		Offset(voxel.Vec3i{X: -1, Y: -1, Z: 0}).
		Set(voxel.Vec3i{X: 0, Y: 0, Z: 0}, voxel.Stone).
		Set(voxel.Vec3i{X: 1, Y: 0, Z: 0}, voxel.Stone).
		Set(voxel.Vec3i{X: 2, Y: 0, Z: 0}, voxel.Stone).
		Set(voxel.Vec3i{X: 2, Y: 0, Z: 1}, voxel.Planks).
		Set(voxel.Vec3i{X: 0, Y: 1, Z: 0}, voxel.Chest).
		SetPayload(voxel.Vec3i{X: 0, Y: 1, Z: 0}, "loot:l").
		AddSpawn(SpawnMarker{Pos: voxel.Vec3i{X: 1, Y: 1, Z: 1}, Type: MobElite, ID: "guard"}).
		Build()
}

func worldCells(t *Template, anchor voxel.Vec3i) map[voxel.Vec3i]voxel.Material {
	out := map[voxel.Vec3i]voxel.Material{}
	base := t.MinCorner(anchor)
	t.ForEach(func(p voxel.Vec3i, m voxel.Material) {
		if m != voxel.Air {
			out[base.Add(p)] = m
		}
	})
	return out
}

func TestBuilderIndexesChests(t *testing.T) {
	tp := lShape()
	require.Equal(t, []voxel.Vec3i{{X: 0, Y: 1, Z: 0}}, tp.Chests())
	assert.Equal(t, "loot:l", tp.Payload(0, 1, 0))
	assert.Equal(t, voxel.Barrier, tp.At(5, 0, 0))
	assert.Equal(t, 12, tp.Volume())
}

func TestRotatedAroundAnchor(t *testing.T) {
	tp := lShape()
	anchor := voxel.Vec3i{X: 100, Y: 64, Z: -40}
	orig := worldCells(tp, anchor)

	for rot := 0; rot < 4; rot++ {
		r := tp.Rotated(rot)
		got := worldCells(r, anchor)
		require.Len(t, got, len(orig), "rot=%d", rot)
		for pos, m := range orig {
			rel := voxel.Vec3i{X: pos.X - anchor.X, Y: pos.Y - anchor.Y, Z: pos.Z - anchor.Z}
			want := anchor.Add(voxel.RotateVec(rel, rot))
			assert.Equal(t, m, got[want], "rot=%d cell %s", rot, pos)
		}
	}
}

func TestRotatedSwapsFootprint(t *testing.T) {
	r := lShape().Rotated(1)
	assert.Equal(t, voxel.Vec3i{X: 2, Y: 2, Z: 3}, r.Size())
	require.Len(t, r.Chests(), 1)
	c := r.Chests()[0]
	assert.Equal(t, "loot:l", r.Payload(c.X, c.Y, c.Z))
	assert.Same(t, r, r.Rotated(0))
}

func TestSpawnConfigs(t *testing.T) {
	cfgs := lShape().SpawnConfigs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, voxel.Vec3i{X: 0, Y: 1, Z: 1}, cfgs[0].Rel)
	assert.False(t, cfgs[0].ShouldRespawn())
	assert.True(t, SpawnConfig{Type: MobVanilla}.ShouldRespawn())
	assert.True(t, SpawnConfig{Type: MobMythic}.ShouldRespawn())
	assert.False(t, SpawnConfig{Type: MobEliteOverride}.ShouldRespawn())
}

const hutJSON = `{
  "id": "hut",
  "kind": "surface",
  "size": [3, 2, 3],
  "offset": [-1, 0, -1],
  "pedestal": "cobblestone",
  "palette": {"#": "planks", "B": "bedrock", "C": "chest"},
  "layers": [
    ["BBB", "BBB", "BBB"],
    ["#C#", "#.#", "# #"]
  ],
  "payloads": [{"pos": [1, 1, 0], "data": "loot:hut"}],
  "spawns": [{"pos": [1, 1, 1], "type": "vanilla", "id": "zombie"}]
}`

func TestParse(t *testing.T) {
	tp, err := Parse([]byte(hutJSON))
	require.NoError(t, err)
	assert.Equal(t, "hut", tp.ID)
	assert.Equal(t, voxel.KindSurface, tp.Kind)
	assert.Equal(t, voxel.Cobblestone, tp.Pedestal)
	assert.Equal(t, voxel.Bedrock, tp.At(0, 0, 0))
	assert.Equal(t, voxel.Barrier, tp.At(1, 1, 2))
	assert.Equal(t, voxel.Air, tp.At(1, 1, 1))
	assert.Equal(t, "loot:hut", tp.Payload(1, 1, 0))
	assert.Len(t, tp.Spawns(), 1)
}

func TestParseRejectsBadRows(t *testing.T) {
	_, err := Parse([]byte(`{"id":"x","size":[2,1,1],"layers":[["..."]]}`))
	require.Error(t, err)
	_, err = Parse([]byte(`{"id":"x","size":[1,1,1],"layers":[["?"]]}`))
	require.Error(t, err)
	_, err = Parse([]byte(`{"size":[1,1,1],"layers":[["."]]}`))
	require.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hut.json"), []byte(hutJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	c, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"hut"}, c.IDs())
	assert.Len(t, c.ByKind(voxel.KindSurface), 1)
	assert.Empty(t, c.ByKind(voxel.KindSky))
	assert.NotEmpty(t, c.Digest)

	empty, err := LoadDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, empty.ByID)
}

func TestChunksFootprint(t *testing.T) {
	box := NewBuilder("box", voxel.Vec3i{X: 5, Y: 5, Z: 5}).Build()
	assert.Len(t, box.Chunks(voxel.Vec3i{}, 0), 1)
	assert.Len(t, box.Chunks(voxel.Vec3i{}, 1), 9)
	assert.Len(t, box.Chunks(voxel.Vec3i{}, 2), 25)

	// Crossing a chunk border widens the set.
	edge := box.Chunks(voxel.Vec3i{X: 14, Z: -3}, 0)
	assert.ElementsMatch(t, []voxel.ChunkKey{
		voxel.KeyOf(0, -1), voxel.KeyOf(0, 0), voxel.KeyOf(1, -1), voxel.KeyOf(1, 0),
	}, edge)
}
