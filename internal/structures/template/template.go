// Package template holds immutable structure templates: a voxel grid with
// payload data, chest and spawn markers, and the anchor offset.
package template

import (
	"fmt"

	"structforge.ai/internal/sim/voxel"
)

// Template is read-only once built and safe to share between goroutines.
type Template struct {
	ID   string
	Kind voxel.StructureKind

	// Offset is the minimum corner relative to the paste anchor. A negative
	// Y buries the base.
	Offset voxel.Vec3i
	// Pedestal overrides the world default filler; Air means none.
	Pedestal voxel.Material
	Boss     bool

	size    voxel.Vec3i
	cells   []voxel.Material
	payload map[int]string
	chests  []voxel.Vec3i
	spawns  []SpawnMarker
}

func (t *Template) Size() voxel.Vec3i { return t.size }

func (t *Template) Volume() int { return t.size.X * t.size.Y * t.size.Z }

func (t *Template) index(x, y, z int) int {
	if x < 0 || y < 0 || z < 0 || x >= t.size.X || y >= t.size.Y || z >= t.size.Z {
		return -1
	}
	return (y*t.size.Z+z)*t.size.X + x
}

// At returns the cell at a template-local position; Barrier outside.
func (t *Template) At(x, y, z int) voxel.Material {
	i := t.index(x, y, z)
	if i < 0 {
		return voxel.Barrier
	}
	return t.cells[i]
}

func (t *Template) Payload(x, y, z int) string {
	i := t.index(x, y, z)
	if i < 0 {
		return ""
	}
	return t.payload[i]
}

// Chests are template-local chest positions.
func (t *Template) Chests() []voxel.Vec3i { return append([]voxel.Vec3i(nil), t.chests...) }

func (t *Template) Spawns() []SpawnMarker { return append([]SpawnMarker(nil), t.spawns...) }

// MinCorner is the world position of local (0,0,0) when pasted at anchor.
func (t *Template) MinCorner(anchor voxel.Vec3i) voxel.Vec3i { return anchor.Add(t.Offset) }

// ForEach visits every cell in y, z, x order.
func (t *Template) ForEach(fn func(local voxel.Vec3i, m voxel.Material)) {
	for y := 0; y < t.size.Y; y++ {
		for z := 0; z < t.size.Z; z++ {
			for x := 0; x < t.size.X; x++ {
				fn(voxel.Vec3i{X: x, Y: y, Z: z}, t.cells[(y*t.size.Z+z)*t.size.X+x])
			}
		}
	}
}

// Rotated returns the template turned rot quarter-turns clockwise around
// the Y axis. The grid is re-based so local coordinates stay non-negative,
// and the offset turns with it.
func (t *Template) Rotated(rot int) *Template {
	rot = voxel.NormalizeRotation(rot)
	if rot == 0 {
		return t
	}
	shiftX, shiftZ := t.rotationShift(rot)
	b := NewBuilder(t.ID, rotatedSize(t.size, rot))
	b.t.Kind = t.Kind
	b.t.Pedestal = t.Pedestal
	b.t.Boss = t.Boss

	turn := func(v voxel.Vec3i) voxel.Vec3i {
		r := voxel.RotateVec(v, rot)
		return voxel.Vec3i{X: r.X + shiftX, Y: r.Y, Z: r.Z + shiftZ}
	}
	t.ForEach(func(p voxel.Vec3i, m voxel.Material) {
		q := turn(p)
		b.Set(q, m)
		if s := t.Payload(p.X, p.Y, p.Z); s != "" {
			b.SetPayload(q, s)
		}
	})
	for _, sp := range t.spawns {
		sp.Pos = turn(sp.Pos)
		b.AddSpawn(sp)
	}

	// Rotation is around the anchor, so the offset turns and absorbs the
	// re-basing shift.
	off := voxel.RotateVec(t.Offset, rot)
	b.t.Offset = voxel.Vec3i{X: off.X - shiftX, Y: t.Offset.Y, Z: off.Z - shiftZ}
	return b.Build()
}

func rotatedSize(s voxel.Vec3i, rot int) voxel.Vec3i {
	if rot%2 == 1 {
		return voxel.Vec3i{X: s.Z, Y: s.Y, Z: s.X}
	}
	return s
}

// rotationShift is the translation that brings the rotated box back to a
// non-negative origin.
func (t *Template) rotationShift(rot int) (int, int) {
	minX, minZ := 0, 0
	for _, c := range [][2]int{{0, 0}, {t.size.X - 1, 0}, {0, t.size.Z - 1}, {t.size.X - 1, t.size.Z - 1}} {
		rx, rz := voxel.RotateXZ(c[0], c[1], rot)
		if rx < minX {
			minX = rx
		}
		if rz < minZ {
			minZ = rz
		}
	}
	return -minX, -minZ
}

func (t *Template) String() string {
	return fmt.Sprintf("%s(%dx%dx%d)", t.ID, t.size.X, t.size.Y, t.size.Z)
}

// Chunks lists the chunk keys touched by the footprint at anchor, padded by
// margin chunks on each side.
func (t *Template) Chunks(anchor voxel.Vec3i, margin int) []voxel.ChunkKey {
	if margin < 0 {
		margin = 0
	}
	base := t.MinCorner(anchor)
	minCX := voxel.FloorDiv(base.X, voxel.ChunkSize) - margin
	minCZ := voxel.FloorDiv(base.Z, voxel.ChunkSize) - margin
	maxCX := voxel.FloorDiv(base.X+t.size.X, voxel.ChunkSize) + margin
	maxCZ := voxel.FloorDiv(base.Z+t.size.Z, voxel.ChunkSize) + margin
	out := make([]voxel.ChunkKey, 0, (maxCX-minCX+1)*(maxCZ-minCZ+1))
	for cx := minCX; cx <= maxCX; cx++ {
		for cz := minCZ; cz <= maxCZ; cz++ {
			out = append(out, voxel.KeyOf(cx, cz))
		}
	}
	return out
}
