// Package terrainfit scores how well a template's footprint agrees with the
// terrain at a candidate anchor. Scoring only reads through a Sampler and is
// safe off the main loop as long as the sampled chunks stay loaded.
package terrainfit

import (
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/template"
)

type Sampler interface {
	BlockAt(p voxel.Vec3i) voxel.Material
}

type Mode uint8

const (
	ModeSurface Mode = iota
	ModeLiquid
	ModeAir
	ModeUnderground
)

func (m Mode) String() string {
	switch m {
	case ModeSurface:
		return "surface"
	case ModeLiquid:
		return "liquid"
	case ModeAir:
		return "air"
	case ModeUnderground:
		return "underground"
	}
	return "unknown"
}

func ModeFor(k voxel.StructureKind) Mode {
	switch k {
	case voxel.KindSky:
		return ModeAir
	case voxel.KindLiquidSurface:
		return ModeLiquid
	case voxel.KindUndergroundShallow, voxel.KindUndergroundDeep:
		return ModeUnderground
	}
	return ModeSurface
}

// maxHeightPenalty caps how much one column's height mismatch can cost.
const maxHeightPenalty = 4

// Score returns 0..100. Columns and layers are sampled every step cells,
// always including the last one on each axis.
func Score(t *template.Template, s Sampler, anchor voxel.Vec3i, mode Mode, step int) float64 {
	if t == nil || s == nil || t.Volume() == 0 {
		return 0
	}
	if step <= 0 {
		step = 1
	}
	base := t.MinCorner(anchor)
	size := t.Size()
	xs := sampleAxis(size.X, step)
	ys := sampleAxis(size.Y, step)
	zs := sampleAxis(size.Z, step)

	var agree, total int
	for _, lz := range zs {
		for _, lx := range xs {
			var a, n int
			if mode == ModeUnderground {
				a, n = envelopColumn(t, s, base, lx, lz, ys)
			} else {
				a, n = openColumn(t, s, base, lx, lz, ys, mode)
			}
			agree += a
			total += n
		}
	}
	if total == 0 {
		return 0
	}
	v := 100 * float64(agree) / float64(total)
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func sampleAxis(n, step int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, 0, n/step+2)
	for i := 0; i < n; i += step {
		out = append(out, i)
	}
	if out[len(out)-1] != n-1 {
		out = append(out, n-1)
	}
	return out
}

func placeable(m voxel.Material) bool { return m != voxel.Air && m != voxel.Barrier }

// bottomCell is the lowest placeable template y in the column, -1 if none.
func bottomCell(t *template.Template, lx, lz int) int {
	for y := 0; y < t.Size().Y; y++ {
		if placeable(t.At(lx, y, lz)) {
			return y
		}
	}
	return -1
}

func openColumn(t *template.Template, s Sampler, base voxel.Vec3i, lx, lz int, ys []int, mode Mode) (agree, total int) {
	wx, wz := base.X+lx, base.Z+lz
	yb := -1
	if mode != ModeAir {
		yb = bottomCell(t, lx, lz)
	}
	for _, ly := range ys {
		// The bottom face is judged by the floor and height checks below.
		switch m := t.At(lx, ly, lz); {
		case m == voxel.Air:
		case placeable(m) && ly != yb:
		default:
			continue
		}
		total++
		if s.BlockAt(voxel.Vec3i{X: wx, Y: base.Y + ly, Z: wz}).Ignorable() {
			agree++
		}
	}

	if yb < 0 {
		return agree, total
	}
	floorY := base.Y + yb - 1
	floor := s.BlockAt(voxel.Vec3i{X: wx, Y: floorY, Z: wz})
	total += 2
	switch mode {
	case ModeLiquid:
		if floor.Liquid() {
			agree += 2
		}
		return agree, total
	default:
		if floor.Solid() && !floor.Ignorable() {
			agree += 2
		}
	}

	// Height mismatch against the bottom face.
	ground := groundHeight(s, wx, wz, floorY)
	d := voxel.AbsInt(ground - floorY)
	if d > maxHeightPenalty {
		d = maxHeightPenalty
	}
	total += d
	return agree, total
}

// groundHeight finds the top solid block near y, searching a small window.
func groundHeight(s Sampler, x, z, y int) int {
	top := y + maxHeightPenalty
	for yy := top; yy >= y-maxHeightPenalty; yy-- {
		m := s.BlockAt(voxel.Vec3i{X: x, Y: yy, Z: z})
		if m.Solid() && !m.Ignorable() {
			return yy
		}
	}
	return y - maxHeightPenalty - 1
}

func envelopColumn(t *template.Template, s Sampler, base voxel.Vec3i, lx, lz int, ys []int) (agree, total int) {
	wx, wz := base.X+lx, base.Z+lz
	check := func(y int) {
		total++
		m := s.BlockAt(voxel.Vec3i{X: wx, Y: y, Z: wz})
		if m.Solid() && !m.Ignorable() {
			agree++
		}
	}
	check(base.Y - 1)
	for _, ly := range ys {
		check(base.Y + ly)
	}
	check(base.Y + t.Size().Y)
	return agree, total
}
