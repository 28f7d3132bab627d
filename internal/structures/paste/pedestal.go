package paste

import (
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/template"
)

const surfaceScanDepth = 20

// Pedestals are material weights sampled from the terrain around a
// footprint, split by whether the pedestal cell is exposed.
type Pedestals struct {
	Surface     map[voxel.Material]int
	Underground map[voxel.Material]int
	// Fallback applies when the relevant map is empty.
	Fallback voxel.Material
}

type Sampler interface {
	BlockAt(p voxel.Vec3i) voxel.Material
}

// SamplePedestals gathers pedestal weights for t at anchor. Sky structures
// get no samples.
func SamplePedestals(s Sampler, t *template.Template, anchor voxel.Vec3i, kind voxel.StructureKind, fallback voxel.Material) Pedestals {
	p := Pedestals{
		Surface:     map[voxel.Material]int{},
		Underground: map[voxel.Material]int{},
		Fallback:    fallback,
	}
	if t.Pedestal != voxel.Air {
		p.Fallback = t.Pedestal
	}
	if kind == voxel.KindSky {
		return p
	}
	base := t.MinCorner(anchor)
	size := t.Size()

	for x := 0; x < size.X; x++ {
		for z := 0; z < size.Z; z++ {
			for y := 0; y < size.Y; y++ {
				pos := base.Add(voxel.Vec3i{X: x, Y: y, Z: z})
				ground := s.BlockAt(pos)
				above := s.BlockAt(pos.Add(voxel.Vec3i{Y: 1}))
				if above.Solid() && ground.Solid() && !ground.Ignorable() {
					p.Underground[ground]++
				}
			}
		}
	}

	for x := 0; x < size.X; x++ {
		for z := 0; z < size.Z; z++ {
			scanUp := s.BlockAt(base.Add(voxel.Vec3i{X: x, Y: size.Y, Z: z})).Solid()
			for y := 0; y < surfaceScanDepth; y++ {
				dy := -y
				if scanUp {
					dy = y
				}
				pos := base.Add(voxel.Vec3i{X: x, Y: dy, Z: z})
				ground := s.BlockAt(pos)
				above := s.BlockAt(pos.Add(voxel.Vec3i{Y: 1}))
				if !above.Solid() && ground.Solid() {
					p.Surface[ground]++
					break
				}
			}
		}
	}
	return p
}
