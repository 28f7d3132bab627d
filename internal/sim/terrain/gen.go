package terrain

import "structforge.ai/internal/sim/voxel"

// Generator fills a chunk column. Output depends only on (seed, x, y, z).
type Generator struct {
	Seed     int64
	Type     voxel.WorldType
	MinY     int
	MaxY     int
	SeaLevel int
}

func (g Generator) height() int { return g.MaxY - g.MinY }

// valueNoise returns a smooth value in [0,1) interpolated between hashed
// lattice points spaced grid blocks apart.
func valueNoise(seed int64, x, z, grid int) float64 {
	gx := voxel.FloorDiv(x, grid)
	gz := voxel.FloorDiv(z, grid)
	fx := smooth(float64(voxel.Mod(x, grid)) / float64(grid))
	fz := smooth(float64(voxel.Mod(z, grid)) / float64(grid))

	v00 := lattice(seed, gx, gz)
	v10 := lattice(seed, gx+1, gz)
	v01 := lattice(seed, gx, gz+1)
	v11 := lattice(seed, gx+1, gz+1)

	a := v00 + (v10-v00)*fx
	b := v01 + (v11-v01)*fx
	return a + (b-a)*fz
}

func lattice(seed int64, x, z int) float64 {
	return float64(voxel.Hash2(seed, x, z)%4096) / 4096
}

func smooth(t float64) float64 { return t * t * (3 - 2*t) }

// SurfaceHeight is the top solid y of the generated column (normal worlds),
// the cavern floor (nether) or the island top (end, MinY-1 if void).
func (g Generator) SurfaceHeight(x, z int) int {
	switch g.Type {
	case voxel.WorldNether:
		return 32 + int(valueNoise(g.Seed+11, x, z, 24)*10)
	case voxel.WorldEnd:
		d2 := x*x + z*z
		if d2 > 160*160 {
			return g.MinY - 1
		}
		return 56 + int(valueNoise(g.Seed+21, x, z, 32)*8)
	default:
		n := valueNoise(g.Seed, x, z, 48)*0.7 + valueNoise(g.Seed+1, x, z, 16)*0.3
		return g.SeaLevel - 10 + int(n*26)
	}
}

func (g Generator) fill(ch *Chunk) {
	cx := ch.key.X() * voxel.ChunkSize
	cz := ch.key.Z() * voxel.ChunkSize
	for lz := 0; lz < voxel.ChunkSize; lz++ {
		for lx := 0; lx < voxel.ChunkSize; lx++ {
			wx, wz := cx+lx, cz+lz
			switch g.Type {
			case voxel.WorldNether:
				g.fillNetherColumn(ch, lx, lz, wx, wz)
			case voxel.WorldEnd:
				g.fillEndColumn(ch, lx, lz, wx, wz)
			default:
				g.fillNormalColumn(ch, lx, lz, wx, wz)
			}
		}
	}
	g.plantTrees(ch, cx, cz)
}

func (g Generator) fillNormalColumn(ch *Chunk, lx, lz, wx, wz int) {
	top := g.SurfaceHeight(wx, wz)
	for y := g.MinY; y < g.MaxY; y++ {
		m := voxel.Air
		switch {
		case y == g.MinY:
			m = voxel.Bedrock
		case y < 0 && y <= top:
			m = voxel.Deepslate
		case y < top-3:
			m = voxel.Stone
		case y < top:
			m = voxel.Dirt
		case y == top:
			if top < g.SeaLevel {
				m = voxel.Sand
			} else {
				m = voxel.Grass
			}
		case y <= g.SeaLevel:
			m = voxel.Water
		}
		// Sparse caves keep underground fitting honest.
		if m == voxel.Stone && voxel.Hash3(g.Seed+7, wx/4, y/3, wz/4)%100 < 3 {
			m = voxel.CaveAir
		}
		ch.setLocal(lx, y, lz, m)
	}
}

func (g Generator) fillNetherColumn(ch *Chunk, lx, lz, wx, wz int) {
	floor := g.SurfaceHeight(wx, wz)
	ceil := floor + 28 + int(valueNoise(g.Seed+12, wx, wz, 24)*12)
	for y := g.MinY; y < g.MaxY; y++ {
		m := voxel.Netherrack
		switch {
		case y == g.MinY || y == g.MaxY-1:
			m = voxel.Bedrock
		case y > floor && y < ceil:
			m = voxel.Air
			if y <= 31 {
				m = voxel.Lava
			}
		}
		ch.setLocal(lx, y, lz, m)
	}
}

func (g Generator) fillEndColumn(ch *Chunk, lx, lz, wx, wz int) {
	top := g.SurfaceHeight(wx, wz)
	bottom := 40 + int(valueNoise(g.Seed+22, wx, wz, 16)*6)
	for y := g.MinY; y < g.MaxY; y++ {
		m := voxel.Air
		if top >= g.MinY && y >= bottom && y <= top {
			m = voxel.EndStone
		}
		ch.setLocal(lx, y, lz, m)
	}
}

// plantTrees drops a few trees fully inside the chunk so generation never
// writes into a neighbour.
func (g Generator) plantTrees(ch *Chunk, cx, cz int) {
	if g.Type != voxel.WorldNormal {
		return
	}
	for lz := 2; lz < voxel.ChunkSize-2; lz++ {
		for lx := 2; lx < voxel.ChunkSize-2; lx++ {
			wx, wz := cx+lx, cz+lz
			if voxel.Hash2(g.Seed+31, wx, wz)%1000 >= 6 {
				continue
			}
			top := g.SurfaceHeight(wx, wz)
			if top < g.SeaLevel || top+7 >= g.MaxY {
				continue
			}
			trunk := 4 + int(voxel.Hash2(g.Seed+32, wx, wz)%2)
			for y := top + 1; y <= top+trunk; y++ {
				ch.setLocal(lx, y, lz, voxel.Log)
			}
			for dy := trunk - 1; dy <= trunk+1; dy++ {
				for dz := -2; dz <= 2; dz++ {
					for dx := -2; dx <= 2; dx++ {
						if dx == 0 && dz == 0 && dy <= trunk {
							continue
						}
						if voxel.AbsInt(dx)+voxel.AbsInt(dz) > 3 {
							continue
						}
						y := top + dy
						if ch.getLocal(lx+dx, y, lz+dz) == voxel.Air {
							ch.setLocal(lx+dx, y, lz+dz, voxel.Leaves)
						}
					}
				}
			}
		}
	}
}
