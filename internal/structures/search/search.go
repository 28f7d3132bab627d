// Package search picks the anchor for a structure by scoring a small
// neighbourhood of candidates around a hint.
package search

import (
	"errors"
	"fmt"

	"structforge.ai/internal/sim/tuning"
	"structforge.ai/internal/sim/voxel"
	"structforge.ai/internal/structures/template"
	"structforge.ai/internal/structures/terrainfit"
)

var (
	ErrNoSpan      = errors.New("search: no underground span")
	ErrNoCandidate = errors.New("search: no candidate above minimum score")
)

// World is the read-only view the search needs.
type World interface {
	terrainfit.Sampler
	HighestBlockY(x, z int) int
}

type Searcher struct {
	World     World
	WorldType voxel.WorldType
	Tuning    tuning.Tuning
	// Seed drives altitude picks; the same seed and hint give the same
	// result.
	Seed int64
}

type Result struct {
	Anchor voxel.Vec3i
	Score  float64
	Probes int
}

// Find returns the best anchor for t near hint. Errors are ErrNoSpan or
// ErrNoCandidate, possibly wrapped.
func (s *Searcher) Find(t *template.Template, hint voxel.Vec3i, kind voxel.StructureKind) (Result, error) {
	lim := s.Tuning.World(s.WorldType)
	mode := terrainfit.ModeFor(kind)
	accept := s.Tuning.AcceptScore
	step := s.Tuning.ScanStep

	var base voxel.Vec3i
	if kind.Underground() {
		y, ok := s.undergroundAltitude(hint, kind, lim)
		if !ok {
			return Result{}, fmt.Errorf("%s at %s: %w", kind, hint, ErrNoSpan)
		}
		base = voxel.Vec3i{X: hint.X, Y: y, Z: hint.Z}
	} else {
		base = hint
	}

	best := Result{Score: -1}
	probe := func(anchor voxel.Vec3i) bool {
		anchor.Y = s.clamp(t, anchor.Y, lim)
		sc := terrainfit.Score(t, s.World, anchor, mode, step)
		best.Probes++
		if sc > best.Score {
			best.Anchor = anchor
			best.Score = sc
		}
		return best.Score > accept
	}

	scanCell := func(dx, dz int) bool {
		x := base.X + dx*voxel.ChunkSize
		z := base.Z + dz*voxel.ChunkSize
		if kind.Underground() {
			return probe(voxel.Vec3i{X: x, Y: base.Y, Z: z})
		}
		y0 := s.provisionalAltitude(x, z, kind, lim)
		for _, dy := range verticalOffsets(lim.MaxOffset) {
			if probe(voxel.Vec3i{X: x, Y: y0 + dy, Z: z}) {
				return true
			}
		}
		return false
	}

	done := scanCell(0, 0)
	r := s.Tuning.SearchRadius
	if !done && best.Score < accept {
	outer:
		for dx := -r; dx <= r; dx++ {
			for dz := -r; dz <= r; dz++ {
				if dx == 0 && dz == 0 {
					continue
				}
				if scanCell(dx, dz) {
					break outer
				}
			}
		}
	}

	if best.Score < lim.MinScore {
		return best, fmt.Errorf("%s best %.1f < %.1f: %w", t.ID, best.Score, lim.MinScore, ErrNoCandidate)
	}
	return best, nil
}

// verticalOffsets is 0, -1, 1, -2, 2, ... up to max.
func verticalOffsets(max int) []int {
	if max < 0 {
		max = 0
	}
	out := make([]int, 0, 2*max+1)
	out = append(out, 0)
	for d := 1; d <= max; d++ {
		out = append(out, -d, d)
	}
	return out
}

func (s *Searcher) clamp(t *template.Template, y int, lim tuning.WorldLimits) int {
	return HeightClamp(y, lim.HighestY, lim.LowestY, t.Size().Y, voxel.AbsInt(t.Offset.Y))
}

// provisionalAltitude is the starting anchor y for non-underground kinds.
func (s *Searcher) provisionalAltitude(x, z int, kind voxel.StructureKind, lim tuning.WorldLimits) int {
	switch kind {
	case voxel.KindSky:
		return s.pick(x, z, lim.AirMinAltitude, lim.AirMaxAltitude+1)
	}
	if s.WorldType == voxel.WorldNether {
		// Nether ceilings hide the sky; walk up from the floor to the first
		// open cell above solid ground.
		for y := lim.LowestY + 1; y < lim.HighestY; y++ {
			below := s.World.BlockAt(voxel.Vec3i{X: x, Y: y - 1, Z: z})
			here := s.World.BlockAt(voxel.Vec3i{X: x, Y: y, Z: z})
			if kind == voxel.KindLiquidSurface {
				if below.Liquid() && here.IsAir() {
					return y
				}
				continue
			}
			if below.Solid() && !below.Ignorable() && here.IsAir() {
				return y
			}
		}
		return lim.LowestY + 1
	}
	// A negative template offset buries the base below this.
	return s.World.HighestBlockY(x, z) + 1
}

func (s *Searcher) undergroundAltitude(hint voxel.Vec3i, kind voxel.StructureKind, lim tuning.WorldLimits) (int, bool) {
	lo, hi := lim.ShallowMinY, lim.ShallowMaxY
	upward := true
	if kind == voxel.KindUndergroundDeep {
		lo, hi = lim.DeepMinY, lim.DeepMaxY
		upward = false
	}
	u := s.Tuning.Underground
	at := func(y int) voxel.Material {
		return s.World.BlockAt(voxel.Vec3i{X: hint.X, Y: y, Z: hint.Z})
	}
	return SpanScan(at, lo, hi, upward, u.Tolerance, u.MinSpan, u.WideSpan, func(a, b int) int {
		return s.pick(hint.X, hint.Z, a, b)
	})
}

// pick returns a value in [lo, hi) derived from the seed and column.
func (s *Searcher) pick(x, z, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + int(voxel.Hash2(s.Seed, x, z)%uint64(hi-lo))
}
