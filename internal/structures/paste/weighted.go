package paste

import (
	"math/rand"
	"sort"

	"structforge.ai/internal/sim/voxel"
)

// WeightedPick draws a material with probability proportional to its
// weight. Keys are visited in material order so a seeded rng gives a
// stable sequence. An empty or zero-weight map yields fallback.
func WeightedPick(weights map[voxel.Material]int, rng *rand.Rand, fallback voxel.Material) voxel.Material {
	if len(weights) == 0 {
		return fallback
	}
	keys := make([]voxel.Material, 0, len(weights))
	total := 0
	for m, w := range weights {
		if w <= 0 {
			continue
		}
		keys = append(keys, m)
		total += w
	}
	if total == 0 {
		return fallback
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	r := rng.Intn(total)
	cum := 0
	for _, m := range keys {
		cum += weights[m]
		if r < cum {
			return m
		}
	}
	return keys[len(keys)-1]
}
