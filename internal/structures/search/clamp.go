package search

// HeightClamp keeps a structure of the given height inside
// [lowest+1+offAbs, highest-height+offAbs], where offAbs is the absolute
// vertical offset of the template's base below its anchor. A degenerate
// range collapses to the minimum.
func HeightClamp(candidateY, highest, lowest, height, offAbs int) int {
	minY := lowest + 1 + offAbs
	maxY := highest - height + offAbs
	if maxY < minY {
		return minY
	}
	if candidateY < minY {
		return minY
	}
	if candidateY > maxY {
		return maxY
	}
	return candidateY
}
