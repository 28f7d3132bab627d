package search

import "structforge.ai/internal/sim/voxel"

// SpanScan looks for a contiguous solid span of at least minSpan blocks in a
// column, tolerating up to tolerance non-solid cells inside a streak. An
// upward scan (shallow) runs from lowest to highest, a downward scan (deep)
// the other way. Void air or bedrock ends the scan. pick chooses a value in
// [lo, hi) and is used when the span is wider than wide.
func SpanScan(at func(y int) voxel.Material, lowest, highest int, upward bool, tolerance, minSpan, wide int, pick func(lo, hi int) int) (int, bool) {
	streak := false
	low, high := 0, 0
	tol := tolerance

	visit := func(y int) (stop, abort bool) {
		m := at(y)
		barrier := m == voxel.VoidAir || m == voxel.Bedrock
		if m.Solid() && !barrier {
			switch {
			case !streak:
				low, high = y, y
				streak = true
			case upward:
				high = y
			default:
				low = y
			}
			return false, false
		}
		if barrier || tol == 0 {
			if streak {
				streak = false
				if high-low >= minSpan {
					return true, false
				}
				if barrier {
					return true, true
				}
				tol = tolerance
			}
			return false, false
		}
		if streak {
			tol--
			if upward {
				high = y
			} else {
				low = y
			}
		}
		return false, false
	}

	if upward {
		for y := lowest; y < highest; y++ {
			if stop, abort := visit(y); stop {
				if abort {
					return 0, false
				}
				break
			}
		}
	} else {
		for y := highest; y > lowest; y-- {
			if stop, abort := visit(y); stop {
				if abort {
					return 0, false
				}
				break
			}
		}
	}

	if high-low < minSpan {
		return 0, false
	}
	if high-low > wide {
		if upward {
			return pick(low+1, high-minSpan), true
		}
		return pick(low, high-minSpan), true
	}
	return low + 1, true
}
