package frames

import "math"

// UniformIndices returns up to max frame indices spaced evenly across a clip
// of total frames, always including the first and last frame. Indices are
// computed as round(i*(total-1)/(max-1)) and deduplicated, so a clip with
// fewer frames than max yields every frame exactly once, in order.
func UniformIndices(total, max int) []int {
	if total <= 0 || max <= 0 {
		return nil
	}
	if max == 1 || total == 1 {
		return []int{0}
	}
	if total <= max {
		indices := make([]int, total)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}

	indices := make([]int, 0, max)
	last := -1
	for i := 0; i < max; i++ {
		idx := int(math.Round(float64(i) * float64(total-1) / float64(max-1)))
		if idx != last {
			indices = append(indices, idx)
			last = idx
		}
	}
	return indices
}
