package tract

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// GridStats summarizes a count grid. The mean/median/stddev describe the
// nonzero voxels only; an all-zero grid reports zeros throughout so the
// struct always marshals to valid JSON.
type GridStats struct {
	TotalVoxels    int64   `json:"total_voxels"`
	OccupiedVoxels int64   `json:"occupied_voxels"`
	TotalVisits    int64   `json:"total_visits"`
	MaxCount       uint32  `json:"max_count"`
	MeanNonzero    float64 `json:"mean_nonzero"`
	MedianNonzero  float64 `json:"median_nonzero"`
	StdDevNonzero  float64 `json:"stddev_nonzero"`
	OccupancyRatio float64 `json:"occupancy_ratio"`
}

// Stats computes summary statistics over the grid's occupied voxels.
func (g *CountGrid) Stats() GridStats {
	s := GridStats{TotalVoxels: int64(len(g.Counts))}

	nonzero := make([]float64, 0, len(g.Counts)/8)
	for _, c := range g.Counts {
		if c == 0 {
			continue
		}
		s.OccupiedVoxels++
		s.TotalVisits += int64(c)
		if c > s.MaxCount {
			s.MaxCount = c
		}
		nonzero = append(nonzero, float64(c))
	}
	if len(nonzero) == 0 {
		return s
	}

	sort.Float64s(nonzero)
	mean, std := stat.MeanStdDev(nonzero, nil)
	s.MeanNonzero = mean
	s.MedianNonzero = stat.Quantile(0.5, stat.Empirical, nonzero, nil)
	if len(nonzero) > 1 {
		s.StdDevNonzero = std
	}
	if s.TotalVoxels > 0 {
		s.OccupancyRatio = float64(s.OccupiedVoxels) / float64(s.TotalVoxels)
	}
	return s
}

// Histogram returns the distribution of counts across occupied voxels:
// hist[c] = number of voxels visited by exactly c tracks, for c in
// [1, MaxCount]. Zero-count voxels are excluded.
func (g *CountGrid) Histogram() map[uint32]int64 {
	hist := make(map[uint32]int64)
	for _, c := range g.Counts {
		if c > 0 {
			hist[c]++
		}
	}
	return hist
}
