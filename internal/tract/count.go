package tract

import (
	"fmt"
	"math"

	mapset "github.com/deckarep/golang-set/v2"
)

// CountTracks bins every track point onto the voxel grid and counts, per
// voxel, how many distinct tracks visited it. Within one track a voxel
// is credited once, to the first point that landed in it. When
// collectElements is true the returned ElementMap holds that first
// (track, point) pair for every occupied voxel; when false no map is
// built at all.
//
// This is the sequential reference pass. CountTracksParallel produces
// identical output for the same inputs.
func CountTracks(tracks []Track, shape VolumeShape, size VoxelSize, collectElements bool) (*CountGrid, ElementMap, error) {
	if err := shape.Validate(); err != nil {
		return nil, nil, err
	}
	if err := size.Validate(); err != nil {
		return nil, nil, err
	}

	grid := NewCountGrid(shape)
	var elements ElementMap
	if collectElements {
		elements = make(ElementMap)
	}
	for ti, track := range tracks {
		if err := countTrack(grid, elements, ti, track, size); err != nil {
			return nil, nil, err
		}
	}
	return grid, elements, nil
}

// countTrack folds one track into grid, and into elements when non-nil.
// The visited set resets per track: revisited voxels are skipped
// entirely, so neither the count nor the element list sees them twice.
func countTrack(grid *CountGrid, elements ElementMap, trackIndex int, track Track, size VoxelSize) error {
	visited := mapset.NewThreadUnsafeSet[int64]()
	for pi, p := range track {
		if err := checkPoint(trackIndex, pi, p); err != nil {
			return err
		}
		v := mapPoint(p, size, grid.Shape)
		linear := grid.Idx(v)
		if visited.Contains(linear) {
			continue
		}
		visited.Add(linear)
		grid.Counts[linear]++
		if elements != nil {
			elements[v] = append(elements[v], Element{Track: trackIndex, Point: pi})
		}
	}
	return nil
}

// checkPoint rejects non-finite coordinates before they reach the voxel
// mapping. The whole call fails; partial grids never escape.
func checkPoint(trackIndex, pointIndex int, p Point) error {
	for axis, c := range p {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("track %d point %d axis %d: coordinate %v: %w",
				trackIndex, pointIndex, axis, c, ErrInvalidTrackPoint)
		}
	}
	return nil
}

// mapPoint converts a millimetre point to its clamped voxel index.
func mapPoint(p Point, size VoxelSize, shape VolumeShape) VoxelIndex {
	var v VoxelIndex
	for a := 0; a < 3; a++ {
		v[a] = voxelCoord(p[a], size[a], shape[a])
	}
	return v
}

// voxelCoord bins one millimetre coordinate onto an axis of dim voxels:
// floor(mm/size + 0.5), then clamp to [0, dim-1]. Ties at .5 round up,
// so -0.5 lands in voxel 0. math.Round would send -0.5 to -1; do not
// substitute it. Out-of-volume coordinates clamp to the nearest edge
// voxel rather than being dropped.
func voxelCoord(mm, size float64, dim int) int {
	c := math.Floor(mm/size + 0.5)
	if c < 0 {
		return 0
	}
	if c >= float64(dim) {
		return dim - 1
	}
	return int(c)
}
