package tract

import (
	"errors"
	"fmt"
	"math"
)

// Point is a single track sample in millimetre space.
type Point [3]float64

// Track is an ordered polyline of millimetre-space points. Tracks are
// caller-owned and never mutated; a track may be empty.
type Track []Point

// VolumeShape is the grid extent in voxels along x, y, z.
type VolumeShape [3]int

// VoxelSize is the millimetre extent of one voxel along x, y, z.
type VoxelSize [3]float64

// VoxelIndex addresses one voxel. Each component lies in [0, dim) for
// its axis; indices are derived from points, never constructed freely.
type VoxelIndex [3]int

// Element records the first point of one track that landed in a voxel.
type Element struct {
	Track int `json:"track"`
	Point int `json:"point"`
}

// ElementMap maps each occupied voxel to its provenance entries: at most
// one Element per track, ordered by ascending track index. A voxel is a
// key iff its count is at least 1.
type ElementMap map[VoxelIndex][]Element

var ErrInvalidVoxelSize = errors.New("voxel size must be a positive finite number")

var ErrInvalidVolumeShape = errors.New("volume shape must be positive")

var ErrInvalidTrackPoint = errors.New("track point must have three finite coordinates")

// Validate rejects non-positive dimensions.
func (s VolumeShape) Validate() error {
	for axis, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("axis %d: dimension %d: %w", axis, dim, ErrInvalidVolumeShape)
		}
	}
	return nil
}

// NumVoxels returns dx*dy*dz as an int64 so the product is safe on
// 32-bit builds.
func (s VolumeShape) NumVoxels() int64 {
	return int64(s[0]) * int64(s[1]) * int64(s[2])
}

// Validate rejects zero, negative, and non-finite voxel extents before
// they can turn the point-to-voxel division into NaN or Inf.
func (s VoxelSize) Validate() error {
	for axis, size := range s {
		if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
			return fmt.Errorf("axis %d: size %v: %w", axis, size, ErrInvalidVoxelSize)
		}
	}
	return nil
}

// CountGrid is a dense per-voxel tally of distinct track visits. Counts
// are flattened x-major (x outermost, z fastest) so the grid is one
// contiguous buffer in the hot loop.
type CountGrid struct {
	Shape  VolumeShape
	Counts []uint32
}

// NewCountGrid allocates an all-zero grid for shape. The shape must have
// passed Validate.
func NewCountGrid(shape VolumeShape) *CountGrid {
	return &CountGrid{
		Shape:  shape,
		Counts: make([]uint32, shape.NumVoxels()),
	}
}

// Idx flattens a voxel index: vx*(dy*dz) + vy*dz + vz. The result is
// int64 so dx*dy*dz cannot overflow the index type.
func (g *CountGrid) Idx(v VoxelIndex) int64 {
	return (int64(v[0])*int64(g.Shape[1])+int64(v[1]))*int64(g.Shape[2]) + int64(v[2])
}

// At returns the count at v. v must be in range for the grid shape.
func (g *CountGrid) At(v VoxelIndex) uint32 {
	return g.Counts[g.Idx(v)]
}

// Len returns the number of voxels in the grid.
func (g *CountGrid) Len() int {
	return len(g.Counts)
}
