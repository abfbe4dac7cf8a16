package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/foxet/pbc1109/internal/tract"
)

// countRequest is the body of POST /api/count. Points arrive as plain
// float arrays so arity mistakes can be reported instead of silently
// coerced by fixed-size array decoding.
type countRequest struct {
	Tracks          [][][]float64     `json:"tracks"`
	Shape           tract.VolumeShape `json:"shape"`
	VoxelSize       tract.VoxelSize   `json:"voxel_size"`
	CollectElements *bool             `json:"collect_elements,omitempty"`
	Workers         *int              `json:"workers,omitempty"`
}

// voxelElements is one element-map entry in a JSON response, ordered by
// voxel coordinate for deterministic output.
type voxelElements struct {
	Voxel    tract.VoxelIndex `json:"voxel"`
	Elements []tract.Element  `json:"elements"`
}

// voxelCount is one occupied voxel in a JSON response.
type voxelCount struct {
	Voxel tract.VoxelIndex `json:"voxel"`
	Count uint32           `json:"count"`
}

// countResult is the JSON shape of a counting result. Occupied voxels
// are listed sparsely; dense grids belong in blobs, not JSON.
type countResult struct {
	Shape      tract.VolumeShape `json:"shape"`
	VoxelSize  tract.VoxelSize   `json:"voxel_size"`
	Voxels     []voxelCount      `json:"voxels"`
	Stats      tract.GridStats   `json:"stats"`
	TrackCount int               `json:"track_count"`
	PointCount int64             `json:"point_count"`
	DurationMS float64           `json:"duration_ms"`
	Elements   []voxelElements   `json:"elements,omitempty"`
}

// handleCount runs the counting kernel synchronously over tracks
// supplied in the request body. Nothing is persisted.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req countRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if max := s.cfg.GetMaxTracksPerRequest(); len(req.Tracks) > max {
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("too many tracks: %d (max %d)", len(req.Tracks), max))
		return
	}

	tracks, pointCount, err := convertTracks(req.Tracks)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	collect := s.cfg.GetCollectElements()
	if req.CollectElements != nil {
		collect = *req.CollectElements
	}
	workers := s.cfg.GetWorkers()
	if req.Workers != nil {
		workers = *req.Workers
	}

	start := time.Now()
	grid, elements, err := tract.CountTracksParallel(r.Context(), tracks, req.Shape, req.VoxelSize, collect, workers)
	if err != nil {
		s.writeJSONError(w, countErrorStatus(err), err.Error())
		return
	}

	result := &countResult{
		Shape:      grid.Shape,
		VoxelSize:  req.VoxelSize,
		Voxels:     occupiedVoxels(grid),
		Stats:      grid.Stats(),
		TrackCount: len(tracks),
		PointCount: pointCount,
		DurationMS: float64(time.Since(start).Nanoseconds()) / 1e6,
	}
	if collect {
		result.Elements = sortedElements(elements)
	}
	s.writeJSON(w, http.StatusOK, result)
}

// convertTracks validates point arity and converts request tracks into
// kernel tracks, counting points along the way.
func convertTracks(raw [][][]float64) ([]tract.Track, int64, error) {
	tracks := make([]tract.Track, len(raw))
	var points int64
	for ti, rawTrack := range raw {
		track := make(tract.Track, len(rawTrack))
		for pi, coords := range rawTrack {
			if len(coords) != 3 {
				return nil, 0, fmt.Errorf("track %d point %d has %d coordinates, want 3: %w",
					ti, pi, len(coords), tract.ErrInvalidTrackPoint)
			}
			track[pi] = tract.Point{coords[0], coords[1], coords[2]}
		}
		tracks[ti] = track
		points += int64(len(track))
	}
	return tracks, points, nil
}

// countErrorStatus maps kernel validation failures to 400 and anything
// else (including cancellation) to 500.
func countErrorStatus(err error) int {
	switch {
	case errors.Is(err, tract.ErrInvalidVolumeShape),
		errors.Is(err, tract.ErrInvalidVoxelSize),
		errors.Is(err, tract.ErrInvalidTrackPoint):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// occupiedVoxels lists the grid's nonzero voxels. Walking the linear
// index yields them already ordered by (x, y, z).
func occupiedVoxels(grid *tract.CountGrid) []voxelCount {
	dy, dz := grid.Shape[1], grid.Shape[2]
	out := make([]voxelCount, 0, 64)
	for i, c := range grid.Counts {
		if c == 0 {
			continue
		}
		x := i / (dy * dz)
		y := (i / dz) % dy
		z := i % dz
		out = append(out, voxelCount{
			Voxel: tract.VoxelIndex{x, y, z},
			Count: c,
		})
	}
	return out
}

// sortedElements flattens an element map into entries ordered by voxel
// coordinate so responses are deterministic.
func sortedElements(elements tract.ElementMap) []voxelElements {
	keys := make([]tract.VoxelIndex, 0, len(elements))
	for v := range elements {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})

	out := make([]voxelElements, len(keys))
	for i, v := range keys {
		out[i] = voxelElements{Voxel: v, Elements: elements[v]}
	}
	return out
}
