package tract

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// trackRange is a half-open [start, end) span of track indices.
type trackRange struct {
	start, end int
}

// CountTracksParallel distributes tracks over at most workers goroutines
// and merges the partial results in track order, so the output is
// bit-identical to CountTracks on the same inputs. workers <= 0 selects
// GOMAXPROCS. The context only interrupts the scan; it carries no
// deadline semantics of its own.
func CountTracksParallel(ctx context.Context, tracks []Track, shape VolumeShape, size VoxelSize, collectElements bool, workers int) (*CountGrid, ElementMap, error) {
	if err := shape.Validate(); err != nil {
		return nil, nil, err
	}
	if err := size.Validate(); err != nil {
		return nil, nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(tracks) {
		workers = len(tracks)
	}
	if workers <= 1 {
		return CountTracks(tracks, shape, size, collectElements)
	}

	chunks := splitTracks(len(tracks), workers)
	partialGrids := make([]*CountGrid, len(chunks))
	partialElems := make([]ElementMap, len(chunks))
	chunkErrs := make([]error, len(chunks))

	eg, egCtx := errgroup.WithContext(ctx)
	for ci, chunk := range chunks {
		eg.Go(func() error {
			grid := NewCountGrid(shape)
			var elems ElementMap
			if collectElements {
				elems = make(ElementMap)
			}
			for ti := chunk.start; ti < chunk.end; ti++ {
				if err := egCtx.Err(); err != nil {
					return err
				}
				if err := countTrack(grid, elems, ti, tracks[ti], size); err != nil {
					chunkErrs[ci] = err
					return err
				}
			}
			partialGrids[ci] = grid
			partialElems[ci] = elems
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		// Surface the earliest chunk's error so a bad input produces the
		// same error the sequential pass would, not whichever worker
		// happened to fail first.
		for _, chunkErr := range chunkErrs {
			if chunkErr != nil {
				return nil, nil, chunkErr
			}
		}
		return nil, nil, err
	}

	merged := NewCountGrid(shape)
	var elements ElementMap
	if collectElements {
		elements = make(ElementMap)
	}
	for ci := range chunks {
		for i, c := range partialGrids[ci].Counts {
			merged.Counts[i] += c
		}
		if !collectElements {
			continue
		}
		// Chunks are contiguous ascending track ranges, and each chunk's
		// per-voxel list is already in track order, so appending chunk by
		// chunk keeps every voxel's list sorted by track index.
		for v, list := range partialElems[ci] {
			elements[v] = append(elements[v], list...)
		}
	}
	return merged, elements, nil
}

// splitTracks cuts n tracks into at most k contiguous near-equal ranges.
// Empty ranges are omitted.
func splitTracks(n, k int) []trackRange {
	ranges := make([]trackRange, 0, k)
	base := n / k
	rem := n % k
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		ranges = append(ranges, trackRange{start: start, end: start + size})
		start += size
	}
	return ranges
}
