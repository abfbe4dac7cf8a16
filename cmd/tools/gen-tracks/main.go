// Command gen-tracks generates synthetic .trk files of random-walk
// streamlines for exercising density runs without real tractography data.
package main

import (
	"flag"
	"log"
	"math/rand"
	"time"

	"github.com/foxet/pbc1109/internal/tract"
	"github.com/foxet/pbc1109/internal/tract/trk"
	"github.com/foxet/pbc1109/internal/units"
)

func main() {
	output := flag.String("o", "sample.trk", "output path")
	count := flag.Int("n", 100, "number of tracks")
	points := flag.Int("points", 50, "points per track")
	shapeFlag := flag.String("shape", "64,64,64", "volume shape in voxels (one value or dx,dy,dz)")
	sizeFlag := flag.String("voxel-size", "2", "voxel size in mm (one value or dx,dy,dz)")
	step := flag.Float64("step", 1.5, "random walk step in mm")
	seed := flag.Int64("seed", 0, "random seed (0 = time-based)")
	flag.Parse()

	shape, err := units.ParseVolumeShape(*shapeFlag)
	if err != nil {
		log.Fatalf("invalid -shape: %v", err)
	}
	size, err := units.ParseVoxelSize(*sizeFlag)
	if err != nil {
		log.Fatalf("invalid -voxel-size: %v", err)
	}
	if *count <= 0 || *points <= 0 {
		log.Fatal("-n and -points must be positive")
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	tracks := make([]tract.Track, *count)
	for i := range tracks {
		tracks[i] = randomWalk(rng, shape, size, *points, *step)
		if (i+1)%1000 == 0 {
			log.Printf("%d/%d tracks", i+1, *count)
		}
	}

	if err := trk.WriteFile(*output, trk.NewHeader(shape, size), tracks); err != nil {
		log.Fatalf("failed to write %s: %v", *output, err)
	}
	log.Printf("✓ Created: %s (%d tracks, %d points each, seed %d)", *output, *count, *points, *seed)
}

// randomWalk builds one track starting at a uniform position inside the
// volume, stepping by at most step mm per axis and clamping to the
// voxel-center bounds so every point lands inside the grid.
func randomWalk(rng *rand.Rand, shape tract.VolumeShape, size tract.VoxelSize, points int, step float64) tract.Track {
	var limit [3]float64
	for i := range limit {
		limit[i] = float64(shape[i]-1) * size[i]
	}

	var p tract.Point
	for i := range p {
		p[i] = rng.Float64() * limit[i]
	}

	track := make(tract.Track, 0, points)
	track = append(track, p)
	for len(track) < points {
		for i := range p {
			p[i] += (rng.Float64()*2 - 1) * step
			if p[i] < 0 {
				p[i] = 0
			}
			if p[i] > limit[i] {
				p[i] = limit[i]
			}
		}
		track = append(track, p)
	}
	return track
}
