// Command density-map counts distinct tracks per voxel of a .trk file
// and reports grid statistics, with optional JSON export, PNG projection
// plots, and persistence into a density database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foxet/pbc1109/internal/db"
	"github.com/foxet/pbc1109/internal/timeutil"
	"github.com/foxet/pbc1109/internal/tract"
	"github.com/foxet/pbc1109/internal/tract/monitor"
	sqlite "github.com/foxet/pbc1109/internal/tract/storage/sqlite"
	"github.com/foxet/pbc1109/internal/tract/trk"
	"github.com/foxet/pbc1109/internal/units"
)

// Config holds configuration for the density run.
type Config struct {
	TRKFile       string
	ShapeFlag     string
	VoxelSizeFlag string
	Workers       int
	Elements      bool
	Units         string
	JSONOut       string
	PlotDir       string
	DBPath        string
}

// Result holds the results of a density run for the summary and JSON
// export.
type Result struct {
	TRKFile      string            `json:"trk_file"`
	Shape        tract.VolumeShape `json:"shape"`
	VoxelSize    tract.VoxelSize   `json:"voxel_size"`
	TrackCount   int               `json:"track_count"`
	PointCount   int64             `json:"point_count"`
	ProcessingMS int64             `json:"processing_ms"`
	Workers      int               `json:"workers"`
	Stats        tract.GridStats   `json:"stats"`
	Voxels       []voxelCount      `json:"voxels"`
	Elements     []voxelElements   `json:"elements,omitempty"`
}

type voxelCount struct {
	Voxel tract.VoxelIndex `json:"voxel"`
	Count uint32           `json:"count"`
}

type voxelElements struct {
	Voxel    tract.VoxelIndex `json:"voxel"`
	Elements []tract.Element  `json:"elements"`
}

func main() {
	config := parseFlags()

	if config.TRKFile == "" {
		fmt.Fprintln(os.Stderr, "Error: track file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.TRKFile); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: track file not found: %s\n", config.TRKFile)
		os.Exit(1)
	}
	if !units.IsValid(config.Units) {
		fmt.Fprintf(os.Stderr, "Error: invalid -units %q (valid: %s)\n", config.Units, units.GetValidUnitsString())
		os.Exit(1)
	}

	header, tracks, err := trk.ReadFile(config.TRKFile)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", config.TRKFile, err)
	}

	shape, size, err := resolveGeometry(config, header)
	if err != nil {
		log.Fatalf("Invalid geometry: %v", err)
	}

	var pointCount int64
	for _, t := range tracks {
		pointCount += int64(len(t))
	}

	start := time.Now()
	grid, elements, err := tract.CountTracksParallel(context.Background(), tracks, shape, size, config.Elements, config.Workers)
	if err != nil {
		log.Fatalf("Density count failed: %v", err)
	}
	elapsed := time.Since(start)

	result := &Result{
		TRKFile:      config.TRKFile,
		Shape:        shape,
		VoxelSize:    size,
		TrackCount:   len(tracks),
		PointCount:   pointCount,
		ProcessingMS: elapsed.Milliseconds(),
		Workers:      config.Workers,
		Stats:        grid.Stats(),
		Voxels:       occupiedVoxels(grid),
		Elements:     sortedElements(elements),
	}

	printSummary(result, config.Units)

	if config.JSONOut != "" {
		if err := exportJSON(config.JSONOut, result); err != nil {
			log.Fatalf("JSON export failed: %v", err)
		}
		log.Printf("✓ Wrote JSON: %s", config.JSONOut)
	}

	if config.PlotDir != "" {
		outDir := monitor.MakePlotOutputDir(config.PlotDir, config.TRKFile)
		stem := strings.TrimSuffix(filepath.Base(config.TRKFile), filepath.Ext(config.TRKFile))
		files, err := monitor.NewGridPlotter(nil, outDir).SavePlots(grid, stem)
		if err != nil {
			log.Fatalf("Plot export failed: %v", err)
		}
		log.Printf("✓ Wrote %d plots to %s", len(files), outDir)
	}

	if config.DBPath != "" {
		runID, err := persistRun(config, header, grid, elements, result)
		if err != nil {
			log.Fatalf("Database persist failed: %v", err)
		}
		log.Printf("✓ Recorded run %s in %s", runID, config.DBPath)
	}
}

func parseFlags() Config {
	config := Config{}

	flag.StringVar(&config.TRKFile, "trk", "", "Path to the .trk track file (required)")
	flag.StringVar(&config.ShapeFlag, "shape", "", "Override volume shape from the header (one value or dx,dy,dz)")
	flag.StringVar(&config.VoxelSizeFlag, "voxel-size", "", "Override voxel size in mm from the header (one value or dx,dy,dz)")
	flag.IntVar(&config.Workers, "workers", 0, "Worker goroutines (0 = one per CPU)")
	flag.BoolVar(&config.Elements, "elements", false, "Record the first (track, point) visit per voxel")
	flag.StringVar(&config.Units, "units", units.MM, "Display units for voxel size ("+units.GetValidUnitsString()+")")
	flag.StringVar(&config.JSONOut, "json", "", "Write the full result as JSON to this path")
	flag.StringVar(&config.PlotDir, "plots", "", "Write PNG projection plots under this directory")
	flag.StringVar(&config.DBPath, "db", "", "Record the run in this SQLite database")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Counts distinct tracks per voxel of a regular grid. Each track\n")
		fmt.Fprintf(os.Stderr, "contributes at most one count to each voxel it passes through.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -trk brain.trk\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -trk brain.trk -elements -json brain_density.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -trk brain.trk -plots ./plots -db density_data.db\n", os.Args[0])
	}

	flag.Parse()
	return config
}

// resolveGeometry takes shape and voxel size from the file header unless
// the flags override them.
func resolveGeometry(config Config, header *trk.Header) (tract.VolumeShape, tract.VoxelSize, error) {
	var (
		shape tract.VolumeShape
		size  tract.VoxelSize
		err   error
	)

	if config.ShapeFlag != "" {
		shape, err = units.ParseVolumeShape(config.ShapeFlag)
	} else {
		shape, err = header.VolumeShape()
	}
	if err != nil {
		return shape, size, err
	}

	if config.VoxelSizeFlag != "" {
		size, err = units.ParseVoxelSize(config.VoxelSizeFlag)
	} else {
		size, err = header.VoxelSizeMM()
	}
	return shape, size, err
}

// occupiedVoxels lists the nonzero cells in (x, y, z) order.
func occupiedVoxels(grid *tract.CountGrid) []voxelCount {
	dy, dz := grid.Shape[1], grid.Shape[2]
	out := make([]voxelCount, 0, 1024)
	for i, c := range grid.Counts {
		if c == 0 {
			continue
		}
		out = append(out, voxelCount{
			Voxel: tract.VoxelIndex{i / (dy * dz), (i / dz) % dy, i % dz},
			Count: c,
		})
	}
	return out
}

func sortedElements(elements tract.ElementMap) []voxelElements {
	if elements == nil {
		return nil
	}
	out := make([]voxelElements, 0, len(elements))
	for voxel, elems := range elements {
		out = append(out, voxelElements{Voxel: voxel, Elements: elems})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Voxel, out[j].Voxel
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})
	return out
}

func printSummary(result *Result, displayUnits string) {
	sx := units.ConvertLength(result.VoxelSize[0], displayUnits)
	sy := units.ConvertLength(result.VoxelSize[1], displayUnits)
	sz := units.ConvertLength(result.VoxelSize[2], displayUnits)

	fmt.Println("\n========== Track Density Summary ==========")
	fmt.Printf("File: %s\n", result.TRKFile)
	fmt.Printf("Volume: %dx%dx%d voxels\n", result.Shape[0], result.Shape[1], result.Shape[2])
	fmt.Printf("Voxel size: %.4gx%.4gx%.4g %s\n", sx, sy, sz, displayUnits)
	fmt.Printf("Processing time: %d ms (workers=%d)\n", result.ProcessingMS, result.Workers)
	fmt.Println()
	fmt.Printf("Tracks: %d (%d points)\n", result.TrackCount, result.PointCount)
	fmt.Printf("Occupied voxels: %d of %d (%.2f%%)\n",
		result.Stats.OccupiedVoxels, result.Stats.TotalVoxels, 100*result.Stats.OccupancyRatio)
	fmt.Printf("Total visits: %d\n", result.Stats.TotalVisits)
	fmt.Printf("Max count: %d\n", result.Stats.MaxCount)
	fmt.Printf("Mean count (nonzero): %.2f\n", result.Stats.MeanNonzero)
	fmt.Printf("Median count (nonzero): %.1f\n", result.Stats.MedianNonzero)
	fmt.Printf("StdDev (nonzero): %.2f\n", result.Stats.StdDevNonzero)
	if len(result.Elements) > 0 {
		fmt.Printf("Element voxels: %d\n", len(result.Elements))
	}
	fmt.Println("============================================")
}

func exportJSON(path string, result *Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("JSON marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// persistRun records the file and a completed density run so the results
// show up in the HTTP API and debug charts.
func persistRun(config Config, header *trk.Header, grid *tract.CountGrid, elements tract.ElementMap, result *Result) (string, error) {
	database, err := db.Open(config.DBPath)
	if err != nil {
		return "", err
	}
	defer database.Close()
	if err := database.EnsureSchema(true); err != nil {
		return "", err
	}

	stores := sqlite.NewStores(database.DB, timeutil.RealClock{})

	absPath, err := filepath.Abs(config.TRKFile)
	if err != nil {
		absPath = config.TRKFile
	}

	file, err := stores.Files.GetByPath(absPath)
	if errors.Is(err, sqlite.ErrNotFound) {
		file = &sqlite.TrackFile{
			Path:          absPath,
			Shape:         result.Shape,
			VoxelSize:     result.VoxelSize,
			TrackCount:    result.TrackCount,
			ScalarCount:   int(header.NScalars),
			PropertyCount: int(header.NProperties),
			VoxelOrder:    header.VoxelOrder,
		}
		err = stores.Files.Register(file)
	}
	if err != nil {
		return "", fmt.Errorf("registering %s: %w", absPath, err)
	}

	run := &sqlite.DensityRun{
		FileID:          file.FileID,
		Shape:           result.Shape,
		VoxelSize:       result.VoxelSize,
		CollectElements: config.Elements,
		Workers:         config.Workers,
	}
	if err := stores.Runs.Insert(run); err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	if err := stores.Runs.MarkRunning(run.RunID); err != nil {
		return "", err
	}
	if err := stores.Grids.Save(run.RunID, grid, elements); err != nil {
		return "", fmt.Errorf("saving grid: %w", err)
	}

	stats, err := json.Marshal(result.Stats)
	if err != nil {
		return "", err
	}
	if err := stores.Runs.Complete(run.RunID, result.TrackCount, result.PointCount, stats); err != nil {
		return "", err
	}
	return run.RunID, nil
}
