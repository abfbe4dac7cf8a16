package monitor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/foxet/pbc1109/internal/fsutil"
	"github.com/foxet/pbc1109/internal/tract"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// GridPlotter writes PNG projections of a count grid for offline
// inspection. Rendering goes through plot.WriterTo so the files land on
// the injected filesystem.
type GridPlotter struct {
	fs        fsutil.FileSystem
	outputDir string
}

// NewGridPlotter creates a plotter writing into outputDir. A nil fs means
// the real filesystem.
func NewGridPlotter(fs fsutil.FileSystem, outputDir string) *GridPlotter {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &GridPlotter{fs: fs, outputDir: outputDir}
}

// OutputDir returns the directory plots are written to.
func (gp *GridPlotter) OutputDir() string { return gp.outputDir }

// SavePlots renders sum and max projections of the grid along every axis
// and returns the paths written, six files in total.
func (gp *GridPlotter) SavePlots(grid *tract.CountGrid, stem string) ([]string, error) {
	if err := gp.fs.MkdirAll(gp.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}

	var written []string
	for _, axis := range []tract.Axis{tract.AxisX, tract.AxisY, tract.AxisZ} {
		sumFile := filepath.Join(gp.outputDir, fmt.Sprintf("%s_sum_%s.png", stem, axis))
		title := fmt.Sprintf("Track Density - Sum over %s", axis)
		if err := gp.savePlane(grid.SumProjection(axis), title, sumFile); err != nil {
			return written, fmt.Errorf("axis %s: %w", axis, err)
		}
		written = append(written, sumFile)

		maxFile := filepath.Join(gp.outputDir, fmt.Sprintf("%s_max_%s.png", stem, axis))
		title = fmt.Sprintf("Track Density - Max over %s", axis)
		if err := gp.savePlane(grid.MaxProjection(axis), title, maxFile); err != nil {
			return written, fmt.Errorf("axis %s: %w", axis, err)
		}
		written = append(written, maxFile)
	}
	return written, nil
}

// savePlane renders one projection as a heat map PNG.
func (gp *GridPlotter) savePlane(proj *tract.Projection, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	colName, rowName := planeAxes(proj.Axis)
	p.X.Label.Text = colName + " (voxels)"
	p.Y.Label.Text = rowName + " (voxels)"

	hm := plotter.NewHeatMap(proj, palette.Heat(12, 255))
	if hm.Max == hm.Min {
		// A flat plane leaves the palette with zero range.
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render %s: %w", filepath.Base(path), err)
	}

	f, err := gp.fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// planeAxes names the in-plane axes of a projection along a.
func planeAxes(a tract.Axis) (cols, rows string) {
	switch a {
	case tract.AxisX:
		return "y", "z"
	case tract.AxisY:
		return "x", "z"
	default:
		return "x", "y"
	}
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir builds a timestamped output directory for plots.
// For a track file: <base>/<trk basename>/<timestamp>
// Otherwise: <base>/grid_<timestamp>
func MakePlotOutputDir(baseDir, trkFile string) string {
	ts := FormatTimestamp(time.Now())
	if trkFile != "" {
		base := filepath.Base(trkFile)
		ext := filepath.Ext(base)
		name := base[:len(base)-len(ext)]
		return filepath.Join(baseDir, name, ts)
	}
	return filepath.Join(baseDir, "grid_"+ts)
}
