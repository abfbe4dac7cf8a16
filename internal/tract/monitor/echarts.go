// Package monitor renders debug visualisations of stored density grids:
// go-echarts HTML pages for quick inspection in a browser and gonum/plot
// PNG files for offline reports.
package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/foxet/pbc1109/internal/tract"
	sqlite "github.com/foxet/pbc1109/internal/tract/storage/sqlite"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// echartsAssetsPrefix is where rendered pages load the echarts JS bundle
// from. Using the upstream CDN keeps the binary free of embedded assets.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ChartServer serves HTML chart pages over the run and grid stores.
// These are debugging-only endpoints (no auth) for visual inspection of
// density results without a frontend.
type ChartServer struct {
	stores *sqlite.Stores
}

func NewChartServer(stores *sqlite.Stores) *ChartServer {
	return &ChartServer{stores: stores}
}

// RegisterRoutes mounts the chart endpoints on mux under /debug/charts/.
func (cs *ChartServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/charts/", cs.handleDashboard)
	mux.HandleFunc("/debug/charts/density", cs.handleDensityChart)
	mux.HandleFunc("/debug/charts/histogram", cs.handleHistogramChart)
	mux.HandleFunc("/debug/charts/runs", cs.handleRunsChart)
}

func (cs *ChartServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// loadGrid fetches the stored grid for a run, writing the error response
// itself when the run or its grid is missing.
func (cs *ChartServer) loadGrid(w http.ResponseWriter, runID string) (*tract.CountGrid, bool) {
	run, err := cs.stores.Runs.Get(runID)
	if errors.Is(err, sqlite.ErrNotFound) {
		cs.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return nil, false
	}
	if err != nil {
		cs.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
		return nil, false
	}

	grid, _, err := cs.stores.Grids.Load(runID)
	if errors.Is(err, sqlite.ErrNotFound) {
		cs.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no grid stored for run %s (status %s)", runID, run.Status))
		return nil, false
	}
	if err != nil {
		cs.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load grid: %v", err))
		return nil, false
	}
	return grid, true
}

// handleDensityChart renders a 2D projection of a run's density grid as a
// colored scatter (HTML) using go-echarts.
// Query params:
//   - run (required)
//   - axis (optional; default z)
//   - mode (optional; sum or max, default sum)
//   - max_points (optional; default 8000) to reduce payload size
func (cs *ChartServer) handleDensityChart(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	if runID == "" {
		cs.writeJSONError(w, http.StatusBadRequest, "missing 'run' parameter")
		return
	}

	axis := tract.AxisZ
	if v := r.URL.Query().Get("axis"); v != "" {
		parsed, err := tract.ParseAxis(v)
		if err != nil {
			cs.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		axis = parsed
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "sum"
	}
	if mode != "sum" && mode != "max" {
		cs.writeJSONError(w, http.StatusBadRequest, "invalid mode; use 'sum' or 'max'")
		return
	}

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	grid, ok := cs.loadGrid(w, runID)
	if !ok {
		return
	}

	var proj *tract.Projection
	if mode == "max" {
		proj = grid.MaxProjection(axis)
	} else {
		proj = grid.SumProjection(axis)
	}

	// Occupied cells only; empty space would drown the palette in zeros.
	type cell struct {
		c, r int
		v    float64
	}
	cells := make([]cell, 0, len(proj.Values))
	for c := 0; c < proj.Cols; c++ {
		for row := 0; row < proj.Rows; row++ {
			if v := proj.Z(c, row); v > 0 {
				cells = append(cells, cell{c, row, v})
			}
		}
	}
	if len(cells) == 0 {
		cs.writeJSONError(w, http.StatusNotFound, "no occupied voxels in projection")
		return
	}

	// Downsample by stride to stay within maxPoints
	stride := 1
	if len(cells) > maxPoints {
		stride = int(math.Ceil(float64(len(cells)) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, len(cells)/stride+1)
	for i := 0; i < len(cells); i += stride {
		data = append(data, opts.ScatterData{Value: []interface{}{cells[i].c, cells[i].r, cells[i].v}})
	}

	maxVal := proj.Max()
	if maxVal == 0 {
		maxVal = 1
	}

	colName, rowName := planeAxes(axis)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Track Density", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Track Density Projection", Subtitle: fmt.Sprintf("run=%s axis=%s mode=%s cells=%d stride=%d", runID, axis, mode, len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: proj.Cols, Name: colName + " (voxels)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: proj.Rows, Name: rowName + " (voxels)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxVal),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("density", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		cs.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleHistogramChart renders the voxel count distribution of a run's
// grid as a bar chart (HTML).
// Query params:
//   - run (required)
func (cs *ChartServer) handleHistogramChart(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	if runID == "" {
		cs.writeJSONError(w, http.StatusBadRequest, "missing 'run' parameter")
		return
	}

	grid, ok := cs.loadGrid(w, runID)
	if !ok {
		return
	}

	hist := grid.Histogram()
	if len(hist) == 0 {
		cs.writeJSONError(w, http.StatusNotFound, "grid has no occupied voxels")
		return
	}

	counts := make([]uint32, 0, len(hist))
	for c := range hist {
		counts = append(counts, c)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })

	// Cap the axis at 50 buckets so dense grids stay readable.
	const maxBuckets = 50
	var overflow int64
	if len(counts) > maxBuckets {
		for _, c := range counts[maxBuckets:] {
			overflow += hist[c]
		}
		counts = counts[:maxBuckets]
	}

	x := make([]string, 0, len(counts)+1)
	y := make([]opts.BarData, 0, len(counts)+1)
	for _, c := range counts {
		x = append(x, strconv.FormatUint(uint64(c), 10))
		y = append(y, opts.BarData{Value: hist[c]})
	}
	if overflow > 0 {
		x = append(x, fmt.Sprintf(">%d", counts[len(counts)-1]))
		y = append(y, opts.BarData{Value: overflow})
	}

	stats := grid.Stats()

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Voxel Count Histogram", Subtitle: fmt.Sprintf("run=%s occupied=%d max=%d", runID, stats.OccupiedVoxels, stats.MaxCount)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("voxels", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		cs.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleRunsChart renders recent runs as a bar chart of duration and
// track count (HTML).
// Query params:
//   - limit (optional; default 25)
func (cs *ChartServer) handleRunsChart(w http.ResponseWriter, r *http.Request) {
	limit := 25
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	runs, err := cs.stores.Runs.List("", limit)
	if err != nil {
		cs.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if len(runs) == 0 {
		cs.writeJSONError(w, http.StatusNotFound, "no runs recorded")
		return
	}

	x := make([]string, 0, len(runs))
	durations := make([]opts.BarData, 0, len(runs))
	trackCounts := make([]opts.BarData, 0, len(runs))
	for _, run := range runs {
		label := run.RunID
		if len(label) > 8 {
			label = label[:8]
		}
		x = append(x, label)

		var secs float64
		if run.CompletedAt != nil {
			secs = run.CompletedAt.Sub(run.StartedAt).Seconds()
		}
		durations = append(durations, opts.BarData{Value: secs})
		trackCounts = append(trackCounts, opts.BarData{Value: run.TrackCount})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Density Runs", Subtitle: fmt.Sprintf("latest %d runs, newest first", len(runs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("duration (s)", durations).
		AddSeries("tracks", trackCounts,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		cs.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDashboard renders a simple dashboard with iframes to the debug
// charts for one run.
func (cs *ChartServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/debug/charts/" {
		http.NotFound(w, r)
		return
	}

	runID := r.URL.Query().Get("run")
	safeRunID := html.EscapeString(runID)
	qs := ""
	if runID != "" {
		qs = "?run=" + url.QueryEscape(runID)
	}
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(dashboardHTML, safeRunID, safeQs, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head><title>Density Charts</title></head>
<body style="margin:0;background:#111;color:#eee;font-family:sans-serif">
<h2 style="padding:8px">Density charts %s</h2>
<iframe src="/debug/charts/density%s" style="width:49%%;height:920px;border:0"></iframe>
<iframe src="/debug/charts/histogram%s" style="width:49%%;height:920px;border:0"></iframe>
<iframe src="/debug/charts/runs" style="width:100%%;height:760px;border:0"></iframe>
</body>
</html>`
