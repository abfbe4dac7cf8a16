package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxet/pbc1109/internal/tract"
	"github.com/foxet/pbc1109/internal/tract/storage/sqlite"
)

// createRunAndWait posts a run, waits for the background execution to
// finish, and returns the final stored state.
func createRunAndWait(t *testing.T, ts *testServer, body createRunRequest) *sqlite.DensityRun {
	t.Helper()
	req := postJSON(t, "/api/runs", body)
	w := httptest.NewRecorder()
	ts.handleRuns(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var accepted sqlite.DensityRun
	decodeJSON(t, w, &accepted)
	if accepted.RunID == "" {
		t.Fatal("Expected a generated run ID")
	}
	if accepted.Status != sqlite.RunStatusPending {
		t.Fatalf("Expected accepted run to be pending, got %s", accepted.Status)
	}

	ts.Wait()

	run, err := ts.stores.Runs.Get(accepted.RunID)
	if err != nil {
		t.Fatalf("failed to load run after completion: %v", err)
	}
	return run
}

func TestCreateRun_InlineTracks(t *testing.T) {
	ts := setupTestServer(t, nil)

	collect := true
	run := createRunAndWait(t, ts, createRunRequest{
		Tracks:          [][][]float64{{{0, 0, 0}, {0, 0, 0}, {1.2, 1.2, 1.2}}},
		Shape:           &tract.VolumeShape{2, 2, 2},
		VoxelSize:       &tract.VoxelSize{1, 1, 1},
		CollectElements: &collect,
	})

	if run.Status != sqlite.RunStatusCompleted {
		t.Fatalf("Expected completed run, got %s (error: %s)", run.Status, run.Error)
	}
	if run.TrackCount != 1 || run.PointCount != 3 {
		t.Errorf("Expected 1 track / 3 points, got %d / %d", run.TrackCount, run.PointCount)
	}
	if run.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
	if len(run.Stats) == 0 {
		t.Error("Expected stats to be recorded")
	}

	grid, elements, err := ts.stores.Grids.Load(run.RunID)
	if err != nil {
		t.Fatalf("failed to load grid: %v", err)
	}
	if got := grid.At(tract.VoxelIndex{0, 0, 0}); got != 1 {
		t.Errorf("Expected count 1 at origin, got %d", got)
	}
	if got := grid.At(tract.VoxelIndex{1, 1, 1}); got != 1 {
		t.Errorf("Expected count 1 at far corner, got %d", got)
	}
	if len(elements) != 2 {
		t.Errorf("Expected 2 element entries, got %d", len(elements))
	}
}

func TestCreateRun_FromFile(t *testing.T) {
	ts := setupTestServer(t, nil)
	file := registerTestFile(t, ts, "/data/brain.trk")

	run := createRunAndWait(t, ts, createRunRequest{FileID: file.FileID})

	if run.Status != sqlite.RunStatusCompleted {
		t.Fatalf("Expected completed run, got %s (error: %s)", run.Status, run.Error)
	}
	if run.FileID != file.FileID {
		t.Errorf("Expected run bound to file %s, got %s", file.FileID, run.FileID)
	}
	if run.Shape != file.Shape || run.VoxelSize != file.VoxelSize {
		t.Errorf("Expected geometry from the file header, got %v %v", run.Shape, run.VoxelSize)
	}
	if run.TrackCount != len(testFileTracks) {
		t.Errorf("Expected %d tracks, got %d", len(testFileTracks), run.TrackCount)
	}

	if _, _, err := ts.stores.Grids.Load(run.RunID); err != nil {
		t.Errorf("Expected a persisted grid: %v", err)
	}
}

func TestCreateRun_GeometryOverride(t *testing.T) {
	ts := setupTestServer(t, nil)
	file := registerTestFile(t, ts, "/data/brain.trk")

	run := createRunAndWait(t, ts, createRunRequest{
		FileID: file.FileID,
		Shape:  &tract.VolumeShape{8, 8, 8},
	})

	if run.Status != sqlite.RunStatusCompleted {
		t.Fatalf("Expected completed run, got %s (error: %s)", run.Status, run.Error)
	}
	if run.Shape != (tract.VolumeShape{8, 8, 8}) {
		t.Errorf("Expected overridden shape [8 8 8], got %v", run.Shape)
	}
	if run.VoxelSize != file.VoxelSize {
		t.Errorf("Expected voxel size from the file header, got %v", run.VoxelSize)
	}
}

func TestCreateRun_FailureRecorded(t *testing.T) {
	ts := setupTestServer(t, nil)

	// Registered but the bytes are gone.
	file := &sqlite.TrackFile{
		Path:      "/data/vanished.trk",
		Shape:     tract.VolumeShape{4, 4, 4},
		VoxelSize: tract.VoxelSize{1, 1, 1},
	}
	if err := ts.stores.Files.Register(file); err != nil {
		t.Fatalf("failed to register file: %v", err)
	}

	run := createRunAndWait(t, ts, createRunRequest{FileID: file.FileID})

	if run.Status != sqlite.RunStatusFailed {
		t.Fatalf("Expected failed run, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "/data/vanished.trk") {
		t.Errorf("Expected error to name the file, got: %s", run.Error)
	}
	if run.CompletedAt == nil {
		t.Error("Expected completed_at on a failed run")
	}

	// No grid for a failed run; its stats stay empty.
	if _, _, err := ts.stores.Grids.Load(run.RunID); err == nil {
		t.Error("Expected no grid for a failed run")
	}
}

func TestCreateRun_Validation(t *testing.T) {
	ts := setupTestServer(t, nil)

	tests := []struct {
		name     string
		body     createRunRequest
		wantCode int
	}{
		{"neither input", createRunRequest{}, http.StatusBadRequest},
		{
			"both inputs",
			createRunRequest{FileID: "x", Tracks: [][][]float64{{{0, 0, 0}}}},
			http.StatusBadRequest,
		},
		{
			"inline without geometry",
			createRunRequest{Tracks: [][][]float64{{{0, 0, 0}}}},
			http.StatusBadRequest,
		},
		{
			"invalid shape",
			createRunRequest{
				Tracks:    [][][]float64{{{0, 0, 0}}},
				Shape:     &tract.VolumeShape{0, 1, 1},
				VoxelSize: &tract.VoxelSize{1, 1, 1},
			},
			http.StatusBadRequest,
		},
		{"unknown file", createRunRequest{FileID: "missing"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := postJSON(t, "/api/runs", tt.body)
			w := httptest.NewRecorder()
			ts.handleRuns(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	ts := setupTestServer(t, nil)

	for i := 0; i < 3; i++ {
		run := &sqlite.DensityRun{
			Shape:     tract.VolumeShape{2, 2, 2},
			VoxelSize: tract.VoxelSize{1, 1, 1},
		}
		if err := ts.stores.Runs.Insert(run); err != nil {
			t.Fatalf("failed to insert run: %v", err)
		}
		if i == 0 {
			if err := ts.stores.Runs.MarkRunning(run.RunID); err != nil {
				t.Fatalf("failed to mark running: %v", err)
			}
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w := httptest.NewRecorder()
	ts.handleRuns(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got struct {
		Runs  []sqlite.DensityRun `json:"runs"`
		Count int                 `json:"count"`
	}
	decodeJSON(t, w, &got)
	if got.Count != 3 {
		t.Errorf("Expected 3 runs, got %d", got.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs?status=running", nil)
	w = httptest.NewRecorder()
	ts.handleRuns(w, req)
	decodeJSON(t, w, &got)
	if got.Count != 1 {
		t.Errorf("Expected 1 running run, got %d", got.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs?limit=2", nil)
	w = httptest.NewRecorder()
	ts.handleRuns(w, req)
	decodeJSON(t, w, &got)
	if got.Count != 2 {
		t.Errorf("Expected limit to cap at 2 runs, got %d", got.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs?status=bogus", nil)
	w = httptest.NewRecorder()
	ts.handleRuns(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bogus status, got %d", w.Code)
	}
}

func TestDeleteRun(t *testing.T) {
	ts := setupTestServer(t, nil)

	collect := true
	run := createRunAndWait(t, ts, createRunRequest{
		Tracks:          [][][]float64{{{0, 0, 0}}},
		Shape:           &tract.VolumeShape{2, 2, 2},
		VoxelSize:       &tract.VoxelSize{1, 1, 1},
		CollectElements: &collect,
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/runs/"+run.RunID, nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// The grid goes with the run.
	if _, _, err := ts.stores.Grids.Load(run.RunID); err == nil {
		t.Error("Expected grid to be deleted with the run")
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/runs/"+run.RunID, nil)
	w = httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", w.Code)
	}
}

func TestRunStats(t *testing.T) {
	ts := setupTestServer(t, nil)

	run := createRunAndWait(t, ts, createRunRequest{
		Tracks:    [][][]float64{{{0, 0, 0}, {0, 0, 0}, {1.2, 1.2, 1.2}}},
		Shape:     &tract.VolumeShape{2, 2, 2},
		VoxelSize: &tract.VoxelSize{1, 1, 1},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/stats", nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var stats tract.GridStats
	decodeJSON(t, w, &stats)
	if stats.OccupiedVoxels != 2 || stats.TotalVoxels != 8 {
		t.Errorf("Expected 2/8 occupied voxels, got %d/%d", stats.OccupiedVoxels, stats.TotalVoxels)
	}
	if stats.TotalVisits != 2 || stats.MaxCount != 1 {
		t.Errorf("Expected 2 visits with max 1, got %d/%d", stats.TotalVisits, stats.MaxCount)
	}
}

func TestRunStats_NotCompleted(t *testing.T) {
	ts := setupTestServer(t, nil)

	run := &sqlite.DensityRun{
		Shape:     tract.VolumeShape{2, 2, 2},
		VoxelSize: tract.VoxelSize{1, 1, 1},
	}
	if err := ts.stores.Runs.Insert(run); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/stats", nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pending") {
		t.Errorf("Expected the run status in the error, got: %s", w.Body.String())
	}
}

func TestRunElements(t *testing.T) {
	ts := setupTestServer(t, nil)

	collect := true
	run := createRunAndWait(t, ts, createRunRequest{
		Tracks:          [][][]float64{{{0, 0, 0}, {0, 0, 0}, {1.2, 1.2, 1.2}}},
		Shape:           &tract.VolumeShape{2, 2, 2},
		VoxelSize:       &tract.VoxelSize{1, 1, 1},
		CollectElements: &collect,
	})

	// Full map.
	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/elements", nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var full struct {
		RunID    string          `json:"run_id"`
		Elements []voxelElements `json:"elements"`
		Count    int             `json:"count"`
	}
	decodeJSON(t, w, &full)
	if full.Count != 2 || len(full.Elements) != 2 {
		t.Fatalf("Expected 2 element entries, got count=%d len=%d", full.Count, len(full.Elements))
	}

	// Single voxel.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/elements?voxel=1,1,1", nil)
	w = httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var single voxelElements
	decodeJSON(t, w, &single)
	if len(single.Elements) != 1 || single.Elements[0] != (tract.Element{Track: 0, Point: 2}) {
		t.Errorf("Expected element (0,2) at voxel (1,1,1), got %+v", single.Elements)
	}

	// Untouched voxel: empty list, not an error.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/elements?voxel=0,1,0", nil)
	w = httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	decodeJSON(t, w, &single)
	if len(single.Elements) != 0 {
		t.Errorf("Expected no elements for an untouched voxel, got %+v", single.Elements)
	}

	// Bad voxel parameter.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/elements?voxel=1,1", nil)
	w = httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad voxel, got %d", w.Code)
	}
}

func TestRunElements_NotCollected(t *testing.T) {
	ts := setupTestServer(t, nil)

	run := createRunAndWait(t, ts, createRunRequest{
		Tracks:    [][][]float64{{{0, 0, 0}}},
		Shape:     &tract.VolumeShape{2, 2, 2},
		VoxelSize: &tract.VoxelSize{1, 1, 1},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/elements", nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "did not collect elements") {
		t.Errorf("Expected not-collected error, got: %s", w.Body.String())
	}
}

func TestRunSlice(t *testing.T) {
	ts := setupTestServer(t, nil)

	run := createRunAndWait(t, ts, createRunRequest{
		Tracks:    [][][]float64{{{0, 0, 0}, {0, 0, 0}, {1.2, 1.2, 1.2}}},
		Shape:     &tract.VolumeShape{2, 2, 2},
		VoxelSize: &tract.VoxelSize{1, 1, 1},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/slice?axis=z&index=0", nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var slice sliceResponse
	decodeJSON(t, w, &slice)
	if slice.Axis != "z" || slice.Index != 0 {
		t.Errorf("Expected z/0 slice, got %s/%d", slice.Axis, slice.Index)
	}
	if slice.Cols != 2 || slice.Rows != 2 {
		t.Errorf("Expected 2x2 plane, got %dx%d", slice.Cols, slice.Rows)
	}
	want := []float64{1, 0, 0, 0}
	if len(slice.Values) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(slice.Values))
	}
	for i := range want {
		if slice.Values[i] != want[i] {
			t.Errorf("Value %d: expected %v, got %v", i, want[i], slice.Values[i])
		}
	}
	if slice.Max != 1 {
		t.Errorf("Expected max 1, got %v", slice.Max)
	}

	// Axis defaults to z.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/slice?index=1", nil)
	w = httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for default axis, got %d", w.Code)
	}

	// Errors.
	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/slice?axis=w", nil)
	w = httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad axis, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+run.RunID+"/slice?axis=z&index=9", nil)
	w = httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for out-of-range index, got %d", w.Code)
	}
}

func TestRunByID_UnknownResource(t *testing.T) {
	ts := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/some-id/frobnicate", nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown sub-resource, got %d", w.Code)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	ts := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil)
	w := httptest.NewRecorder()
	ts.handleRunByID(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
