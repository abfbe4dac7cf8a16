package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/foxet/pbc1109/internal/monitoring"
	"github.com/foxet/pbc1109/internal/tract"
	"github.com/foxet/pbc1109/internal/tract/storage/sqlite"
	"github.com/foxet/pbc1109/internal/tract/trk"
	"github.com/foxet/pbc1109/internal/units"
)

// createRunRequest is the body of POST /api/runs. Exactly one of FileID
// or Tracks must be set. With a file, shape and voxel size default to
// the registered header values.
type createRunRequest struct {
	FileID          string             `json:"file_id,omitempty"`
	Tracks          [][][]float64      `json:"tracks,omitempty"`
	Shape           *tract.VolumeShape `json:"shape,omitempty"`
	VoxelSize       *tract.VoxelSize   `json:"voxel_size,omitempty"`
	CollectElements *bool              `json:"collect_elements,omitempty"`
	Workers         *int               `json:"workers,omitempty"`
}

// sliceResponse is one grid plane, row-major.
type sliceResponse struct {
	RunID  string    `json:"run_id"`
	Axis   string    `json:"axis"`
	Index  int       `json:"index"`
	Cols   int       `json:"cols"`
	Rows   int       `json:"rows"`
	Max    float64   `json:"max"`
	Values []float64 `json:"values"`
}

// handleRuns serves /api/runs: GET lists density runs, POST starts one.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRuns(w, r)
	case http.MethodPost:
		s.createRun(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func validRunStatus(status string) bool {
	switch status {
	case sqlite.RunStatusPending, sqlite.RunStatusRunning,
		sqlite.RunStatusCompleted, sqlite.RunStatusFailed:
		return true
	}
	return false
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !validRunStatus(status) {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", status))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.stores.Runs.List(status, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if (req.FileID == "") == (len(req.Tracks) == 0) {
		s.writeJSONError(w, http.StatusBadRequest, "exactly one of file_id or tracks is required")
		return
	}

	var (
		run      *sqlite.DensityRun
		tracks   []tract.Track
		filePath string
	)
	if req.FileID != "" {
		file, err := s.stores.Files.Get(req.FileID)
		if err != nil {
			if errors.Is(err, sqlite.ErrNotFound) {
				s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", req.FileID))
				return
			}
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load track file: %v", err))
			return
		}
		shape, size := file.Shape, file.VoxelSize
		if req.Shape != nil {
			shape = *req.Shape
		}
		if req.VoxelSize != nil {
			size = *req.VoxelSize
		}
		filePath = file.Path
		run = &sqlite.DensityRun{FileID: file.FileID, Shape: shape, VoxelSize: size}
	} else {
		if req.Shape == nil || req.VoxelSize == nil {
			s.writeJSONError(w, http.StatusBadRequest, "shape and voxel_size are required with inline tracks")
			return
		}
		if max := s.cfg.GetMaxTracksPerRequest(); len(req.Tracks) > max {
			s.writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("too many tracks: %d (max %d)", len(req.Tracks), max))
			return
		}
		converted, _, err := convertTracks(req.Tracks)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		tracks = converted
		run = &sqlite.DensityRun{Shape: *req.Shape, VoxelSize: *req.VoxelSize}
	}

	// Reject doomed runs while the caller is still listening.
	if err := run.Shape.Validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := run.VoxelSize.Validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	run.CollectElements = s.cfg.GetCollectElements()
	if req.CollectElements != nil {
		run.CollectElements = *req.CollectElements
	}
	run.Workers = s.cfg.GetWorkers()
	if req.Workers != nil {
		run.Workers = *req.Workers
	}

	if err := s.stores.Runs.Insert(run); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create run: %v", err))
		return
	}
	s.startRun(run, filePath, tracks)
	s.writeJSON(w, http.StatusAccepted, run)
}

// startRun executes a density run in the background. The request context
// is deliberately not propagated: a run outlives the request that
// created it.
func (s *Server) startRun(run *sqlite.DensityRun, filePath string, tracks []tract.Track) {
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.runSem <- struct{}{}
		defer func() { <-s.runSem }()
		s.executeRun(run, filePath, tracks)
	}()
}

func (s *Server) executeRun(run *sqlite.DensityRun, filePath string, tracks []tract.Track) {
	if err := s.stores.Runs.MarkRunning(run.RunID); err != nil {
		monitoring.Logf("[API] run %s: mark running: %v", run.RunID, err)
		return
	}

	if filePath != "" {
		var err error
		tracks, err = s.readTracks(filePath)
		if err != nil {
			s.failRun(run.RunID, fmt.Errorf("reading %s: %w", filePath, err))
			return
		}
	}
	var pointCount int64
	for _, t := range tracks {
		pointCount += int64(len(t))
	}

	grid, elements, err := tract.CountTracksParallel(context.Background(),
		tracks, run.Shape, run.VoxelSize, run.CollectElements, run.Workers)
	if err != nil {
		s.failRun(run.RunID, err)
		return
	}

	statsJSON, err := json.Marshal(grid.Stats())
	if err != nil {
		s.failRun(run.RunID, err)
		return
	}
	if err := s.stores.Grids.Save(run.RunID, grid, elements); err != nil {
		s.failRun(run.RunID, fmt.Errorf("saving grid: %w", err))
		return
	}
	if err := s.stores.Runs.Complete(run.RunID, len(tracks), pointCount, statsJSON); err != nil {
		monitoring.Logf("[API] run %s: record completion: %v", run.RunID, err)
	}
}

func (s *Server) failRun(runID string, runErr error) {
	monitoring.Logf("[API] run %s failed: %v", runID, runErr)
	if err := s.stores.Runs.Fail(runID, runErr); err != nil {
		monitoring.Logf("[API] run %s: record failure: %v", runID, err)
	}
}

func (s *Server) readTracks(filePath string) ([]tract.Track, error) {
	f, err := s.fs.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reader, err := trk.NewReader(f)
	if err != nil {
		return nil, err
	}
	return reader.ReadAll()
}

// handleRunByID serves /api/runs/{id} and its sub-resources: stats,
// elements, and slice.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := pathSuffix(r, "/api/runs/")
	if rest == "" {
		s.writeJSONError(w, http.StatusBadRequest, "run id is required")
		return
	}
	runID, sub, _ := strings.Cut(rest, "/")
	if sub != "" && r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getRun(w, runID)
		case http.MethodDelete:
			s.deleteRun(w, runID)
		default:
			s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "stats":
		s.runStats(w, runID)
	case "elements":
		s.runElements(w, r, runID)
	case "slice":
		s.runSlice(w, r, runID)
	default:
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown run resource %q", sub))
	}
}

func (s *Server) getRun(w http.ResponseWriter, runID string) {
	run, err := s.stores.Runs.Get(runID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// deleteRun removes a run; its grid row goes with it via the foreign
// key cascade.
func (s *Server) deleteRun(w http.ResponseWriter, runID string) {
	if err := s.stores.Runs.Delete(runID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete run: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"run_id": runID,
	})
}

func (s *Server) runStats(w http.ResponseWriter, runID string) {
	run, err := s.stores.Runs.Get(runID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
		return
	}
	if run.Status != sqlite.RunStatusCompleted || len(run.Stats) == 0 {
		s.writeJSONError(w, http.StatusConflict,
			fmt.Sprintf("run %s is %s; stats are available once completed", runID, run.Status))
		return
	}
	s.writeJSON(w, http.StatusOK, run.Stats)
}

// loadRunGrid fetches a run's persisted grid, distinguishing a missing
// run from results that are not ready yet. Errors are written to w; the
// bool reports whether the grid is usable.
func (s *Server) loadRunGrid(w http.ResponseWriter, runID string) (*tract.CountGrid, tract.ElementMap, bool) {
	run, err := s.stores.Runs.Get(runID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		} else {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
		}
		return nil, nil, false
	}
	grid, elements, err := s.stores.Grids.Load(runID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			s.writeJSONError(w, http.StatusConflict,
				fmt.Sprintf("run %s is %s; results are available once completed", runID, run.Status))
		} else {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load grid: %v", err))
		}
		return nil, nil, false
	}
	return grid, elements, true
}

func (s *Server) runElements(w http.ResponseWriter, r *http.Request, runID string) {
	_, elements, ok := s.loadRunGrid(w, runID)
	if !ok {
		return
	}
	if elements == nil {
		s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("run %s did not collect elements", runID))
		return
	}

	raw := r.URL.Query().Get("voxel")
	if raw == "" {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id":   runID,
			"elements": sortedElements(elements),
			"count":    len(elements),
		})
		return
	}
	voxel, err := units.ParseVoxelIndex(raw)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	elems := elements[voxel]
	if elems == nil {
		elems = []tract.Element{}
	}
	s.writeJSON(w, http.StatusOK, voxelElements{Voxel: voxel, Elements: elems})
}

func (s *Server) runSlice(w http.ResponseWriter, r *http.Request, runID string) {
	grid, _, ok := s.loadRunGrid(w, runID)
	if !ok {
		return
	}
	axisRaw := r.URL.Query().Get("axis")
	if axisRaw == "" {
		axisRaw = "z"
	}
	axis, err := tract.ParseAxis(axisRaw)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	index, err := queryInt(r, "index", 0)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	plane, err := grid.Slice(axis, index)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, &sliceResponse{
		RunID:  runID,
		Axis:   axis.String(),
		Index:  index,
		Cols:   plane.Cols,
		Rows:   plane.Rows,
		Max:    plane.Max(),
		Values: plane.Values,
	})
}
