package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/foxet/pbc1109/internal/security"
	"github.com/foxet/pbc1109/internal/tract/storage/sqlite"
	"github.com/foxet/pbc1109/internal/tract/trk"
)

// registerFileRequest is the body of POST /api/files. Exactly one of
// Path or URL must be set; Name overrides the filename derived from
// the URL when fetching.
type registerFileRequest struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// handleFiles serves /api/files: GET lists registered track files,
// POST registers a new one.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listFiles(w, r)
	case http.MethodPost:
		s.registerFile(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listFiles(w http.ResponseWriter, _ *http.Request) {
	files, err := s.stores.Files.List()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list track files: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

func (s *Server) registerFile(w http.ResponseWriter, r *http.Request) {
	var req registerFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if (req.Path == "") == (req.URL == "") {
		s.writeJSONError(w, http.StatusBadRequest, "exactly one of path or url is required")
		return
	}

	filePath := req.Path
	if req.URL != "" {
		fetched, err := s.fetchTrackFile(r.Context(), req.URL, req.Name)
		if err != nil {
			s.writeJSONError(w, fetchErrorStatus(err), fmt.Sprintf("failed to fetch track file: %v", err))
			return
		}
		filePath = fetched
	} else if len(s.cfg.TrackDirs) > 0 {
		if err := security.ValidatePathWithinAllowedDirs(filePath, s.cfg.TrackDirs); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("path not allowed: %v", err))
			return
		}
	}

	file, err := s.inspectTrackFile(filePath)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to read track file: %v", err))
		return
	}
	if err := s.stores.Files.Register(file); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("file already registered: %s", filePath))
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to register track file: %v", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, file)
}

// inspectTrackFile opens a .trk file, validates its header against the
// kernel types, and counts the tracks it holds.
func (s *Server) inspectTrackFile(filePath string) (*sqlite.TrackFile, error) {
	f, err := s.fs.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := trk.NewReader(f)
	if err != nil {
		return nil, err
	}
	h := reader.Header()
	shape, err := h.VolumeShape()
	if err != nil {
		return nil, err
	}
	size, err := h.VoxelSizeMM()
	if err != nil {
		return nil, err
	}

	count := 0
	for {
		if _, err := reader.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("track %d: %w", count, err)
		}
		count++
	}

	return &sqlite.TrackFile{
		Path:          filePath,
		Shape:         shape,
		VoxelSize:     size,
		TrackCount:    count,
		ScalarCount:   int(h.NScalars),
		PropertyCount: int(h.NProperties),
		VoxelOrder:    h.VoxelOrder,
	}, nil
}

// errTrackDirsRequired rejects remote fetches until an allow-listed
// directory exists to hold them.
var errTrackDirsRequired = errors.New("track_dirs must be configured to fetch remote files")

// fetchTrackFile downloads a remote .trk file into the first configured
// track directory and returns the local path it was written to.
func (s *Server) fetchTrackFile(ctx context.Context, rawURL, name string) (string, error) {
	if len(s.cfg.TrackDirs) == 0 {
		return "", errTrackDirsRequired
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid url scheme %q", u.Scheme)
	}
	if name == "" {
		name = path.Base(u.Path)
		if name == "" || name == "." || name == "/" {
			name = "download.trk"
		}
	}
	name = security.SanitizeFilename(name)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GetFetchTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}

	dir := s.cfg.TrackDirs[0]
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	out, err := s.fs.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		s.fs.Remove(target)
		return "", fmt.Errorf("writing %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return target, nil
}

// fetchErrorStatus distinguishes caller mistakes from upstream failures.
func fetchErrorStatus(err error) int {
	if errors.Is(err, errTrackDirsRequired) || strings.Contains(err.Error(), "invalid url") {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// handleFileByID serves /api/files/{id}: GET returns the registration,
// DELETE removes it.
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	fileID := pathSuffix(r, "/api/files/")
	if fileID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "file id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		file, err := s.stores.Files.Get(fileID)
		if err != nil {
			if errors.Is(err, sqlite.ErrNotFound) {
				s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", fileID))
				return
			}
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load track file: %v", err))
			return
		}
		s.writeJSON(w, http.StatusOK, file)
	case http.MethodDelete:
		if err := s.stores.Files.Delete(fileID); err != nil {
			if errors.Is(err, sqlite.ErrNotFound) {
				s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", fileID))
				return
			}
			if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
				s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("file %s is referenced by density runs", fileID))
				return
			}
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete track file: %v", err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status":  "deleted",
			"file_id": fileID,
		})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
