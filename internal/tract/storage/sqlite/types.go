package sqlite

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/foxet/pbc1109/internal/tract"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Run lifecycle states. A run starts pending, moves to running when a
// worker picks it up, and ends completed or failed.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// TrackFile is a registered .trk file available as input to density runs.
// Shape and VoxelSize are the header defaults; a run may override them.
type TrackFile struct {
	FileID        string            `json:"file_id"`
	Path          string            `json:"path"`
	Shape         tract.VolumeShape `json:"shape"`
	VoxelSize     tract.VoxelSize   `json:"voxel_size"`
	TrackCount    int               `json:"track_count"`
	ScalarCount   int               `json:"scalar_count"`
	PropertyCount int               `json:"property_count"`
	VoxelOrder    string            `json:"voxel_order"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// DensityRun records one counting run: the request parameters, lifecycle
// status, and summary statistics once the run completes.
type DensityRun struct {
	RunID           string            `json:"run_id"`
	FileID          string            `json:"file_id,omitempty"`
	Status          string            `json:"status"`
	CollectElements bool              `json:"collect_elements"`
	Workers         int               `json:"workers"`
	Shape           tract.VolumeShape `json:"shape"`
	VoxelSize       tract.VoxelSize   `json:"voxel_size"`
	TrackCount      int               `json:"track_count"`
	PointCount      int64             `json:"point_count"`
	Stats           json.RawMessage   `json:"stats,omitempty"`
	Error           string            `json:"error,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// timeFormat is how timestamps are stored in the database.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
