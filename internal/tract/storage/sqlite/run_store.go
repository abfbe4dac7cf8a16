package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/foxet/pbc1109/internal/timeutil"
)

// RunStore provides persistence for density runs.
type RunStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewRunStore creates a RunStore backed by the given database. A nil
// clock defaults to the real one.
func NewRunStore(db *sql.DB, clock timeutil.Clock) *RunStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RunStore{db: db, clock: clock}
}

// nullStr maps empty strings to SQL NULL.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Insert persists a new run. If RunID is empty a UUID is generated; if
// StartedAt is zero the store's clock is used; an empty Status defaults
// to pending.
func (s *RunStore) Insert(run *DensityRun) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock.Now().UTC()
	}

	var statsStr interface{}
	if len(run.Stats) > 0 {
		statsStr = string(run.Stats)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO density_runs (
				id, file_id, status, collect_elements, workers,
				shape_x, shape_y, shape_z,
				voxel_size_x, voxel_size_y, voxel_size_z,
				track_count, point_count, stats_json, error,
				started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, nullStr(run.FileID), run.Status, run.CollectElements, run.Workers,
			run.Shape[0], run.Shape[1], run.Shape[2],
			run.VoxelSize[0], run.VoxelSize[1], run.VoxelSize[2],
			run.TrackCount, run.PointCount, statsStr, nullStr(run.Error),
			formatTime(run.StartedAt), nil,
		)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", run.RunID, err)
		}
		return nil
	})
}

const runColumns = `id, file_id, status, collect_elements, workers,
	shape_x, shape_y, shape_z,
	voxel_size_x, voxel_size_y, voxel_size_z,
	track_count, point_count, stats_json, error,
	started_at, completed_at`

// Get returns a single run by ID.
func (s *RunStore) Get(runID string) (*DensityRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM density_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run %s: %w", runID, err)
	}
	return run, nil
}

// List returns runs ordered by start time descending. An empty status
// matches all runs; limit <= 0 means no limit.
func (s *RunStore) List(status string, limit int) ([]*DensityRun, error) {
	query := `SELECT ` + runColumns + ` FROM density_runs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*DensityRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunning transitions a run to the running state.
func (s *RunStore) MarkRunning(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`UPDATE density_runs SET status = ? WHERE id = ?`,
			RunStatusRunning, runID)
		if err != nil {
			return fmt.Errorf("update run %s status: %w", runID, err)
		}
		return requireAffected(result, runID)
	})
}

// Complete marks a run completed and records its result summary.
func (s *RunStore) Complete(runID string, trackCount int, pointCount int64, stats json.RawMessage) error {
	now := s.clock.Now().UTC()
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`
			UPDATE density_runs
			SET status = ?, track_count = ?, point_count = ?, stats_json = ?, completed_at = ?
			WHERE id = ?`,
			RunStatusCompleted, trackCount, pointCount, nullStr(string(stats)), formatTime(now), runID,
		)
		if err != nil {
			return fmt.Errorf("complete run %s: %w", runID, err)
		}
		return requireAffected(result, runID)
	})
}

// Fail marks a run failed and records the error text.
func (s *RunStore) Fail(runID string, runErr error) error {
	now := s.clock.Now().UTC()
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`
			UPDATE density_runs
			SET status = ?, error = ?, completed_at = ?
			WHERE id = ?`,
			RunStatusFailed, nullStr(msg), formatTime(now), runID,
		)
		if err != nil {
			return fmt.Errorf("fail run %s: %w", runID, err)
		}
		return requireAffected(result, runID)
	})
}

// Delete removes a run by ID. Grid rows cascade via the schema.
func (s *RunStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM density_runs WHERE id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
		return requireAffected(result, runID)
	})
}

// requireAffected converts a zero-row update or delete into ErrNotFound.
func requireAffected(result sql.Result, runID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*DensityRun, error) {
	var (
		run         DensityRun
		fileID      sql.NullString
		statsStr    sql.NullString
		errStr      sql.NullString
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&run.RunID, &fileID, &run.Status, &run.CollectElements, &run.Workers,
		&run.Shape[0], &run.Shape[1], &run.Shape[2],
		&run.VoxelSize[0], &run.VoxelSize[1], &run.VoxelSize[2],
		&run.TrackCount, &run.PointCount, &statsStr, &errStr,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if fileID.Valid {
		run.FileID = fileID.String
	}
	if statsStr.Valid {
		run.Stats = json.RawMessage(statsStr.String)
	}
	if errStr.Valid {
		run.Error = errStr.String
	}
	run.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	return &run, nil
}
