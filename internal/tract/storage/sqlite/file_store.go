package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/foxet/pbc1109/internal/timeutil"
)

// TrackFileStore provides persistence for registered track files.
type TrackFileStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewTrackFileStore creates a TrackFileStore backed by the given
// database. A nil clock defaults to the real one.
func NewTrackFileStore(db *sql.DB, clock timeutil.Clock) *TrackFileStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &TrackFileStore{db: db, clock: clock}
}

const fileColumns = `id, path, dim_x, dim_y, dim_z,
	voxel_size_x, voxel_size_y, voxel_size_z,
	n_count, n_scalars, n_properties, voxel_order, registered_at`

// Register persists a new track file. If FileID is empty a UUID is
// generated. Registering the same path twice fails on the unique
// constraint.
func (s *TrackFileStore) Register(file *TrackFile) error {
	if file.FileID == "" {
		file.FileID = uuid.New().String()
	}
	if file.RegisteredAt.IsZero() {
		file.RegisteredAt = s.clock.Now().UTC()
	}
	if file.VoxelOrder == "" {
		file.VoxelOrder = "LPS"
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO track_files (
				id, path, dim_x, dim_y, dim_z,
				voxel_size_x, voxel_size_y, voxel_size_z,
				n_count, n_scalars, n_properties, voxel_order, registered_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.FileID, file.Path,
			file.Shape[0], file.Shape[1], file.Shape[2],
			file.VoxelSize[0], file.VoxelSize[1], file.VoxelSize[2],
			file.TrackCount, file.ScalarCount, file.PropertyCount,
			file.VoxelOrder, formatTime(file.RegisteredAt),
		)
		if err != nil {
			return fmt.Errorf("register track file %s: %w", file.Path, err)
		}
		return nil
	})
}

// Get returns a single track file by ID.
func (s *TrackFileStore) Get(fileID string) (*TrackFile, error) {
	row := s.db.QueryRow(`SELECT `+fileColumns+` FROM track_files WHERE id = ?`, fileID)
	file, err := scanTrackFile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("track file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan track file %s: %w", fileID, err)
	}
	return file, nil
}

// GetByPath returns the track file registered under path.
func (s *TrackFileStore) GetByPath(path string) (*TrackFile, error) {
	row := s.db.QueryRow(`SELECT `+fileColumns+` FROM track_files WHERE path = ?`, path)
	file, err := scanTrackFile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("track file at %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan track file at %s: %w", path, err)
	}
	return file, nil
}

// List returns all registered track files, newest first.
func (s *TrackFileStore) List() ([]*TrackFile, error) {
	rows, err := s.db.Query(`SELECT ` + fileColumns + ` FROM track_files ORDER BY registered_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query track files: %w", err)
	}
	defer rows.Close()

	var files []*TrackFile
	for rows.Next() {
		file, err := scanTrackFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan track file row: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// Delete removes a track file registration by ID.
func (s *TrackFileStore) Delete(fileID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM track_files WHERE id = ?`, fileID)
		if err != nil {
			return fmt.Errorf("delete track file %s: %w", fileID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("track file %s: %w", fileID, ErrNotFound)
		}
		return nil
	})
}

func scanTrackFile(row scanner) (*TrackFile, error) {
	var (
		file         TrackFile
		registeredAt string
	)
	err := row.Scan(
		&file.FileID, &file.Path,
		&file.Shape[0], &file.Shape[1], &file.Shape[2],
		&file.VoxelSize[0], &file.VoxelSize[1], &file.VoxelSize[2],
		&file.TrackCount, &file.ScalarCount, &file.PropertyCount,
		&file.VoxelOrder, &registeredAt,
	)
	if err != nil {
		return nil, err
	}
	file.RegisteredAt, err = parseTime(registeredAt)
	if err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	return &file, nil
}
