package sqlite

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/gob"
	"fmt"

	"github.com/foxet/pbc1109/internal/timeutil"
	"github.com/foxet/pbc1109/internal/tract"
)

// GridStore persists serialized count grids for completed runs.
type GridStore struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewGridStore creates a GridStore backed by the given database. A nil
// clock defaults to the real one.
func NewGridStore(db *sql.DB, clock timeutil.Clock) *GridStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &GridStore{db: db, clock: clock}
}

// Save stores the grid, and the element map when present, for a run.
// Saving twice for the same run replaces the previous row.
func (s *GridStore) Save(runID string, grid *tract.CountGrid, elements tract.ElementMap) error {
	gridBlob, err := serializeGrid(grid)
	if err != nil {
		return fmt.Errorf("serialize grid for run %s: %w", runID, err)
	}

	var elementsBlob interface{}
	if elements != nil {
		blob, err := serializeElements(elements)
		if err != nil {
			return fmt.Errorf("serialize elements for run %s: %w", runID, err)
		}
		elementsBlob = blob
	}

	createdAt := formatTime(s.clock.Now().UTC())
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO density_grids (run_id, grid_blob, elements_blob, created_at)
			VALUES (?, ?, ?, ?)`,
			runID, gridBlob, elementsBlob, createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert grid for run %s: %w", runID, err)
		}
		return nil
	})
}

// Load returns the persisted grid and element map for a run. The element
// map is nil when the run did not collect provenance.
func (s *GridStore) Load(runID string) (*tract.CountGrid, tract.ElementMap, error) {
	var (
		gridBlob     []byte
		elementsBlob []byte
	)
	err := s.db.QueryRow(
		`SELECT grid_blob, elements_blob FROM density_grids WHERE run_id = ?`, runID,
	).Scan(&gridBlob, &elementsBlob)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("grid for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query grid for run %s: %w", runID, err)
	}

	grid, err := deserializeGrid(gridBlob)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize grid for run %s: %w", runID, err)
	}

	var elements tract.ElementMap
	if len(elementsBlob) > 0 {
		elements, err = deserializeElements(elementsBlob)
		if err != nil {
			return nil, nil, fmt.Errorf("deserialize elements for run %s: %w", runID, err)
		}
	}
	return grid, elements, nil
}

// Delete removes the persisted grid for a run.
func (s *GridStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM density_grids WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete grid for run %s: %w", runID, err)
		}
		return requireAffected(result, runID)
	})
}

// serializeGrid compresses the grid using gob encoding and gzip compression.
func serializeGrid(grid *tract.CountGrid) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(grid); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeGrid decompresses and decodes a grid from a gob+gzip blob.
func deserializeGrid(blob []byte) (*tract.CountGrid, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty grid blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var grid tract.CountGrid
	dec := gob.NewDecoder(gz)
	if err := dec.Decode(&grid); err != nil {
		return nil, fmt.Errorf("failed to decode grid: %w", err)
	}
	return &grid, nil
}

// serializeElements compresses an element map using gob+gzip.
func serializeElements(elements tract.ElementMap) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(elements); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeElements decompresses and decodes an element map blob.
func deserializeElements(blob []byte) (tract.ElementMap, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var elements tract.ElementMap
	dec := gob.NewDecoder(gz)
	if err := dec.Decode(&elements); err != nil {
		return nil, fmt.Errorf("failed to decode elements: %w", err)
	}
	return elements, nil
}
