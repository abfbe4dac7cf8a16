package sqlite

import (
	"errors"
	"reflect"
	"testing"

	"github.com/foxet/pbc1109/internal/tract"
)

func insertTestRun(t *testing.T, store *RunStore) string {
	t.Helper()
	run := &DensityRun{Shape: tract.VolumeShape{3, 3, 3}, VoxelSize: tract.VoxelSize{1, 1, 1}}
	if err := store.Insert(run); err != nil {
		t.Fatalf("Insert run failed: %v", err)
	}
	return run.RunID
}

func TestGridStore_SaveAndLoad(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db, nil)
	grids := NewGridStore(db, nil)
	runID := insertTestRun(t, runs)

	grid := tract.NewCountGrid(tract.VolumeShape{3, 3, 3})
	grid.Counts[0] = 2
	grid.Counts[13] = 5
	grid.Counts[26] = 1

	elements := tract.ElementMap{
		{0, 0, 0}: {{Track: 0, Point: 0}, {Track: 2, Point: 4}},
		{2, 2, 2}: {{Track: 1, Point: 9}},
	}

	if err := grids.Save(runID, grid, elements); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	gotGrid, gotElements, err := grids.Load(runID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if gotGrid.Shape != grid.Shape {
		t.Errorf("shape = %v, want %v", gotGrid.Shape, grid.Shape)
	}
	if !reflect.DeepEqual(gotGrid.Counts, grid.Counts) {
		t.Error("counts not preserved through save/load")
	}
	if !reflect.DeepEqual(gotElements, elements) {
		t.Errorf("elements = %v, want %v", gotElements, elements)
	}
}

func TestGridStore_SaveWithoutElements(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db, nil)
	grids := NewGridStore(db, nil)
	runID := insertTestRun(t, runs)

	grid := tract.NewCountGrid(tract.VolumeShape{3, 3, 3})
	grid.Counts[4] = 9

	if err := grids.Save(runID, grid, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	gotGrid, gotElements, err := grids.Load(runID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if gotGrid.Counts[4] != 9 {
		t.Errorf("counts[4] = %d, want 9", gotGrid.Counts[4])
	}
	if gotElements != nil {
		t.Errorf("elements = %v, want nil when none were saved", gotElements)
	}
}

func TestGridStore_SaveReplaces(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db, nil)
	grids := NewGridStore(db, nil)
	runID := insertTestRun(t, runs)

	first := tract.NewCountGrid(tract.VolumeShape{3, 3, 3})
	first.Counts[0] = 1
	if err := grids.Save(runID, first, nil); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	second := tract.NewCountGrid(tract.VolumeShape{3, 3, 3})
	second.Counts[0] = 8
	if err := grids.Save(runID, second, nil); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, _, err := grids.Load(runID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Counts[0] != 8 {
		t.Errorf("counts[0] = %d, want 8 after replace", got.Counts[0])
	}
}

func TestGridStore_LoadMissing(t *testing.T) {
	db := newTestDB(t)
	grids := NewGridStore(db, nil)

	_, _, err := grids.Load("no-such-run")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load for missing run returned %v, want ErrNotFound", err)
	}
}

func TestGridStore_Delete(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db, nil)
	grids := NewGridStore(db, nil)
	runID := insertTestRun(t, runs)

	grid := tract.NewCountGrid(tract.VolumeShape{3, 3, 3})
	if err := grids.Save(runID, grid, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := grids.Delete(runID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, _, err := grids.Load(runID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete returned %v, want ErrNotFound", err)
	}
}

func TestSerializeGridRoundTrip(t *testing.T) {
	grid := tract.NewCountGrid(tract.VolumeShape{2, 3, 4})
	for i := range grid.Counts {
		grid.Counts[i] = uint32(i * i)
	}

	blob, err := serializeGrid(grid)
	if err != nil {
		t.Fatalf("serializeGrid failed: %v", err)
	}
	got, err := deserializeGrid(blob)
	if err != nil {
		t.Fatalf("deserializeGrid failed: %v", err)
	}
	if got.Shape != grid.Shape || !reflect.DeepEqual(got.Counts, grid.Counts) {
		t.Error("grid not preserved through serialize/deserialize")
	}

	if _, err := deserializeGrid(nil); err == nil {
		t.Error("deserializeGrid(nil) succeeded, want error")
	}
	if _, err := deserializeGrid([]byte("not gzip")); err == nil {
		t.Error("deserializeGrid of garbage succeeded, want error")
	}
}
