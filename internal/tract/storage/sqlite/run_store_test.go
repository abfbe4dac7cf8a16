package sqlite

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/foxet/pbc1109/internal/timeutil"
	"github.com/foxet/pbc1109/internal/tract"
)

var testClockStart = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestRunStore_InsertAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db, timeutil.NewMockClock(testClockStart))

	run := &DensityRun{
		CollectElements: true,
		Workers:         4,
		Shape:           tract.VolumeShape{10, 12, 14},
		VoxelSize:       tract.VoxelSize{0.5, 0.5, 2.0},
	}
	if err := store.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if run.RunID == "" {
		t.Error("expected run_id to be generated")
	}
	if run.Status != RunStatusPending {
		t.Errorf("status = %q, want pending", run.Status)
	}
	if !run.StartedAt.Equal(testClockStart) {
		t.Errorf("started_at = %v, want %v", run.StartedAt, testClockStart)
	}

	retrieved, err := store.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.Shape != run.Shape {
		t.Errorf("shape mismatch: got %v, want %v", retrieved.Shape, run.Shape)
	}
	if retrieved.VoxelSize != run.VoxelSize {
		t.Errorf("voxel size mismatch: got %v, want %v", retrieved.VoxelSize, run.VoxelSize)
	}
	if !retrieved.CollectElements {
		t.Error("collect_elements not persisted")
	}
	if retrieved.Workers != 4 {
		t.Errorf("workers = %d, want 4", retrieved.Workers)
	}
	if !retrieved.StartedAt.Equal(testClockStart) {
		t.Errorf("started_at = %v, want %v", retrieved.StartedAt, testClockStart)
	}
	if retrieved.CompletedAt != nil {
		t.Errorf("completed_at = %v, want nil for a pending run", retrieved.CompletedAt)
	}
}

func TestRunStore_GetMissing(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db, nil)

	_, err := store.Get("no-such-run")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get for missing run returned %v, want ErrNotFound", err)
	}
}

func TestRunStore_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(testClockStart)
	store := NewRunStore(db, clock)

	run := &DensityRun{Shape: tract.VolumeShape{2, 2, 2}, VoxelSize: tract.VoxelSize{1, 1, 1}}
	if err := store.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.MarkRunning(run.RunID); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	got, _ := store.Get(run.RunID)
	if got.Status != RunStatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}

	clock.Advance(90 * time.Second)
	stats := json.RawMessage(`{"occupied_voxels":2}`)
	if err := store.Complete(run.RunID, 3, 120, stats); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	got, err := store.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != RunStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.TrackCount != 3 || got.PointCount != 120 {
		t.Errorf("counts = (%d, %d), want (3, 120)", got.TrackCount, got.PointCount)
	}
	if string(got.Stats) != string(stats) {
		t.Errorf("stats = %s, want %s", got.Stats, stats)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	want := testClockStart.Add(90 * time.Second)
	if !got.CompletedAt.Equal(want) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, want)
	}
}

func TestRunStore_Fail(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db, timeutil.NewMockClock(testClockStart))

	run := &DensityRun{Shape: tract.VolumeShape{2, 2, 2}, VoxelSize: tract.VoxelSize{1, 1, 1}}
	if err := store.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.Fail(run.RunID, errors.New("voxel size must be positive")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, err := store.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != RunStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Error != "voxel size must be positive" {
		t.Errorf("error = %q, want the failure message", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set on failure")
	}
}

func TestRunStore_List(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(testClockStart)
	store := NewRunStore(db, clock)

	var ids []string
	for i := 0; i < 3; i++ {
		run := &DensityRun{Shape: tract.VolumeShape{2, 2, 2}, VoxelSize: tract.VoxelSize{1, 1, 1}}
		if err := store.Insert(run); err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
		ids = append(ids, run.RunID)
		clock.Advance(time.Minute)
	}
	if err := store.MarkRunning(ids[1]); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	all, err := store.List("", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	// Newest first
	if all[0].RunID != ids[2] {
		t.Errorf("first listed run = %s, want most recent %s", all[0].RunID, ids[2])
	}

	running, err := store.List(RunStatusRunning, 0)
	if err != nil {
		t.Fatalf("List(running) failed: %v", err)
	}
	if len(running) != 1 || running[0].RunID != ids[1] {
		t.Errorf("List(running) = %d runs, want just %s", len(running), ids[1])
	}

	limited, err := store.List("", 2)
	if err != nil {
		t.Fatalf("List with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 runs with limit, got %d", len(limited))
	}
}

func TestRunStore_Delete(t *testing.T) {
	db := newTestDB(t)
	store := NewRunStore(db, nil)

	run := &DensityRun{Shape: tract.VolumeShape{2, 2, 2}, VoxelSize: tract.VoxelSize{1, 1, 1}}
	if err := store.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.Delete(run.RunID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(run.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete returned %v, want ErrNotFound", err)
	}
	if err := store.Delete(run.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete returned %v, want ErrNotFound", err)
	}
}

// Deleting a run removes its grid row through the FK cascade.
func TestRunStore_DeleteCascadesToGrid(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunStore(db, nil)
	grids := NewGridStore(db, nil)

	run := &DensityRun{Shape: tract.VolumeShape{2, 2, 2}, VoxelSize: tract.VoxelSize{1, 1, 1}}
	if err := runs.Insert(run); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	grid := tract.NewCountGrid(run.Shape)
	grid.Counts[0] = 7
	if err := grids.Save(run.RunID, grid, nil); err != nil {
		t.Fatalf("Save grid failed: %v", err)
	}

	if err := runs.Delete(run.RunID); err != nil {
		t.Fatalf("Delete run failed: %v", err)
	}
	if _, _, err := grids.Load(run.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after cascade returned %v, want ErrNotFound", err)
	}
}
