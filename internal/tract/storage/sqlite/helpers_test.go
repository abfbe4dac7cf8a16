package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/foxet/pbc1109/internal/db"
)

// newTestDB creates a fully migrated temporary database. Using the real
// migrations keeps tests in sync with the production schema instead of
// duplicating CREATE TABLE statements here.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.MigrateUp(); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return database.DB
}
