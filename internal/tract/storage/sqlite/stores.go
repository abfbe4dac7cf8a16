package sqlite

import (
	"database/sql"

	"github.com/foxet/pbc1109/internal/timeutil"
)

// Stores bundles the density repositories over one database handle.
type Stores struct {
	Files *TrackFileStore
	Runs  *RunStore
	Grids *GridStore
}

// NewStores creates all repositories over db with a shared clock. A nil
// clock defaults to the real one.
func NewStores(db *sql.DB, clock timeutil.Clock) *Stores {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Stores{
		Files: NewTrackFileStore(db, clock),
		Runs:  NewRunStore(db, clock),
		Grids: NewGridStore(db, clock),
	}
}
