// Package sqlite contains SQLite repository implementations for track
// density domain types.
//
// All database read/write operations for track files, density runs, and
// persisted grids belong here rather than in internal/tract. This keeps
// the counting kernel free of SQL noise and makes it easier to swap
// storage backends for testing.
package sqlite
