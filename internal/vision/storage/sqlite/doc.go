// Package sqlite contains SQLite repository implementations for
// reconstruction runs.
//
// All database read/write operations for runs, per-step poses and
// reconstructed points belong here rather than in the reconstruction
// layers. The schema is owned by internal/db migrations.
package sqlite
