// Package storage persists scheduler snapshots so pending events survive a
// process restart.
//
// It stores the serialized string produced by the scheduler verbatim; the
// format itself is the scheduler's concern. Two backends exist: a plain file
// (atomic write-and-rename, latest snapshot only) and SQLite (bounded history
// of snapshots, pruned on save).
package storage
