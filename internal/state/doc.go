// Package state persists LoopState.
//
// A state is stored as five parts (loop, queue, gates, errors, agents), so a
// corrupted part reads as empty without losing the others. FileStore writes
// the parts of a state into a temp directory and renames it into place;
// SQLiteStore writes all parts of a state in one transaction. Both keep immutable snapshots addressed by
// tokens of the form snap-<unix nanos>-<uuid prefix>, named checkpoints, and
// an archive of finished sessions.
package state
